// Package magnet parses magnet URIs into the handful of fields the
// Metadata Acquisition State Machine and Swarm Controller need to start a
// torrent before any .torrent file has been seen.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
)

// sha256MultihashPrefix is the multihash prefix (function code 0x12 "sha2-256",
// digest length 0x20) BEP 9 uses for "xt=urn:btmh:" v2 info hashes.
const sha256MultihashPrefix = "1220"

// Link is a parsed magnet URI.
type Link struct {
	InfoHash      core.InfoHash
	DisplayName   string
	Trackers      []string
	ExactLength   int64
	WebSeeds      []string
	AcceptSources []string
	PeerHints     []string
	SelectedFiles []int
}

// Parse parses a magnet URI of the form described in BEP 9 / BEP 53:
//
//	magnet:?xt=urn:btih:<40-hex-or-32-base32>[&xt=urn:btmh:<multihash>]
//	       &dn=<name>&tr=<url>[&tr=<url>...]&xl=<len>&ws=<url>&as=<url>
//	       &x.pe=<ip:port>&so=<0,2,4-6>
func Parse(raw string) (*Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %s", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet uri: scheme %q", u.Scheme)
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("parse query: %s", err)
	}

	link := &Link{}

	var v1, v2 string
	for _, xt := range q["xt"] {
		switch {
		case strings.HasPrefix(xt, "urn:btih:"):
			v1 = strings.TrimPrefix(xt, "urn:btih:")
		case strings.HasPrefix(xt, "urn:btmh:"):
			v2 = strings.TrimPrefix(xt, "urn:btmh:")
		}
	}
	if v1 == "" && v2 == "" {
		return nil, fmt.Errorf("missing required \"xt\" parameter")
	}

	var v1Hash [20]byte
	var hasV1 bool
	if v1 != "" {
		v1Hash, err = decodeV1Hash(v1)
		if err != nil {
			return nil, fmt.Errorf("xt btih: %s", err)
		}
		hasV1 = true
	}

	var v2Hash [32]byte
	var hasV2 bool
	if v2 != "" {
		v2Hash, err = decodeV2Multihash(v2)
		if err != nil {
			return nil, fmt.Errorf("xt btmh: %s", err)
		}
		hasV2 = true
	}

	switch {
	case hasV1 && hasV2:
		link.InfoHash = core.NewHybridInfoHash(v1Hash, v2Hash)
	case hasV2:
		link.InfoHash = core.NewV2InfoHash(v2Hash)
	default:
		link.InfoHash = core.NewV1InfoHash(v1Hash)
	}

	link.DisplayName = q.Get("dn")
	link.Trackers = q["tr"]
	link.WebSeeds = q["ws"]
	link.AcceptSources = q["as"]
	link.PeerHints = q["x.pe"]

	if xl := q.Get("xl"); xl != "" {
		n, err := strconv.ParseInt(xl, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("xl: %s", err)
		}
		link.ExactLength = n
	}

	if so := q.Get("so"); so != "" {
		indices, err := parseSelectedFiles(so)
		if err != nil {
			return nil, fmt.Errorf("so: %s", err)
		}
		link.SelectedFiles = indices
	}

	return link, nil
}

func decodeV1Hash(s string) ([20]byte, error) {
	var h [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return h, fmt.Errorf("invalid hex: %s", err)
		}
		copy(h[:], b)
		return h, nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return h, fmt.Errorf("invalid base32: %s", err)
		}
		if len(b) != 20 {
			return h, fmt.Errorf("decoded base32 length %d, expected 20", len(b))
		}
		copy(h[:], b)
		return h, nil
	default:
		return h, fmt.Errorf("expected 40 hex or 32 base32 chars, got %d", len(s))
	}
}

func decodeV2Multihash(s string) ([32]byte, error) {
	var h [32]byte
	if !strings.HasPrefix(strings.ToLower(s), sha256MultihashPrefix) {
		return h, fmt.Errorf("unsupported multihash, expected sha2-256 prefix %q", sha256MultihashPrefix)
	}
	digest := s[len(sha256MultihashPrefix):]
	b, err := hex.DecodeString(digest)
	if err != nil {
		return h, fmt.Errorf("invalid hex: %s", err)
	}
	if len(b) != 32 {
		return h, fmt.Errorf("decoded digest length %d, expected 32", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// parseSelectedFiles parses "so" values like "0,2,4-6" into a sorted,
// de-duplicated list of file indices.
func parseSelectedFiles(s string) ([]int, error) {
	seen := make(map[int]bool)
	var indices []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.Index(part, "-"); dash != -1 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return nil, fmt.Errorf("invalid range %q: %s", part, err)
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return nil, fmt.Errorf("invalid range %q: %s", part, err)
			}
			if hi < lo {
				return nil, fmt.Errorf("invalid range %q: end before start", part)
			}
			for i := lo; i <= hi; i++ {
				if !seen[i] {
					seen[i] = true
					indices = append(indices, i)
				}
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q: %s", part, err)
		}
		if !seen[n] {
			seen[n] = true
			indices = append(indices, n)
		}
	}
	sort.Ints(indices)
	return indices, nil
}
