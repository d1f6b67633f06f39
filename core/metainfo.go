// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/bencode"
)

// MetaInfo is the parsed content of a .torrent file: the content layout
// (Info), the identity derived from it (InfoHash), and the handful of
// top-level fields BEP 3 / BEP 52 define outside the info dict.
type MetaInfo struct {
	Info         Info
	InfoHash     InfoHash
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	CreationDate time.Time
	Private      bool
}

// ParseMetaInfo decodes a .torrent file's bytes into a MetaInfo, computing
// whichever of the v1/v2 info hashes the file's info dict supports.
//
// Per BEP 3/52 the info hash is the digest of the exact bytes of the "info"
// dict as they appear in the file, not of a value re-marshaled from Go
// types. A dict with keys already in bencode's required sorted order
// round-trips byte-for-byte through Marshal, which holds for every torrent
// produced by a spec-compliant client; a malformed torrent with out-of-order
// keys will hash differently than the tool that created it computed.
func ParseMetaInfo(data []byte) (*MetaInfo, error) {
	var raw interface{}
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode: %s", err)
	}
	top, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("top-level bencode value is not a dict")
	}

	infoRaw, ok := top["info"]
	if !ok {
		return nil, fmt.Errorf("missing \"info\" dict")
	}
	infoDict, ok := infoRaw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("\"info\" is not a dict")
	}

	info, err := parseInfoDict(infoDict)
	if err != nil {
		return nil, fmt.Errorf("info: %s", err)
	}

	if pl, ok := top["piece layers"]; ok {
		layers, err := parsePieceLayers(pl)
		if err != nil {
			return nil, fmt.Errorf("piece layers: %s", err)
		}
		info.PieceLayers = layers
	}

	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %s", err)
	}

	infoHash, err := computeInfoHash(infoDict, info.Version)
	if err != nil {
		return nil, fmt.Errorf("info hash: %s", err)
	}

	mi := &MetaInfo{
		Info:     *info,
		InfoHash: infoHash,
	}
	mi.Announce, _ = top["announce"].(string)
	if al, ok := top["announce-list"].([]interface{}); ok {
		mi.AnnounceList = make([][]string, 0, len(al))
		for _, tierRaw := range al {
			tier, ok := tierRaw.([]interface{})
			if !ok {
				continue
			}
			urls := make([]string, 0, len(tier))
			for _, u := range tier {
				if s, ok := u.(string); ok {
					urls = append(urls, s)
				}
			}
			mi.AnnounceList = append(mi.AnnounceList, urls)
		}
	}
	mi.Comment, _ = top["comment"].(string)
	mi.CreatedBy, _ = top["created by"].(string)
	if cd, ok := top["creation date"].(int64); ok {
		mi.CreationDate = time.Unix(cd, 0).UTC()
	}
	if priv, ok := infoDict["private"].(int64); ok {
		mi.Private = priv != 0
	}

	return mi, nil
}

func parseInfoDict(d map[string]interface{}) (*Info, error) {
	name, _ := d["name"].(string)
	pieceLength, ok := d["piece length"].(int64)
	if !ok {
		return nil, fmt.Errorf("missing or malformed \"piece length\"")
	}

	info := &Info{
		Name:        name,
		PieceLength: pieceLength,
	}

	metaVersion, _ := d["meta version"].(int64)
	hasV1Pieces := false
	if piecesRaw, ok := d["pieces"]; ok {
		pieces, ok := piecesRaw.(string)
		if !ok {
			return nil, fmt.Errorf("malformed \"pieces\"")
		}
		if len(pieces)%20 != 0 {
			return nil, fmt.Errorf("\"pieces\" length %d is not a multiple of 20", len(pieces))
		}
		hasV1Pieces = true
		n := len(pieces) / 20
		info.PieceHashesV1 = make([][20]byte, n)
		for i := 0; i < n; i++ {
			copy(info.PieceHashesV1[i][:], pieces[i*20:i*20+20])
		}
	}

	hasFileTree := false
	if ftRaw, ok := d["file tree"]; ok {
		ft, ok := ftRaw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("malformed \"file tree\"")
		}
		hasFileTree = true
		var offset int64
		files, err := walkFileTree(ft, nil, &offset)
		if err != nil {
			return nil, err
		}
		info.Files = files
		info.Length = offset
	} else if filesRaw, ok := d["files"]; ok {
		files, ok := filesRaw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("malformed \"files\"")
		}
		var offset int64
		entries := make([]FileEntry, 0, len(files))
		for _, fRaw := range files {
			f, ok := fRaw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("malformed file entry")
			}
			length, _ := f["length"].(int64)
			pathRaw, ok := f["path"].([]interface{})
			if !ok {
				return nil, fmt.Errorf("malformed file path")
			}
			path := make([]string, 0, len(pathRaw))
			for _, p := range pathRaw {
				s, _ := p.(string)
				path = append(path, s)
			}
			entries = append(entries, FileEntry{
				Path:   path,
				Length: length,
				Offset: offset,
			})
			offset += length
		}
		info.Files = entries
		info.Length = offset
	} else {
		length, ok := d["length"].(int64)
		if !ok {
			return nil, fmt.Errorf("info dict has neither \"files\", \"file tree\", nor \"length\"")
		}
		info.Length = length
		info.Files = []FileEntry{{Path: []string{name}, Length: length, Offset: 0}}
	}

	switch {
	case hasV1Pieces && (hasFileTree || metaVersion == 2):
		info.Version = Hybrid
	case hasFileTree || metaVersion == 2:
		info.Version = V2
	default:
		info.Version = V1
	}

	return info, nil
}

// walkFileTree recursively decodes a BEP 52 "file tree" dict into a flat,
// offset-ordered list of FileEntry. A leaf is a dict holding the empty-string
// key mapping to {"length": ..., "pieces root": ...}.
func walkFileTree(node map[string]interface{}, prefix []string, offset *int64) ([]FileEntry, error) {
	if leaf, ok := node[""]; ok {
		leafDict, ok := leaf.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("malformed file tree leaf at %v", prefix)
		}
		length, _ := leafDict["length"].(int64)
		entry := FileEntry{
			Path:   append([]string(nil), prefix...),
			Length: length,
			Offset: *offset,
		}
		if rootRaw, ok := leafDict["pieces root"]; ok {
			root, ok := rootRaw.(string)
			if !ok || len(root) != 32 {
				return nil, fmt.Errorf("malformed pieces root at %v", prefix)
			}
			copy(entry.PiecesRoot[:], root)
			entry.HasPiecesRoot = true
		}
		*offset += length
		return []FileEntry{entry}, nil
	}

	var entries []FileEntry
	for name, childRaw := range node {
		child, ok := childRaw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("malformed file tree entry %q", name)
		}
		childEntries, err := walkFileTree(child, append(prefix, name), offset)
		if err != nil {
			return nil, err
		}
		entries = append(entries, childEntries...)
	}
	return entries, nil
}

func parsePieceLayers(raw interface{}) (map[[32]byte][][32]byte, error) {
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("not a dict")
	}
	layers := make(map[[32]byte][][32]byte, len(dict))
	for k, vRaw := range dict {
		if len(k) != 32 {
			return nil, fmt.Errorf("piece layer key is not a 32-byte root")
		}
		var root [32]byte
		copy(root[:], k)

		v, ok := vRaw.(string)
		if !ok || len(v)%32 != 0 {
			return nil, fmt.Errorf("piece layer value is not a multiple of 32 bytes")
		}
		n := len(v) / 32
		hashes := make([][32]byte, n)
		for i := 0; i < n; i++ {
			copy(hashes[i][:], v[i*32:i*32+32])
		}
		layers[root] = hashes
	}
	return layers, nil
}

// computeInfoHash re-encodes the already-decoded info dict (bencode.Marshal
// emits map keys in sorted order, which matches the dict's original byte
// layout for any spec-compliant torrent) and hashes it per version.
func computeInfoHash(infoDict map[string]interface{}, version Version) (InfoHash, error) {
	encoded, err := bencode.Marshal(infoDict)
	if err != nil {
		return InfoHash{}, err
	}

	switch version {
	case V1:
		return NewV1InfoHash(sha1.Sum(encoded)), nil
	case V2:
		return NewV2InfoHash(sha256.Sum256(encoded)), nil
	default:
		return NewHybridInfoHash(sha1.Sum(encoded), sha256.Sum256(encoded)), nil
	}
}
