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
	"encoding/hex"
	"errors"
	"fmt"
)

// InfoHash identifies a torrent's content. A v1 torrent carries only V1 (the
// SHA-1 of the bencoded v1 info dict), a v2-only torrent carries only V2 (the
// SHA-256 of the bencoded v2 info dict), and a hybrid torrent carries both.
type InfoHash struct {
	v1    [20]byte
	v2    [32]byte
	hasV1 bool
	hasV2 bool
}

// NewV1InfoHash builds an InfoHash carrying only a v1 (SHA-1) identity.
func NewV1InfoHash(b [20]byte) InfoHash {
	return InfoHash{v1: b, hasV1: true}
}

// NewV2InfoHash builds an InfoHash carrying only a v2 (SHA-256) identity.
func NewV2InfoHash(b [32]byte) InfoHash {
	return InfoHash{v2: b, hasV2: true}
}

// NewHybridInfoHash builds an InfoHash carrying both identities.
func NewHybridInfoHash(v1 [20]byte, v2 [32]byte) InfoHash {
	return InfoHash{v1: v1, hasV1: true, v2: v2, hasV2: true}
}

// NewInfoHashFromHex parses a v1 info hash encoded as 40 hex characters.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	if len(s) != 40 {
		return InfoHash{}, fmt.Errorf("invalid v1 info hash: expected 40 hex chars, got %d", len(s))
	}
	var h [20]byte
	n, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return InfoHash{}, fmt.Errorf("invalid hex: %s", err)
	}
	if n != 20 {
		return InfoHash{}, errors.New("invariant violation: expected 20 bytes")
	}
	return NewV1InfoHash(h), nil
}

// NewInfoHashFromHandshake builds an InfoHash from the 20 raw bytes carried
// in a BEP 3 handshake. Those 20 bytes are the v1 hash for v1/hybrid
// torrents, or a truncated v2 hash (BEP 52) for v2-only torrents; either way
// they are the only identity available until metadata is fetched, so they
// are treated here as an opaque v1-shaped identity for connection matching.
// b must be exactly 20 bytes.
func NewInfoHashFromHandshake(b []byte) (InfoHash, error) {
	if len(b) != 20 {
		return InfoHash{}, fmt.Errorf("invalid handshake info hash: expected 20 bytes, got %d", len(b))
	}
	var h [20]byte
	copy(h[:], b)
	return NewV1InfoHash(h), nil
}

// HasV1 reports whether h carries a v1 identity.
func (h InfoHash) HasV1() bool { return h.hasV1 }

// HasV2 reports whether h carries a v2 identity.
func (h InfoHash) HasV2() bool { return h.hasV2 }

// V1 returns the 20-byte SHA-1 identity. Only meaningful if HasV1() is true.
func (h InfoHash) V1() [20]byte { return h.v1 }

// V2 returns the 32-byte SHA-256 identity. Only meaningful if HasV2() is true.
func (h InfoHash) V2() [32]byte { return h.v2 }

// Handshake returns the 20 bytes carried in the BEP 3 handshake: the v1 hash
// for v1/hybrid torrents, or the truncated v2 hash (BEP 52) for v2-only
// torrents.
func (h InfoHash) Handshake() [20]byte {
	if h.hasV1 {
		return h.v1
	}
	var truncated [20]byte
	copy(truncated[:], h.v2[:20])
	return truncated
}

// Bytes returns the canonical byte representation used for equality/logging:
// v1 bytes if present, else v2 bytes.
func (h InfoHash) Bytes() []byte {
	if h.hasV1 {
		return h.v1[:]
	}
	return h.v2[:]
}

// Hex renders the canonical identity (v1 if present, else v2) as hex.
func (h InfoHash) Hex() string {
	return hex.EncodeToString(h.Bytes())
}

func (h InfoHash) String() string {
	switch {
	case h.hasV1 && h.hasV2:
		return fmt.Sprintf("hybrid(%s)", hex.EncodeToString(h.v1[:]))
	case h.hasV2:
		return fmt.Sprintf("v2(%s)", hex.EncodeToString(h.v2[:]))
	default:
		return hex.EncodeToString(h.v1[:])
	}
}

// Equal reports whether h and o identify the same torrent. Two hybrid hashes
// must match on every identity they share.
func (h InfoHash) Equal(o InfoHash) bool {
	if h.hasV1 && o.hasV1 && h.v1 != o.v1 {
		return false
	}
	if h.hasV2 && o.hasV2 && h.v2 != o.v2 {
		return false
	}
	return (h.hasV1 && o.hasV1) || (h.hasV2 && o.hasV2)
}
