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
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/bencode"
)

// Test fixtures for building minimal, valid .torrent byte streams without
// depending on any real torrent file. Kept in a non-_test.go file so other
// packages' tests can build MetaInfo fixtures too.

// V1MetaInfoFixture returns the raw bencode bytes of a single-file v1
// torrent with numPieces pieces of pieceLength bytes each (the last piece is
// always full-length here, for simplicity).
func V1MetaInfoFixture(name string, pieceLength int64, numPieces int) []byte {
	length := pieceLength * int64(numPieces)
	pieces := make([]byte, 0, 20*numPieces)
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, h[:]...)
	}
	info := map[string]interface{}{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       string(pieces),
		"length":       length,
	}
	top := map[string]interface{}{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}
	b, err := bencode.Marshal(top)
	if err != nil {
		panic(err)
	}
	return b
}

// V1MultiFileMetaInfoFixture returns the raw bencode bytes of a multi-file
// v1 torrent whose files have the given lengths, back to back.
func V1MultiFileMetaInfoFixture(name string, pieceLength int64, fileLengths []int64) []byte {
	var total int64
	files := make([]interface{}, 0, len(fileLengths))
	for i, l := range fileLengths {
		files = append(files, map[string]interface{}{
			"length": l,
			"path":   []interface{}{"part" + string(rune('0'+i))},
		})
		total += l
	}
	numPieces := int(total / pieceLength)
	if total%pieceLength != 0 {
		numPieces++
	}
	pieces := make([]byte, 0, 20*numPieces)
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, h[:]...)
	}
	info := map[string]interface{}{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       string(pieces),
		"files":        files,
	}
	top := map[string]interface{}{
		"info": info,
	}
	b, err := bencode.Marshal(top)
	if err != nil {
		panic(err)
	}
	return b
}

// PeerIDFixture returns a random PeerID for use in tests.
func PeerIDFixture() PeerID {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

// TagFixture returns a random namespace-like tag string for use in tests.
func TagFixture() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("namespace-%x", b)
}

// PeerContextFixture returns a PeerContext for use in tests.
func PeerContextFixture() PeerContext {
	return PeerContext{
		IP:     "localhost",
		Port:   45000,
		PeerID: PeerIDFixture(),
		Zone:   "zone1",
	}
}

// OriginContextFixture returns an origin-flagged PeerContext for use in
// tests.
func OriginContextFixture() PeerContext {
	p := PeerContextFixture()
	p.Origin = true
	return p
}

// InfoHashFixture returns a random v1 InfoHash for use in tests.
func InfoHashFixture() InfoHash {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return NewV1InfoHash(b)
}

// PeerInfoFixture returns a random PeerInfo for use in tests.
func PeerInfoFixture() *PeerInfo {
	return NewPeerInfo(PeerIDFixture(), "localhost", 45000, false, false)
}

// V2MetaInfoFixture returns the raw bencode bytes of a single-file v2
// torrent with a one-block file tree leaf.
func V2MetaInfoFixture(name string, pieceLength int64) []byte {
	block := make([]byte, MerkleBlockSize)
	leaf := sha256.Sum256(block)
	root := MerkleRoot([][32]byte{leaf})

	fileTree := map[string]interface{}{
		name: map[string]interface{}{
			"": map[string]interface{}{
				"length":      int64(MerkleBlockSize),
				"pieces root": string(root[:]),
			},
		},
	}
	info := map[string]interface{}{
		"name":         name,
		"piece length": pieceLength,
		"meta version": int64(2),
		"file tree":    fileTree,
	}
	top := map[string]interface{}{
		"info": info,
		"piece layers": map[string]interface{}{
			string(root[:]): string(leaf[:]),
		},
	}
	b, err := bencode.Marshal(top)
	if err != nil {
		panic(err)
	}
	return b
}
