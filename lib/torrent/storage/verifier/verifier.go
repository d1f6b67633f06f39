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

// Package verifier hashes a completed piece's bytes and checks them against
// the torrent's declared piece hashes: SHA-1 against the flat v1 hash list
// for V1/Hybrid torrents, SHA-256 Merkle verification against the relevant
// file's piece layer for V2 torrents.
package verifier

import (
	"crypto/sha1"
	"fmt"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
)

// Verifier checks a piece's content against core.Info's declared hashes.
type Verifier struct {
	info *core.Info
}

// New creates a Verifier for info.
func New(info *core.Info) *Verifier {
	return &Verifier{info: info}
}

// Verify reports whether content (exactly PieceLength(i) bytes) hashes to
// the expected value for piece i.
func (v *Verifier) Verify(pieceIndex int, content []byte) (bool, error) {
	switch v.info.Version {
	case core.V1:
		return v.verifyV1(pieceIndex, content)
	case core.V2:
		return v.verifyV2(pieceIndex, content)
	case core.Hybrid:
		// Both hash families cover the same bytes; v1 is cheaper and is the
		// one every peer can supply regardless of v2 support, so it is
		// authoritative here.
		return v.verifyV1(pieceIndex, content)
	default:
		return false, fmt.Errorf("unknown version %v", v.info.Version)
	}
}

func (v *Verifier) verifyV1(pieceIndex int, content []byte) (bool, error) {
	if pieceIndex < 0 || pieceIndex >= len(v.info.PieceHashesV1) {
		return false, fmt.Errorf("piece index %d out of range [0, %d)", pieceIndex, len(v.info.PieceHashesV1))
	}
	got := sha1.Sum(content)
	return got == v.info.PieceHashesV1[pieceIndex], nil
}

// verifyV2 locates the single file piece i falls entirely within (BEP 52
// pads file boundaries so that, outside of hybrid torrents sharing v1 piece
// boundaries, a piece does not span files) and checks it against that
// file's piece layer.
func (v *Verifier) verifyV2(pieceIndex int, content []byte) (bool, error) {
	start := int64(pieceIndex) * v.info.PieceLength
	end := start + int64(len(content))

	for _, f := range v.info.Files {
		if start < f.Offset || end > f.Offset+f.Length {
			continue
		}
		if !f.HasPiecesRoot {
			return false, fmt.Errorf("file %q has no pieces root", f.JoinedPath())
		}
		layer, ok := v.info.PieceLayers[f.PiecesRoot]
		if !ok {
			return false, fmt.Errorf("file %q has no piece layer", f.JoinedPath())
		}
		pieceInFile := int((start - f.Offset) / v.info.PieceLength)
		if pieceInFile < 0 || pieceInFile >= len(layer) {
			return false, fmt.Errorf("piece %d maps to out-of-range file piece %d", pieceIndex, pieceInFile)
		}

		leaves := blockLeaves(content)
		root := core.MerkleRoot(leaves)
		return root == layer[pieceInFile], nil
	}
	return false, fmt.Errorf("piece %d does not fall within a single file's bounds", pieceIndex)
}

func blockLeaves(content []byte) [][32]byte {
	n := core.NumMerkleBlocks(int64(len(content)))
	leaves := make([][32]byte, n)
	for i := 0; i < n; i++ {
		start := i * core.MerkleBlockSize
		end := start + core.MerkleBlockSize
		if end > len(content) {
			end = len(content)
		}
		leaves[i] = core.HashBlock(content[start:end])
	}
	return leaves
}
