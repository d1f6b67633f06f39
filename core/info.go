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
	"fmt"
	"path/filepath"
	"strings"
)

// Version identifies which BEP 3 / BEP 52 metadata shape a torrent carries.
type Version int

const (
	// V1 torrents carry only a flat SHA-1 piece-hash list.
	V1 Version = iota
	// V2 torrents carry only a per-file Merkle file tree (SHA-256 leaves).
	V2
	// Hybrid torrents carry both, sharing the same piece boundaries.
	Hybrid
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	case Hybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// FileEntry describes one file within a (possibly multi-file) torrent.
type FileEntry struct {
	// Path is the file's path components relative to the torrent's save
	// directory, e.g. ["dir", "sub", "name.txt"].
	Path []string

	// Length is the file's byte length.
	Length int64

	// Offset is the file's zero-based byte offset into the concatenated
	// content stream formed by laying out every file in order.
	Offset int64

	// PiecesRoot is the SHA-256 Merkle root of this file's piece layer hashes.
	// Only populated for v2/hybrid torrents.
	PiecesRoot [32]byte
	HasPiecesRoot bool
}

// JoinedPath returns Path joined with the OS separator, the form used as a
// resume-state / file-priority lookup key.
func (f FileEntry) JoinedPath() string {
	return filepath.Join(f.Path...)
}

// Info is the immutable metadata describing a torrent's content layout:
// name, piece length, file list, and the hashes used to verify each piece.
// Once parsed, an Info is never mutated.
type Info struct {
	Name        string
	PieceLength int64
	Length      int64
	Files       []FileEntry
	Version     Version

	// PieceHashesV1 holds one 20-byte SHA-1 hash per piece. Populated for
	// V1 and Hybrid torrents.
	PieceHashesV1 [][20]byte

	// PieceLayers maps each file's PiecesRoot to its concatenated layer of
	// leaf-level SHA-256 block hashes (one per 16KiB-aligned "piece" of that
	// file, per BEP 52). Populated for V2 and Hybrid torrents.
	PieceLayers map[[32]byte][][32]byte
}

// NumPieces returns N = ceil(Length / PieceLength).
func (info *Info) NumPieces() int {
	if info.PieceLength == 0 {
		return 0
	}
	n := info.Length / info.PieceLength
	if info.Length%info.PieceLength != 0 {
		n++
	}
	return int(n)
}

// GetPieceLength returns the length of piece i; the last piece may be
// shorter than PieceLength.
func (info *Info) GetPieceLength(i int) int64 {
	n := info.NumPieces()
	if i < 0 || i >= n {
		return 0
	}
	if i == n-1 {
		return info.Length - info.PieceLength*int64(i)
	}
	return info.PieceLength
}

// Validate checks the invariants from spec.md §3: file lengths sum to
// Length, and hash lists are present and sized for the declared version.
func (info *Info) Validate() error {
	var sum int64
	for _, f := range info.Files {
		if f.Length < 0 {
			return fmt.Errorf("file %q has negative length", f.JoinedPath())
		}
		if f.Offset != sum {
			return fmt.Errorf("file %q offset %d does not match running total %d", f.JoinedPath(), f.Offset, sum)
		}
		sum += f.Length
	}
	if sum != info.Length {
		return fmt.Errorf("file lengths sum to %d, expected %d", sum, info.Length)
	}
	if info.PieceLength <= 0 {
		return fmt.Errorf("piece length must be positive, got %d", info.PieceLength)
	}
	n := info.NumPieces()
	switch info.Version {
	case V1, Hybrid:
		if len(info.PieceHashesV1) != n {
			return fmt.Errorf("expected %d v1 piece hashes, got %d", n, len(info.PieceHashesV1))
		}
	}
	switch info.Version {
	case V2, Hybrid:
		for _, f := range info.Files {
			if f.Length == 0 {
				continue
			}
			if !f.HasPiecesRoot {
				return fmt.Errorf("file %q missing pieces root", f.JoinedPath())
			}
			if _, ok := info.PieceLayers[f.PiecesRoot]; !ok {
				return fmt.Errorf("file %q has no piece layer entry", f.JoinedPath())
			}
		}
	}
	return nil
}

// SingleFile reports whether info describes a single-file torrent (in which
// case Files has exactly one entry named Name).
func (info *Info) SingleFile() bool {
	return len(info.Files) == 1 && strings.Join(info.Files[0].Path, "/") == info.Name
}
