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
package storage

import (
	"errors"

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
	"github.com/atlet99/dtorrent-task-v2-sub000/core"
)

// ErrNotFound occurs when a TorrentArchive cannot find a torrent.
var ErrNotFound = errors.New("torrent not found")

// ErrPieceComplete occurs when a Torrent cannot write a block because its
// piece is already complete.
var ErrPieceComplete = errors.New("piece is already complete")

// Torrent is the disk-backed read/write interface for a single torrent's
// content: piece-indexed layout queries, sub-piece block I/O, and the
// bitfield/upload accounting a resume record needs.
type Torrent interface {
	Stat() *TorrentInfo
	InfoHash() core.InfoHash
	NumPieces() int
	Length() int64
	PieceLength(piece int) int64
	MaxPieceLength() int64
	Complete() bool
	BytesDownloaded() int64
	Bitfield() *bitfield.Bitfield
	String() string

	HasPiece(piece int) bool
	MissingPieces() []int

	// WriteBlock writes a sub-piece at (piece, begin) of length len(data),
	// sourced from peerID for bad-block accounting. Verifies and commits
	// the piece once every block has arrived.
	WriteBlock(piece, begin int, data []byte, peerID string) error

	// ReadBlock reads a sub-piece at (piece, begin) of the given length.
	// The piece must already be complete.
	ReadBlock(piece, begin, length int) ([]byte, error)

	// MarkUploaded records n uploaded bytes for resume-state accounting.
	MarkUploaded(n int64) error

	// ApplySelectedFiles marks every file whose index is not in indices as
	// skipped for piece selection purposes, persisting the choice to the
	// resume record. Pieces lying entirely within skipped files are
	// subsequently excluded by SkippedPieces.
	ApplySelectedFiles(indices []int) error

	// SkippedPieces returns the indices of pieces lying entirely within
	// files marked skipped by ApplySelectedFiles.
	SkippedPieces() []int

	Close() error
}

// TorrentArchive creates and opens torrents backed by on-disk storage.
type TorrentArchive interface {
	Stat(namespace string, mi *core.MetaInfo) (*TorrentInfo, error)
	CreateTorrent(namespace string, mi *core.MetaInfo) (Torrent, error)
	GetTorrent(namespace string, infoHash core.InfoHash) (Torrent, error)
	DeleteTorrent(infoHash core.InfoHash) error
}
