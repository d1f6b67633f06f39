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

// Package diskstorage implements storage.Torrent on top of a per-torrent
// save directory: content bytes live in filestore, completion/resume state
// lives in a statefile, and in-flight pieces are assembled in piece.Piece
// buffers before being verified and committed to disk.
package diskstorage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage/filestore"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage/statefile"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage/verifier"
	"github.com/atlet99/dtorrent-task-v2-sub000/piece"
	"github.com/atlet99/dtorrent-task-v2-sub000/utils/log"

	"go.uber.org/atomic"
)

// ErrInvalidPiece is returned when a piece's assembled bytes fail
// verification once every block has arrived.
var ErrInvalidPiece = errors.New("piece failed verification")

// Torrent implements storage.Torrent on top of a save-path directory.
// Allows concurrent writes on distinct pieces, and concurrent reads on all
// complete pieces.
type Torrent struct {
	metaInfo *core.MetaInfo

	fm       *filestore.FileManager
	verifier *verifier.Verifier
	state    *statefile.StateFile

	mu            sync.Mutex
	bf            *bitfield.Bitfield
	active        map[int]*piece.Piece
	skippedPieces map[int]bool

	numComplete *atomic.Int32
	uploaded    *atomic.Int64
}

func stateFilePath(savePath string, infoHash core.InfoHash) string {
	return filepath.Join(savePath, infoHash.Hex()+".bt.state")
}

// NewTorrent creates a Torrent rooted at savePath, restoring resume state
// from a prior run if a state file already exists.
func NewTorrent(savePath string, mi *core.MetaInfo) (*Torrent, error) {
	if err := os.MkdirAll(savePath, 0755); err != nil {
		return nil, fmt.Errorf("mkdir save path: %s", err)
	}

	fm, err := filestore.New(savePath, mi.Info.PieceLength, mi.Info.Files)
	if err != nil {
		return nil, fmt.Errorf("init file store: %s", err)
	}

	numPieces := mi.Info.NumPieces()
	statePath := stateFilePath(savePath, mi.InfoHash)

	sf, err := statefile.Open(statePath, mi.InfoHash.Handshake(), numPieces, mi.Info.PieceLength, mi.Info.Length)
	if os.IsNotExist(err) {
		sf = statefile.New(statePath, mi.InfoHash.Handshake(), numPieces, mi.Info.PieceLength, mi.Info.Length)
	} else if errors.Is(err, statefile.ErrCorrupt) {
		log.Errorf("State file corrupt for %s, restarting resume state", mi.InfoHash.Hex())
		sf = statefile.New(statePath, mi.InfoHash.Handshake(), numPieces, mi.Info.PieceLength, mi.Info.Length)
	} else if err != nil {
		return nil, fmt.Errorf("open state file: %s", err)
	}

	bf := sf.Bitfield()
	t := &Torrent{
		metaInfo:    mi,
		fm:          fm,
		verifier:    verifier.New(&mi.Info),
		state:       sf,
		bf:          bf,
		active:      make(map[int]*piece.Piece),
		numComplete: atomic.NewInt32(int32(bf.Popcount())),
		uploaded:    atomic.NewInt64(int64(sf.Uploaded())),
	}
	t.skippedPieces = computeSkippedPieces(mi.Info.Files, skippedFileSet(sf.FilePriorities()), mi.Info.PieceLength, t.NumPieces())
	return t, nil
}

// skippedFileSet turns the resume record's (file_index, priority) entries
// into the set of file indices marked skipped (priority 0). Files with no
// entry are considered selected.
func skippedFileSet(priorities []statefile.FilePriority) map[int]bool {
	skipped := make(map[int]bool, len(priorities))
	for _, p := range priorities {
		if p.Priority == 0 {
			skipped[p.FileIndex] = true
		}
	}
	return skipped
}

// computeSkippedPieces returns the set of piece indices lying entirely
// within skipped files: a piece touched by any selected file is never
// skippable, even if it's also touched by a skipped one, since skipping it
// would withhold bytes the selected file needs.
func computeSkippedPieces(files []core.FileEntry, skippedFiles map[int]bool, pieceLength int64, numPieces int) map[int]bool {
	if len(skippedFiles) == 0 || pieceLength <= 0 {
		return nil
	}

	touchedBySelected := make(map[int]bool)
	touchedBySkipped := make(map[int]bool)
	for i, f := range files {
		if f.Length == 0 {
			continue
		}
		startPiece := int(f.Offset / pieceLength)
		endPiece := int((f.Offset + f.Length - 1) / pieceLength)
		touched := touchedBySkipped
		if !skippedFiles[i] {
			touched = touchedBySelected
		}
		for pi := startPiece; pi <= endPiece && pi < numPieces; pi++ {
			touched[pi] = true
		}
	}

	skipped := make(map[int]bool)
	for pi := range touchedBySkipped {
		if !touchedBySelected[pi] {
			skipped[pi] = true
		}
	}
	return skipped
}

// ApplySelectedFiles marks every file whose index is not in indices as
// skipped, persists the choice to the resume record, and recomputes which
// pieces are excluded from future selection.
func (t *Torrent) ApplySelectedFiles(indices []int) error {
	selected := make(map[int]bool, len(indices))
	for _, i := range indices {
		selected[i] = true
	}

	priorities := make([]statefile.FilePriority, len(t.metaInfo.Info.Files))
	skippedFiles := make(map[int]bool)
	for i := range t.metaInfo.Info.Files {
		priority := uint8(1)
		if !selected[i] {
			priority = 0
			skippedFiles[i] = true
		}
		priorities[i] = statefile.FilePriority{FileIndex: i, Priority: priority}
	}

	t.mu.Lock()
	t.skippedPieces = computeSkippedPieces(
		t.metaInfo.Info.Files, skippedFiles, t.metaInfo.Info.PieceLength, t.NumPieces())
	t.mu.Unlock()

	t.state.SetFilePriorities(priorities)
	return t.state.Flush()
}

// SkippedPieces returns the indices of pieces lying entirely within files
// marked skipped by ApplySelectedFiles.
func (t *Torrent) SkippedPieces() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.skippedPieces))
	for pi := range t.skippedPieces {
		out = append(out, pi)
	}
	sort.Ints(out)
	return out
}

// Stat returns the storage.TorrentInfo for t.
func (t *Torrent) Stat() *storage.TorrentInfo {
	return storage.NewTorrentInfo(t.metaInfo, t.Bitfield())
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.metaInfo.InfoHash
}

// NumPieces returns the number of pieces in the torrent.
func (t *Torrent) NumPieces() int {
	return t.metaInfo.Info.NumPieces()
}

// Length returns the total content length of the torrent.
func (t *Torrent) Length() int64 {
	return t.metaInfo.Info.Length
}

// PieceLength returns the length of piece pi.
func (t *Torrent) PieceLength(pi int) int64 {
	return t.metaInfo.Info.GetPieceLength(pi)
}

// MaxPieceLength returns the declared (non-final) piece length of the torrent.
func (t *Torrent) MaxPieceLength() int64 {
	return t.metaInfo.Info.PieceLength
}

// Complete reports whether every piece has been downloaded and verified.
func (t *Torrent) Complete() bool {
	return int(t.numComplete.Load()) == t.NumPieces()
}

// BytesDownloaded returns an estimate of the number of bytes downloaded.
func (t *Torrent) BytesDownloaded() int64 {
	return minInt64(int64(t.numComplete.Load())*t.metaInfo.Info.PieceLength, t.metaInfo.Info.Length)
}

// Bitfield returns a snapshot of the have-piece bitfield.
func (t *Torrent) Bitfield() *bitfield.Bitfield {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bf.Clone()
}

func (t *Torrent) String() string {
	downloaded := 0
	if t.metaInfo.Info.Length > 0 {
		downloaded = int(float64(t.BytesDownloaded()) / float64(t.metaInfo.Info.Length) * 100)
	}
	return fmt.Sprintf("torrent(hash=%s, downloaded=%d%%)", t.InfoHash().Hex(), downloaded)
}

// HasPiece reports whether piece pi has been downloaded and verified.
func (t *Torrent) HasPiece(pi int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bf.Get(pi)
}

// MissingPieces returns the indices of all incomplete pieces.
func (t *Torrent) MissingPieces() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var missing []int
	for i := 0; i < t.bf.Len(); i++ {
		if !t.bf.Get(i) && !t.skippedPieces[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// getOrCreateActive returns the in-progress piece.Piece for pi, creating one
// if this is the first block received for it.
func (t *Torrent) getOrCreateActive(pi int) *piece.Piece {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.active[pi]
	if !ok {
		p = piece.New(pi, t.PieceLength(pi))
		t.active[pi] = p
	}
	return p
}

// WriteBlock writes a sub-piece at (pi, begin), verifying and committing the
// whole piece to disk once every block for pi has arrived.
func (t *Torrent) WriteBlock(pi, begin int, data []byte, peerID string) error {
	if t.HasPiece(pi) {
		return storage.ErrPieceComplete
	}

	p := t.getOrCreateActive(pi)
	complete, err := p.WriteBlock(begin, data, peerID)
	if err != nil {
		return fmt.Errorf("write block: %s", err)
	}
	if !complete {
		return nil
	}
	return t.commitPiece(pi, p)
}

func (t *Torrent) commitPiece(pi int, p *piece.Piece) error {
	buf := p.Buffer()
	ok, err := t.verifier.Verify(pi, buf)
	if err != nil {
		t.dropActive(pi)
		return fmt.Errorf("verify piece %d: %s", pi, err)
	}
	if !ok {
		t.dropActive(pi)
		return ErrInvalidPiece
	}

	if err := t.fm.WriteAt(buf, int64(pi)*t.metaInfo.Info.PieceLength); err != nil {
		t.dropActive(pi)
		return fmt.Errorf("write piece %d to disk: %s", pi, err)
	}

	t.mu.Lock()
	t.bf.Set(pi, true)
	delete(t.active, pi)
	t.mu.Unlock()

	t.numComplete.Inc()
	if err := t.state.UpdateBitfield(pi, true); err != nil {
		log.Errorf("Failed to persist resume state for piece %d: %s", pi, err)
	}
	return nil
}

func (t *Torrent) dropActive(pi int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, pi)
}

// ReadBlock reads a sub-piece at (pi, begin) of the given length. pi must
// already be complete.
func (t *Torrent) ReadBlock(pi, begin, length int) ([]byte, error) {
	if !t.HasPiece(pi) {
		return nil, fmt.Errorf("piece %d not complete", pi)
	}
	return t.fm.ReadBlock(pi, begin, length)
}

// MarkUploaded records n uploaded bytes for resume-state accounting.
func (t *Torrent) MarkUploaded(n int64) error {
	total := t.uploaded.Add(n)
	return t.state.UpdateUploaded(uint64(total))
}

// Close flushes resume state and releases file handles.
func (t *Torrent) Close() error {
	if err := t.state.Flush(); err != nil {
		return fmt.Errorf("flush state file: %s", err)
	}
	return t.fm.Close()
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
