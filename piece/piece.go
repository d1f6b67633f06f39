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

// Package piece tracks the per-piece, sub-piece-granular download state the
// Piece Selection & Request Scheduler and Piece Verification layer share:
// which blocks have arrived, whether the piece is complete, and who
// supplied each block (for bad-block accounting on verification failure).
package piece

import (
	"fmt"
	"sync"
)

// BlockSize is the standard sub-piece request granularity (BEP 3 convention
// used by essentially every client).
const BlockSize = 16 * 1024

// Status is the lifecycle of a single piece.
type Status int

const (
	// Empty means no blocks have been requested or received.
	Empty Status = iota
	// Downloading means at least one block has been received but the piece
	// is not yet complete.
	Downloading
	// Complete means every block has been received and the piece has passed
	// verification.
	Complete
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Downloading:
		return "downloading"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Piece is the mutable state of one piece's in-flight download.
type Piece struct {
	mu       sync.Mutex
	index    int
	length   int64
	status   Status
	received []bool // one entry per BlockSize-aligned block
	buf      []byte // assembled content, valid once status == Complete or while buffering
	sources  map[int][]string // block index -> peer ids that supplied it, for bad-block accounting
}

// New creates a Piece of the given length (the last piece of a torrent may
// be shorter than the nominal piece length).
func New(index int, length int64) *Piece {
	numBlocks := int(length / BlockSize)
	if length%BlockSize != 0 {
		numBlocks++
	}
	return &Piece{
		index:    index,
		length:   length,
		status:   Empty,
		received: make([]bool, numBlocks),
		buf:      make([]byte, length),
		sources:  make(map[int][]string),
	}
}

// Index returns the piece index.
func (p *Piece) Index() int { return p.index }

// Length returns the piece's content length.
func (p *Piece) Length() int64 { return p.length }

// NumBlocks returns the number of BlockSize-aligned sub-pieces.
func (p *Piece) NumBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

// BlockLength returns the length of block bi (the final block may be short).
func (p *Piece) BlockLength(bi int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockLength(bi)
}

func (p *Piece) blockLength(bi int) int64 {
	if bi == len(p.received)-1 {
		return p.length - int64(bi)*BlockSize
	}
	return BlockSize
}

// Status returns the current lifecycle status.
func (p *Piece) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// MissingBlocks returns the indices of blocks not yet received, ascending.
func (p *Piece) MissingBlocks() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var missing []int
	for i, got := range p.received {
		if !got {
			missing = append(missing, i)
		}
	}
	return missing
}

// WriteBlock records a (begin, data) sub-piece write from peerID, buffering
// the bytes in memory. Returns true once every block has been received (the
// caller is then responsible for handing the assembled buffer to the
// verifier via Buffer/Reset).
func (p *Piece) WriteBlock(begin int, data []byte, peerID string) (complete bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == Complete {
		return true, fmt.Errorf("piece %d already complete", p.index)
	}
	if int64(begin+len(data)) > p.length {
		return false, fmt.Errorf("piece %d: block [%d, %d) exceeds length %d", p.index, begin, begin+len(data), p.length)
	}
	bi := begin / BlockSize
	if bi < 0 || bi >= len(p.received) {
		return false, fmt.Errorf("piece %d: invalid block offset %d", p.index, begin)
	}
	if begin%BlockSize != 0 {
		return false, fmt.Errorf("piece %d: block offset %d is not block-aligned", p.index, begin)
	}
	if int64(len(data)) != p.blockLength(bi) {
		return false, fmt.Errorf("piece %d: block %d length %d, expected %d", p.index, bi, len(data), p.blockLength(bi))
	}

	copy(p.buf[begin:], data)
	if !p.received[bi] {
		p.received[bi] = true
		p.sources[bi] = append(p.sources[bi], peerID)
	}
	p.status = Downloading

	for _, got := range p.received {
		if !got {
			return false, nil
		}
	}
	return true, nil
}

// Buffer returns the assembled piece content. Only meaningful once every
// block has been received.
func (p *Piece) Buffer() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}

// ReadBlock returns length bytes starting at offset begin, for peers
// requesting sub-pieces of an already-complete piece.
func (p *Piece) ReadBlock(begin int, length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != Complete {
		return nil, fmt.Errorf("piece %d not complete", p.index)
	}
	if int64(begin+length) > p.length || begin < 0 || length < 0 {
		return nil, fmt.Errorf("piece %d: block [%d, %d) out of range", p.index, begin, begin+length)
	}
	out := make([]byte, length)
	copy(out, p.buf[begin:begin+length])
	return out, nil
}

// Sources returns the peer ids that supplied blocks, for bad_blocks
// accounting when the assembled piece fails verification.
func (p *Piece) Sources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, peers := range p.sources {
		for _, id := range peers {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// MarkComplete transitions the piece to Complete after successful
// verification, freeing per-source bookkeeping.
func (p *Piece) MarkComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = Complete
	p.sources = make(map[int][]string)
}

// Reset clears all received blocks and the assembled buffer, used when a
// piece fails verification and must be re-downloaded.
func (p *Piece) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = Empty
	for i := range p.received {
		p.received[i] = false
	}
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.sources = make(map[int][]string)
}
