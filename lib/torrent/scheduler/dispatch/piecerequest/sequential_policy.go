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
package piecerequest

import (
	"sort"
	"sync"

	"github.com/atlet99/dtorrent-task-v2-sub000/utils/syncutil"
)

// SequentialPolicy selects pieces in playback order for streaming: a
// critical zone immediately ahead of the playback position, then a
// look-ahead window still in sequential order, then the remainder
// rarest-first.
const SequentialPolicy = "sequential"

type sequentialPolicy struct {
	mu          sync.Mutex
	numPieces   int
	config      SequentialConfig
	criticalLen int // critical zone size, in pieces

	playbackPiece int
}

func newSequentialPolicy(numPieces int, pieceLength int64, config SequentialConfig) *sequentialPolicy {
	config = config.applyDefaults()

	criticalLen := 1
	if pieceLength > 0 {
		criticalLen = int((config.CriticalZoneSize + pieceLength - 1) / pieceLength)
		if criticalLen < 1 {
			criticalLen = 1
		}
	}

	return &sequentialPolicy{
		numPieces:   numPieces,
		config:      config,
		criticalLen: criticalLen,
	}
}

func (p *sequentialPolicy) setPlaybackPiece(piece int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playbackPiece = piece
}

// window returns the bounds, in piece indices, of the region this policy
// still treats as sequential (critical zone plus look-ahead). Requests for
// pieces before start are considered abandoned by a seek.
func (p *sequentialPolicy) window() (start, end int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playbackPiece, p.playbackPiece + p.criticalLen + p.config.LookAheadSize
}

// moovCritical reports whether piece i is always-critical under the
// moov-atom heuristic, regardless of playback position: the first piece, or
// the final ~1% of the torrent.
func (p *sequentialPolicy) moovCritical(i int) bool {
	if !p.config.AutoDetectMoovAtom || p.numPieces == 0 {
		return false
	}
	if i == 0 {
		return true
	}
	tailStart := p.numPieces - p.numPieces/100 - 1
	if tailStart < 0 {
		tailStart = 0
	}
	return i >= tailStart
}

func (p *sequentialPolicy) selectPieces(
	limit int,
	valid func(int) bool,
	candidates []int,
	numPeersByPiece syncutil.Counters) ([]int, error) {

	start, end := p.window()

	inCandidates := make(map[int]bool, len(candidates))
	for _, i := range candidates {
		inCandidates[i] = true
	}

	var picked []int
	seen := make(map[int]bool, limit)
	take := func(i int) bool {
		if len(picked) >= limit || seen[i] || !inCandidates[i] || !valid(i) {
			return false
		}
		picked = append(picked, i)
		seen[i] = true
		return true
	}

	if p.config.AutoDetectMoovAtom {
		for _, i := range candidates {
			if len(picked) >= limit {
				break
			}
			if p.moovCritical(i) {
				take(i)
			}
		}
	}

	for i := start; i < end && len(picked) < limit; i++ {
		take(i)
	}

	if len(picked) < limit {
		var tail []int
		for _, i := range candidates {
			if i >= end && !seen[i] && valid(i) {
				tail = append(tail, i)
			}
		}
		sort.SliceStable(tail, func(a, b int) bool {
			return numPeersByPiece.Get(tail[a]) < numPeersByPiece.Get(tail[b])
		})
		for _, i := range tail {
			if len(picked) >= limit {
				break
			}
			picked = append(picked, i)
		}
	}

	return picked, nil
}
