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
	"sync"

	"github.com/atlet99/dtorrent-task-v2-sub000/utils/syncutil"
)

// AdaptivePolicy behaves like SequentialPolicy while measured throughput
// stays at or above SequentialConfig.MinSpeedForSequential, and degrades to
// RarestFirstPolicy below it, since sequential order only pays off when
// there's enough bandwidth to stay ahead of playback.
const AdaptivePolicy = "adaptive"

type adaptivePolicy struct {
	mu              sync.Mutex
	sequential      *sequentialPolicy
	rarest          *rarestFirstPolicy
	minSpeed        int64
	usingSequential bool
}

func newAdaptivePolicy(numPieces int, pieceLength int64, config SequentialConfig) *adaptivePolicy {
	config = config.applyDefaults()
	return &adaptivePolicy{
		sequential:      newSequentialPolicy(numPieces, pieceLength, config),
		rarest:          newRarestFirstPolicy(),
		minSpeed:        config.MinSpeedForSequential,
		usingSequential: true,
	}
}

func (p *adaptivePolicy) setPlaybackPiece(piece int) {
	p.sequential.setPlaybackPiece(piece)
}

func (p *adaptivePolicy) window() (start, end int) {
	return p.sequential.window()
}

// setThroughput updates the measured aggregate download rate, switching
// strategy when it crosses minSpeed.
func (p *adaptivePolicy) setThroughput(bytesPerSec int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usingSequential = bytesPerSec >= p.minSpeed
}

func (p *adaptivePolicy) strategy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usingSequential {
		return SequentialPolicy
	}
	return RarestFirstPolicy
}

func (p *adaptivePolicy) selectPieces(
	limit int,
	valid func(int) bool,
	candidates []int,
	numPeersByPiece syncutil.Counters) ([]int, error) {

	p.mu.Lock()
	useSequential := p.usingSequential
	p.mu.Unlock()

	if useSequential {
		return p.sequential.selectPieces(limit, valid, candidates, numPeersByPiece)
	}
	return p.rarest.selectPieces(limit, valid, candidates, numPeersByPiece)
}
