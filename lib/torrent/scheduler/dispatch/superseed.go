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
package dispatch

import (
	"sync"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/utils/syncutil"
)

// superSeeder implements the propagation-gated piece trickle a complete
// torrent uses instead of revealing its full bitfield: every peer is offered
// at most one piece at a time (the rarest one it's missing), and is not
// offered a second until some other peer is observed to already have the
// first, which is the only evidence available that the piece propagated
// past the peer it was offered to.
type superSeeder struct {
	mu      sync.Mutex
	enabled bool

	// offered maps a peer with an outstanding, unconfirmed piece offer to
	// the piece index it was offered.
	offered map[core.PeerID]int
}

func newSuperSeeder(enabled bool) *superSeeder {
	return &superSeeder{
		enabled: enabled,
		offered: make(map[core.PeerID]int),
	}
}

func (s *superSeeder) setEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
	if !v {
		s.offered = make(map[core.PeerID]int)
	}
}

func (s *superSeeder) isEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// nextPiece returns the rarest piece peerID doesn't already have, per
// rarity, provided peerID has no outstanding unconfirmed offer. Recording
// the offer is what gates the next call until onHave reports propagation.
func (s *superSeeder) nextPiece(peerID core.PeerID, has func(int) bool, rarity *syncutil.Counters) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return 0, false
	}
	if _, ok := s.offered[peerID]; ok {
		return 0, false
	}

	best := -1
	bestCount := 0
	for i := 0; i < rarity.Len(); i++ {
		if has(i) {
			continue
		}
		c := rarity.Get(i)
		if best == -1 || c < bestCount {
			best = i
			bestCount = c
		}
	}
	if best == -1 {
		return 0, false
	}
	s.offered[peerID] = best
	return best, true
}

// onHave records that piece i was observed (via an incoming Have) to be held
// by from, and returns every peer whose outstanding offer of i is thereby
// confirmed propagated and should now be offered its next piece.
func (s *superSeeder) onHave(i int, from core.PeerID) []core.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []core.PeerID
	for peerID, offeredPiece := range s.offered {
		if offeredPiece == i && peerID != from {
			ready = append(ready, peerID)
			delete(s.offered, peerID)
		}
	}
	return ready
}

// clearPeer drops any outstanding offer tracked for peerID, e.g. on removal.
func (s *superSeeder) clearPeer(peerID core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offered, peerID)
}
