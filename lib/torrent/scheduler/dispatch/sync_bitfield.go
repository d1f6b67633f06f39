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

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
)

// syncBitfield wraps a bitfield.Bitfield with a mutex, since it is mutated
// by the feed goroutine reading remote peer messages and read concurrently
// by the piece-selection goroutine.
type syncBitfield struct {
	sync.RWMutex
	b *bitfield.Bitfield
}

func newSyncBitfield(b *bitfield.Bitfield) *syncBitfield {
	return &syncBitfield{b: b.Clone()}
}

// Copy returns an independent snapshot of the bitfield.
func (s *syncBitfield) Copy() *bitfield.Bitfield {
	s.RLock()
	defer s.RUnlock()

	return s.b.Clone()
}

// Intersection returns the indices present in both s and other.
func (s *syncBitfield) Intersection(other *bitfield.Bitfield) []int {
	s.RLock()
	defer s.RUnlock()

	var out []int
	for i := 0; i < s.b.Len(); i++ {
		if s.b.Get(i) && other.Get(i) {
			out = append(out, i)
		}
	}
	return out
}

func (s *syncBitfield) Len() int {
	s.RLock()
	defer s.RUnlock()

	return s.b.Len()
}

func (s *syncBitfield) Has(i int) bool {
	s.RLock()
	defer s.RUnlock()

	return s.b.Get(i)
}

func (s *syncBitfield) Complete() bool {
	s.RLock()
	defer s.RUnlock()

	return s.b.HaveAll()
}

func (s *syncBitfield) Set(i int, v bool) {
	s.Lock()
	defer s.Unlock()

	s.b.Set(i, v)
}

// GetAllSet returns the indices of all set bits in the bitfield.
func (s *syncBitfield) GetAllSet() []int {
	s.RLock()
	defer s.RUnlock()

	return s.b.SetIndices()
}

func (s *syncBitfield) SetAll(v bool) {
	s.Lock()
	defer s.Unlock()

	s.b.SetAll(v)
}

func (s *syncBitfield) String() string {
	s.RLock()
	defer s.RUnlock()

	return s.b.String()
}
