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
	"math/rand"

	"github.com/atlet99/dtorrent-task-v2-sub000/utils/syncutil"
)

// DefaultPolicy randomly selects pieces to request.
const DefaultPolicy = "default"

type defaultPolicy struct{}

func newDefaultPolicy() *defaultPolicy {
	return &defaultPolicy{}
}

func (p *defaultPolicy) selectPieces(
	limit int,
	valid func(int) bool,
	candidates []int,
	numPeersByPiece syncutil.Counters) ([]int, error) {

	pieces := make([]int, 0, limit)
	if limit == 0 {
		return pieces, nil
	}

	// Reservoir sampling.
	var k int
	for _, i := range candidates {
		if !valid(i) {
			continue
		}

		// Fill the 'reservoir' until full.
		if len(pieces) < limit {
			pieces = append(pieces, i)

			// Replace elements in the 'reservoir' with decreasing probability.
		} else {
			j := rand.Intn(k)
			if j < limit {
				pieces[j] = i
			}
		}
		k++
	}

	return pieces, nil
}
