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
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/andres-erbsen/clock"
)

// peer consolidates bookeeping for a remote peer.
type peer struct {
	id core.PeerID

	// Tracks the pieces which the remote peer has.
	bitfield *syncBitfield

	messages Messages

	clk clock.Clock

	// May be accessed outside of the peer struct.
	pstats *peerStats

	mu                    sync.Mutex // Protects the following fields:
	lastGoodPieceReceived time.Time
	lastPieceSent         time.Time

	// choking holds the four BEP3 choke/interest booleans and the BEP6
	// allowed fast set. Guarded by choking.mu, not the peer's own mu, since
	// choke state changes independently of piece timing bookkeeping.
	choking chokeState
}

func newPeer(
	peerID core.PeerID,
	b *bitfield.Bitfield,
	messages Messages,
	clk clock.Clock,
	pstats *peerStats) *peer {

	return &peer{
		id:       peerID,
		bitfield: newSyncBitfield(b),
		messages: messages,
		clk:      clk,
		pstats:   pstats,
		choking: chokeState{
			amChoking:   true,
			peerChoking: true,
			allowedFast: make(map[int]bool),
		},
	}
}

// chokeState tracks the four BEP3 choke/interest flags for a peer, plus the
// set of pieces we've marked as allowed fast under BEP6.
type chokeState struct {
	mu sync.Mutex

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	allowedFast map[int]bool
}

func (p *peer) setAmChoking(v bool) {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	p.choking.amChoking = v
}

func (p *peer) isAmChoking() bool {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	return p.choking.amChoking
}

func (p *peer) setAmInterested(v bool) {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	p.choking.amInterested = v
}

func (p *peer) isAmInterested() bool {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	return p.choking.amInterested
}

func (p *peer) setPeerChoking(v bool) {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	p.choking.peerChoking = v
}

func (p *peer) isPeerChoking() bool {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	return p.choking.peerChoking
}

func (p *peer) setPeerInterested(v bool) {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	p.choking.peerInterested = v
}

func (p *peer) isPeerInterested() bool {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	return p.choking.peerInterested
}

// markAllowedFast records that piece i may be requested from us while we're
// choking the peer, per BEP6.
func (p *peer) markAllowedFast(i int) {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	p.choking.allowedFast[i] = true
}

func (p *peer) isAllowedFast(i int) bool {
	p.choking.mu.Lock()
	defer p.choking.mu.Unlock()
	return p.choking.allowedFast[i]
}

func (p *peer) String() string {
	return p.id.String()
}

func (p *peer) getLastGoodPieceReceived() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lastGoodPieceReceived
}

func (p *peer) touchLastGoodPieceReceived() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastGoodPieceReceived = p.clk.Now()
}

func (p *peer) getLastPieceSent() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lastPieceSent
}

func (p *peer) touchLastPieceSent() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastPieceSent = p.clk.Now()
}

// peerStats wraps stats collected for a given peer.
type peerStats struct {
	mu                    sync.Mutex
	pieceRequestsSent       int // Pieces we requested from the peer.
	pieceRequestsReceived   int // Pieces the peer requested from us.
	piecesSent              int // Pieces we sent to the peer.

	// Pieces we received from the peer that we didn't already have.
	goodPiecesReceived int
	// Pieces we received from the peer that we already had.
	duplicatePiecesReceived int
}

func (s *peerStats) getPieceRequestsSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pieceRequestsSent
}

func (s *peerStats) incrementPieceRequestsSent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pieceRequestsSent++
}

func (s *peerStats) getPieceRequestsReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pieceRequestsReceived
}

func (s *peerStats) incrementPieceRequestsReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pieceRequestsReceived++
}

func (s *peerStats) getPiecesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.piecesSent
}

func (s *peerStats) incrementPiecesSent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.piecesSent++
}

func (s *peerStats) getGoodPiecesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.goodPiecesReceived
}

func (s *peerStats) incrementGoodPiecesReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.goodPiecesReceived++
}

func (s *peerStats) getDuplicatePiecesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.duplicatePiecesReceived
}

func (s *peerStats) incrementDuplicatePiecesReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.duplicatePiecesReceived++
}
