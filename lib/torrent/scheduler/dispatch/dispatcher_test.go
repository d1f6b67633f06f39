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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/networkevent"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/conn"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/torrentlog"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage/diskstorage"
	"github.com/atlet99/dtorrent-task-v2-sub000/utils/memsize"
	"go.uber.org/zap"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

type mockMessages struct {
	sent     []*conn.Message
	receiver chan *conn.Message
	closed   bool
}

func newMockMessages() *mockMessages {
	return &mockMessages{receiver: make(chan *conn.Message)}
}

func (m *mockMessages) Send(msg *conn.Message) error {
	if m.closed {
		return errors.New("messages closed")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockMessages) Receiver() <-chan *conn.Message { return m.receiver }

func (m *mockMessages) Close() {
	if m.closed {
		return
	}
	close(m.receiver)
	m.closed = true
}

func numRequestsPerPiece(messages Messages) map[int]int {
	requests := make(map[int]int)
	for _, msg := range messages.(*mockMessages).sent {
		if msg.Type == conn.MsgRequest {
			requests[msg.Index]++
		}
	}
	return requests
}

func sentHaves(messages Messages) []int {
	var ps []int
	for _, msg := range messages.(*mockMessages).sent {
		if msg.Type == conn.MsgHave {
			ps = append(ps, msg.Index)
		}
	}
	return ps
}

func hasHaveAll(messages Messages) bool {
	for _, m := range messages.(*mockMessages).sent {
		if m.Type == conn.MsgHaveAll {
			return true
		}
	}
	return false
}

func closed(messages Messages) bool {
	return messages.(*mockMessages).closed
}

type noopEvents struct{}

func (e noopEvents) DispatcherComplete(*Dispatcher) {}

func (e noopEvents) PeerRemoved(core.PeerID, core.InfoHash) {}

// fixtureMetaInfo returns a single-file v1 MetaInfo with numPieces pieces of
// 1 byte each. Piece i's content is the single byte {i}, matching the fake
// piece hashes core.V1MetaInfoFixture bakes in.
func fixtureMetaInfo(numPieces int) *core.MetaInfo {
	raw := core.V1MetaInfoFixture("dispatcher-fixture", 1, numPieces)
	mi, err := core.ParseMetaInfo(raw)
	if err != nil {
		panic(err)
	}
	return mi
}

func testDispatcher(config Config, clk clock.Clock, t storage.Torrent) *Dispatcher {
	d, err := newDispatcher(
		config,
		tally.NoopScope,
		clk,
		networkevent.NewTestProducer(),
		noopEvents{},
		core.PeerIDFixture(),
		t,
		zap.NewNop().Sugar(),
		torrentlog.NewNopLogger())
	if err != nil {
		panic(err)
	}
	return d
}

func TestDispatcherSendUniquePieceRequestsWithinLimit(t *testing.T) {
	require := require.New(t)

	config := Config{
		PipelineLimit: 3,
	}
	clk := clock.NewMock()

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(100))
	defer cleanup()

	d := testDispatcher(config, clk, torrent)

	var mu sync.Mutex
	var requestCount int
	totalRequestsPerPiece := make(map[int]int)
	totalRequestPerPeer := make(map[core.PeerID]int)

	// Add a bunch of peers concurrently which are saturated with pieces d needs.
	// We should send exactly <pipelineLimit> piece requests per peer.
	bools := make([]bool, torrent.NumPieces())
	for i := range bools {
		bools[i] = true
	}
	peerBitfield := bitfield.FromBools(bools...)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := d.addPeer(core.PeerIDFixture(), peerBitfield, newMockMessages())
			require.NoError(err)
			p.setPeerChoking(false)
			d.maybeRequestMorePieces(p)
			for i, n := range numRequestsPerPiece(p.messages) {
				require.True(n <= 1)
				mu.Lock()
				requestCount += n
				totalRequestsPerPiece[i] += n
				require.True(totalRequestsPerPiece[i] <= 1)
				totalRequestPerPeer[p.id] += n
				require.True(totalRequestPerPeer[p.id] <= config.PipelineLimit)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(config.PipelineLimit*10, requestCount)

	for _, i := range peerBitfield.SetIndices() {
		count := d.numPeersByPiece.Get(i)
		require.Equal(10, count)
	}
}

func TestDispatcherResendFailedPieceRequests(t *testing.T) {
	require := require.New(t)

	config := Config{
		DisableEndgame: true,
	}
	clk := clock.NewMock()

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(2))
	defer cleanup()

	d := testDispatcher(config, clk, torrent)

	// p1 has both pieces and sends requests for both.
	p1, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(true, true), newMockMessages())
	require.NoError(err)
	p1.setPeerChoking(false)
	d.maybeRequestMorePieces(p1)
	require.Equal(map[int]int{
		0: 1,
		1: 1,
	}, numRequestsPerPiece(p1.messages))

	// p2 has piece 0 and sends no piece requests.
	p2, err := d.addPeer(
		core.PeerIDFixture(), bitfield.FromBools(true, false), newMockMessages())
	require.NoError(err)
	p2.setPeerChoking(false)
	d.maybeRequestMorePieces(p2)
	require.Equal(map[int]int{}, numRequestsPerPiece(p2.messages))

	// p3 has piece 1 and sends no piece requests.
	p3, err := d.addPeer(
		core.PeerIDFixture(), bitfield.FromBools(false, true), newMockMessages())
	require.NoError(err)
	p3.setPeerChoking(false)
	d.maybeRequestMorePieces(p3)
	require.Equal(map[int]int{}, numRequestsPerPiece(p3.messages))

	clk.Add(d.pieceRequestTimeout + 1)

	d.resendFailedPieceRequests()

	// p1 was not sent any new piece requests.
	require.Equal(map[int]int{
		0: 1,
		1: 1,
	}, numRequestsPerPiece(p1.messages))

	// p2 was sent a piece request for piece 0.
	require.Equal(map[int]int{
		0: 1,
	}, numRequestsPerPiece(p2.messages))

	// p3 was sent a piece request for piece 1.
	require.Equal(map[int]int{
		1: 1,
	}, numRequestsPerPiece(p3.messages))
}

func TestDispatcherSendErrorsMarksPieceRequestsUnsent(t *testing.T) {
	require := require.New(t)

	config := Config{
		DisableEndgame: true,
	}
	clk := clock.NewMock()

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(1))
	defer cleanup()

	d := testDispatcher(config, clk, torrent)

	p1, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(true), newMockMessages())
	require.NoError(err)
	p1.setPeerChoking(false)

	p1.messages.Close()

	// Send should fail since p1 messages are closed.
	d.maybeRequestMorePieces(p1)

	require.Equal(map[int]int{}, numRequestsPerPiece(p1.messages))

	p2, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(true), newMockMessages())
	require.NoError(err)
	p2.setPeerChoking(false)

	// Send should succeed since pending requests were marked unsent.
	d.maybeRequestMorePieces(p2)

	require.Equal(map[int]int{
		0: 1,
	}, numRequestsPerPiece(p2.messages))
}

func TestDispatcherCalcPieceRequestTimeout(t *testing.T) {
	config := Config{
		PieceRequestMinTimeout:   5 * time.Second,
		PieceRequestTimeoutPerMb: 2 * time.Second,
	}

	tests := []struct {
		maxPieceLength uint64
		expected       time.Duration
	}{
		{512 * memsize.KB, 5 * time.Second},
		{memsize.MB, 5 * time.Second},
		{4 * memsize.MB, 8 * time.Second},
		{8 * memsize.MB, 16 * time.Second},
	}
	for _, test := range tests {
		t.Run(memsize.Format(test.maxPieceLength), func(t *testing.T) {
			timeout := config.calcPieceRequestTimeout(int64(test.maxPieceLength))
			require.Equal(t, test.expected, timeout)
		})
	}
}

func TestDispatcherEndgame(t *testing.T) {
	require := require.New(t)

	config := Config{
		PipelineLimit:    1,
		EndgameThreshold: 1,
	}
	clk := clock.NewMock()

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(1))
	defer cleanup()

	d := testDispatcher(config, clk, torrent)

	p1, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(true), newMockMessages())
	require.NoError(err)
	p1.setPeerChoking(false)

	d.maybeRequestMorePieces(p1)
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p1.messages))

	p2, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(true), newMockMessages())
	require.NoError(err)
	p2.setPeerChoking(false)

	// Should send duplicate request for piece 0 since we're in endgame.
	d.maybeRequestMorePieces(p2)
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p2.messages))
}

func TestDispatcherHandlePieceAnnouncesHave(t *testing.T) {
	require := require.New(t)

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(2))
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p1, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false, false), newMockMessages())
	require.NoError(err)

	p2, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false, false), newMockMessages())
	require.NoError(err)

	d.handlePiece(p1, 0, 0, []byte{0})

	// Should not announce to the peer who sent the payload.
	require.Empty(sentHaves(p1.messages))

	// Should announce to other peers.
	require.Equal([]int{0}, sentHaves(p2.messages))
}

func TestDispatcherClosesCompletedPeersWhenComplete(t *testing.T) {
	require := require.New(t)

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(1))
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	completedPeer, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(true), newMockMessages())
	require.NoError(err)

	incompletePeer, err := d.addPeer(
		core.PeerIDFixture(), bitfield.FromBools(false), newMockMessages())
	require.NoError(err)

	// Writing the last missing piece completes the torrent, closing
	// connections to peers who already have everything...
	d.handlePiece(completedPeer, 0, 0, []byte{0})
	require.True(closed(completedPeer.messages))

	// ...and sending have-all to peers still in progress.
	require.True(hasHaveAll(incompletePeer.messages))
	require.False(closed(incompletePeer.messages))
}

func TestDispatcherHandleHaveAllRequestsPieces(t *testing.T) {
	require := require.New(t)

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(1))
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false), newMockMessages())
	require.NoError(err)
	p.setPeerChoking(false)

	require.Empty(numRequestsPerPiece(p.messages))

	require.NoError(d.dispatch(p, &conn.Message{Type: conn.MsgHaveAll}))

	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p.messages))
	require.False(closed(p.messages))
}

func TestDispatcherSuperSeedingTricklesOnePieceAtATime(t *testing.T) {
	require := require.New(t)

	mi := fixtureMetaInfo(3)
	torrent, cleanup := diskstorage.TorrentFixture(mi)
	defer cleanup()

	for i := 0; i < 3; i++ {
		require.NoError(torrent.WriteBlock(i, 0, []byte{byte(i)}, "seed"))
	}
	require.True(torrent.Complete())

	d := testDispatcher(Config{SuperSeeding: true}, clock.NewMock(), torrent)

	p1, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false, false, false), newMockMessages())
	require.NoError(err)
	require.Equal([]int{0}, sentHaves(p1.messages))

	// No second offer until propagation is confirmed.
	d.offerNextSuperSeedPiece(p1)
	require.Equal([]int{0}, sentHaves(p1.messages))

	p2, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false, false, false), newMockMessages())
	require.NoError(err)

	// p2 reporting piece 0 is evidence p1's offer propagated, unlocking p1's
	// next offer.
	d.handleHave(p2, 0)
	require.Equal([]int{0, 1}, sentHaves(p1.messages))
}

func TestDispatcherSuperSeedingDisabledOffersNothing(t *testing.T) {
	require := require.New(t)

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(1))
	defer cleanup()

	require.NoError(torrent.WriteBlock(0, 0, []byte{0}, "seed"))
	require.True(torrent.Complete())

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false), newMockMessages())
	require.NoError(err)
	require.Empty(sentHaves(p.messages))
}

func TestDispatcherEnableSuperSeedingOffersConnectedPeers(t *testing.T) {
	require := require.New(t)

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(1))
	defer cleanup()

	require.NoError(torrent.WriteBlock(0, 0, []byte{0}, "seed"))
	require.True(torrent.Complete())

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false), newMockMessages())
	require.NoError(err)
	require.Empty(sentHaves(p.messages))

	d.EnableSuperSeeding()
	require.Equal([]int{0}, sentHaves(p.messages))

	d.DisableSuperSeeding()
	require.False(d.superSeeder.isEnabled())
}

func TestDispatcherPeerPieceCounts(t *testing.T) {
	require := require.New(t)

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(3))
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	var err error

	p, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false, false, false), newMockMessages())
	require.NoError(err)

	require.Equal(0, d.numPeersByPiece.Get(0))
	require.Equal(0, d.numPeersByPiece.Get(1))
	require.Equal(0, d.numPeersByPiece.Get(2))

	d.dispatch(p, &conn.Message{Type: conn.MsgHave, Index: 2})

	require.Equal(1, d.numPeersByPiece.Get(2))

	d.dispatch(p, &conn.Message{Type: conn.MsgHave, Index: 0})
	d.dispatch(p, &conn.Message{Type: conn.MsgHave, Index: 0})

	require.Equal(1, d.numPeersByPiece.Get(0))

	_, err = d.addPeer(core.PeerIDFixture(), bitfield.FromBools(true, true, true), newMockMessages())
	require.NoError(err)

	require.Equal(2, d.numPeersByPiece.Get(0))
	require.Equal(1, d.numPeersByPiece.Get(1))
	require.Equal(2, d.numPeersByPiece.Get(2))

	_, err = d.addPeer(core.PeerIDFixture(), bitfield.FromBools(true, false, true), newMockMessages())
	require.NoError(err)

	require.Equal(3, d.numPeersByPiece.Get(0))
	require.Equal(1, d.numPeersByPiece.Get(1))
	require.Equal(3, d.numPeersByPiece.Get(2))

	_, err = d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false, false, false), newMockMessages())
	require.NoError(err)

	require.Equal(3, d.numPeersByPiece.Get(0))
	require.Equal(1, d.numPeersByPiece.Get(1))
	require.Equal(3, d.numPeersByPiece.Get(2))

	d.removePeer(p)

	require.Equal(2, d.numPeersByPiece.Get(0))
	require.Equal(1, d.numPeersByPiece.Get(1))
	require.Equal(2, d.numPeersByPiece.Get(2))
}

func TestDispatcherChokeRoundUnchokesTopScorers(t *testing.T) {
	require := require.New(t)

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(1))
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	var peers []*peer
	for i := 0; i < numUnchokedPeers+1; i++ {
		p, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false), newMockMessages())
		require.NoError(err)
		peers = append(peers, p)
	}

	// Give every peer but the last a positive score, so they rank above it.
	for i := 0; i < numUnchokedPeers; i++ {
		peers[i].pstats.incrementGoodPiecesReceived()
	}

	d.runChokeRound()

	for i := 0; i < numUnchokedPeers; i++ {
		require.False(peers[i].isAmChoking(), "peer %d should be unchoked", i)
	}
	require.True(peers[numUnchokedPeers].isAmChoking())
}

func TestDispatcherRejectsRequestWhileChokingUnlessAllowedFast(t *testing.T) {
	require := require.New(t)

	torrent, cleanup := diskstorage.TorrentFixture(fixtureMetaInfo(1))
	defer cleanup()

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	require.NoError(torrent.WriteBlock(0, 0, []byte{0}, "seeder"))

	p, err := d.addPeer(core.PeerIDFixture(), bitfield.FromBools(false), newMockMessages())
	require.NoError(err)
	require.True(p.isAmChoking())

	d.handleRequest(p, 0, 0, 1)

	sent := p.messages.(*mockMessages).sent
	require.Len(sent, 1)
	require.Equal(conn.MsgReject, sent[0].Type)

	p.markAllowedFast(0)
	d.handleRequest(p, 0, 0, 1)

	sent = p.messages.(*mockMessages).sent
	require.Len(sent, 2)
	require.Equal(conn.MsgPiece, sent[1].Type)
}
