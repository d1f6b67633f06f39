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
	"fmt"
	"sync"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/networkevent"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/conn"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/dispatch/piecerequest"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/torrentlog"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage"
	"github.com/atlet99/dtorrent-task-v2-sub000/piece"
	"github.com/atlet99/dtorrent-task-v2-sub000/utils/syncutil"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

// numUnchokedPeers is the number of peers we unchoke each rotation, per the
// standard BitTorrent "tit-for-tat" choking algorithm (4 regular slots, plus
// the optimistic unchoke below).
const numUnchokedPeers = 4

// optimisticUnchokeEvery is how many choke rotations elapse between
// optimistic unchokes of a peer outside the top numUnchokedPeers.
const optimisticUnchokeEvery = 3

// Events defines Dispatcher events.
type Events interface {
	DispatcherComplete(*Dispatcher)
	PeerRemoved(core.PeerID, core.InfoHash)
}

// Messages defines a subset of conn.Conn methods which Dispatcher requires to
// communicate with remote peers.
type Messages interface {
	Send(msg *conn.Message) error
	Receiver() <-chan *conn.Message
	Close()
}

// Dispatcher coordinates torrent state with sending / receiving messages between multiple
// peers. As such, Dispatcher and Torrent have a one-to-one relationship, while Dispatcher
// and Conn have a one-to-many relationship.
type Dispatcher struct {
	config                Config
	stats                 tally.Scope
	clk                   clock.Clock
	createdAt             time.Time
	localPeerID           core.PeerID
	torrent               *torrentAccessWatcher
	peers                 syncmap.Map // core.PeerID -> *peer
	peerStats             syncmap.Map // core.PeerID -> *peerStats, persists on peer removal.
	numPeersByPiece       syncutil.Counters
	netevents             networkevent.Producer
	pieceRequestTimeout   time.Duration
	pieceRequestManager   *piecerequest.Manager
	pendingPiecesDoneOnce sync.Once
	pendingPiecesDone     chan struct{}
	completeOnce          sync.Once
	events                Events
	logger                *zap.SugaredLogger
	torrentlog            *torrentlog.Logger

	chokeRound int

	throughputMu          sync.Mutex
	throughputWindowStart time.Time
	throughputBytes       int64

	superSeeder *superSeeder
}

// throughputSampleWindow is how often Dispatcher reports an aggregate
// download rate sample to its piece request manager, for AdaptivePolicy's
// sequential/rarest-first degradation.
const throughputSampleWindow = 10 * time.Second

// New creates a new Dispatcher.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	netevents networkevent.Producer,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger,
	tlog *torrentlog.Logger) (*Dispatcher, error) {

	d, err := newDispatcher(config, stats, clk, netevents, events, peerID, t, logger, tlog)
	if err != nil {
		return nil, err
	}

	// Exits when d.pendingPiecesDone is closed.
	go d.watchPendingPieceRequests()
	go d.runChokeLoop()

	if t.Complete() {
		d.complete()
	}

	return d, nil
}

// newDispatcher creates a new Dispatcher with no side-effects for testing purposes.
func newDispatcher(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	netevents networkevent.Producer,
	events Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger,
	tlog *torrentlog.Logger) (*Dispatcher, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "dispatch",
	})

	pieceRequestTimeout := config.calcPieceRequestTimeout(t.MaxPieceLength())
	var firstPieceLength int64
	if t.NumPieces() > 0 {
		firstPieceLength = t.PieceLength(0)
	}
	pieceRequestManager, err := piecerequest.NewManager(
		clk, pieceRequestTimeout, config.PieceRequestPolicy, config.PipelineLimit,
		t.NumPieces(), firstPieceLength, config.Sequential)
	if err != nil {
		return nil, fmt.Errorf("piece request manager: %s", err)
	}

	return &Dispatcher{
		config:              config,
		stats:               stats,
		clk:                 clk,
		createdAt:           clk.Now(),
		localPeerID:         peerID,
		torrent:             newTorrentAccessWatcher(t, clk),
		numPeersByPiece:     syncutil.NewCounters(t.NumPieces()),
		netevents:           netevents,
		pieceRequestTimeout: pieceRequestTimeout,
		pieceRequestManager: pieceRequestManager,
		pendingPiecesDone:   make(chan struct{}),
		events:              events,
		logger:              logger,
		torrentlog:          tlog,
		superSeeder:         newSuperSeeder(config.SuperSeeding),
	}, nil
}

// InfoHash returns d's torrent hash.
func (d *Dispatcher) InfoHash() core.InfoHash {
	return d.torrent.InfoHash()
}

// Length returns d's torrent length.
func (d *Dispatcher) Length() int64 {
	return d.torrent.Length()
}

// Stat returns d's TorrentInfo.
func (d *Dispatcher) Stat() *storage.TorrentInfo {
	return d.torrent.Stat()
}

// Complete returns true if d's torrent is complete.
func (d *Dispatcher) Complete() bool {
	return d.torrent.Complete()
}

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time {
	return d.createdAt
}

// LastGoodPieceReceived returns when d last received a valid and needed piece
// from peerID.
func (d *Dispatcher) LastGoodPieceReceived(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastGoodPieceReceived()
}

// LastPieceSent returns when d last sent a piece to peerID.
func (d *Dispatcher) LastPieceSent(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastPieceSent()
}

// SetPlaybackPosition updates the streaming playback byte offset used by
// the sequential and adaptive piece request policies, and cancels any
// in-flight requests left behind by the resulting seek, per the
// critical-zone-crossing behavior described in spec's streaming selector.
func (d *Dispatcher) SetPlaybackPosition(byteOffset int64) {
	stale := d.pieceRequestManager.SetPlaybackPosition(byteOffset)
	for _, r := range stale {
		d.pieceRequestManager.Clear(r.Piece)
		if v, ok := d.peers.Load(r.PeerID); ok {
			v.(*peer).messages.Send(&conn.Message{Type: conn.MsgCancel, Index: r.Piece})
		}
	}
}

// Strategy returns the name of the piece selection strategy currently in
// effect (differs from the configured policy only for AdaptivePolicy).
func (d *Dispatcher) Strategy() string {
	return d.pieceRequestManager.Strategy()
}

// recordThroughputSample folds n newly-downloaded bytes into a rolling
// window, reporting the aggregate rate to the piece request manager once the
// window closes so AdaptivePolicy can react to it.
func (d *Dispatcher) recordThroughputSample(n int64) {
	d.throughputMu.Lock()
	defer d.throughputMu.Unlock()

	now := d.clk.Now()
	if d.throughputWindowStart.IsZero() {
		d.throughputWindowStart = now
	}
	d.throughputBytes += n

	elapsed := now.Sub(d.throughputWindowStart)
	if elapsed < throughputSampleWindow {
		return
	}
	bps := int64(float64(d.throughputBytes) / elapsed.Seconds())
	d.pieceRequestManager.RecordThroughput(bps)
	d.throughputBytes = 0
	d.throughputWindowStart = now
}

// EnableSuperSeeding turns on the propagation-gated piece trickle for a
// complete torrent: connected peers who don't already have an outstanding
// offer are immediately offered one piece each.
func (d *Dispatcher) EnableSuperSeeding() {
	d.superSeeder.setEnabled(true)
	if !d.torrent.Complete() {
		return
	}
	d.peers.Range(func(k, v interface{}) bool {
		d.offerNextSuperSeedPiece(v.(*peer))
		return true
	})
}

// DisableSuperSeeding turns off the piece trickle, reverting to ordinary
// unchoke-driven uploads for any peer still connected.
func (d *Dispatcher) DisableSuperSeeding() {
	d.superSeeder.setEnabled(false)
}

// offerNextSuperSeedPiece sends p a Have for the rarest piece its bitfield
// reports missing, if superseeding is enabled and p has no outstanding
// unconfirmed offer. Pieces offered to p earlier are not excluded.
func (d *Dispatcher) offerNextSuperSeedPiece(p *peer) {
	piece, ok := d.superSeeder.nextPiece(p.id, p.bitfield.Has, &d.numPeersByPiece)
	if !ok {
		return
	}
	p.messages.Send(&conn.Message{Type: conn.MsgHave, Index: piece})
}

// LastReadTime returns when d's torrent was last read from.
func (d *Dispatcher) LastReadTime() time.Time {
	return d.torrent.getLastReadTime()
}

// LastWriteTime returns when d's torrent was last written to.
func (d *Dispatcher) LastWriteTime() time.Time {
	return d.torrent.getLastWriteTime()
}

// Empty returns true if the Dispatcher has no peers.
func (d *Dispatcher) Empty() bool {
	empty := true
	d.peers.Range(func(k, v interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// AddPeer registers a new peer with the Dispatcher.
func (d *Dispatcher) AddPeer(
	peerID core.PeerID, b *bitfield.Bitfield, messages Messages) error {

	p, err := d.addPeer(peerID, b, messages)
	if err != nil {
		return err
	}
	go d.maybeRequestMorePieces(p)
	go d.feed(p)
	return nil
}

// addPeer creates and inserts a new peer into the Dispatcher. Split from AddPeer
// with no goroutine side-effects for testing purposes.
func (d *Dispatcher) addPeer(
	peerID core.PeerID, b *bitfield.Bitfield, messages Messages) (*peer, error) {

	pstats := &peerStats{}
	if s, ok := d.peerStats.LoadOrStore(peerID, pstats); ok {
		pstats = s.(*peerStats)
	}

	p := newPeer(peerID, b, messages, d.clk, pstats)
	if _, ok := d.peers.LoadOrStore(peerID, p); ok {
		return nil, errors.New("peer already exists")
	}

	for _, i := range p.bitfield.GetAllSet() {
		d.numPeersByPiece.Increment(i)
	}
	if d.torrent.Complete() {
		d.offerNextSuperSeedPiece(p)
	}
	return p, nil
}

func (d *Dispatcher) removePeer(p *peer) error {
	d.peers.Delete(p.id)
	d.pieceRequestManager.ClearPeer(p.id)
	d.superSeeder.clearPeer(p.id)

	for _, i := range p.bitfield.GetAllSet() {
		d.numPeersByPiece.Decrement(i)
	}
	return nil
}

// TearDown closes all Dispatcher connections.
func (d *Dispatcher) TearDown() {
	d.pendingPiecesDoneOnce.Do(func() {
		close(d.pendingPiecesDone)
	})

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		d.log("peer", p).Info("Dispatcher teardown closing connection")
		p.messages.Close()
		return true
	})

	summaries := make(torrentlog.LeecherSummaries, 0)
	d.peerStats.Range(func(k, v interface{}) bool {
		peerID := k.(core.PeerID)
		pstats := v.(*peerStats)
		summaries = append(summaries, torrentlog.LeecherSummary{
			PeerID:           peerID,
			RequestsReceived: pstats.getPieceRequestsReceived(),
			PiecesSent:       pstats.getPiecesSent(),
		})
		return true
	})

	if err := d.torrentlog.LeecherSummaries(d.torrent.InfoHash(), summaries); err != nil {
		d.log().Errorf("Error logging incoming piece request summary: %s", err)
	}
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s)", d.torrent)
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() { go d.events.DispatcherComplete(d) })
	d.pendingPiecesDoneOnce.Do(func() { close(d.pendingPiecesDone) })

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.bitfield.Complete() {
			// Close connections to other completed peers since those connections
			// are now useless.
			d.log("peer", p).Info("Closing connection to completed peer")
			p.messages.Close()
		} else if d.superSeeder.isEnabled() {
			// Trickle a single piece instead of disclosing full completion.
			d.offerNextSuperSeedPiece(p)
		} else {
			// Notify in-progress peers that we now have every piece.
			p.messages.Send(&conn.Message{Type: conn.MsgHaveAll})
		}
		return true
	})

	var piecesRequestedTotal int
	summaries := make(torrentlog.SeederSummaries, 0)
	d.peerStats.Range(func(k, v interface{}) bool {
		peerID := k.(core.PeerID)
		pstats := v.(*peerStats)
		requested := pstats.getPieceRequestsSent()
		piecesRequestedTotal += requested
		summary := torrentlog.SeederSummary{
			PeerID:                  peerID,
			RequestsSent:            requested,
			GoodPiecesReceived:      pstats.getGoodPiecesReceived(),
			DuplicatePiecesReceived: pstats.getDuplicatePiecesReceived(),
		}
		summaries = append(summaries, summary)
		return true
	})

	// Only log if we actually requested pieces from others.
	if piecesRequestedTotal > 0 {
		if err := d.torrentlog.SeederSummaries(d.torrent.InfoHash(), summaries); err != nil {
			d.log().Errorf("Error logging outgoing piece request summary: %s", err)
		}
	}
}

func (d *Dispatcher) endgame() bool {
	if d.config.DisableEndgame {
		return false
	}
	remaining := len(d.torrent.MissingPieces())
	return remaining <= d.config.EndgameThreshold
}

// missingBitfield returns a bitfield of the pieces we don't yet have (minus
// skipped pieces), for intersecting against a peer's bitfield.
func (d *Dispatcher) missingBitfield() *bitfield.Bitfield {
	b := d.torrent.Bitfield().Clone()
	for i := 0; i < b.Len(); i++ {
		b.Set(i, !b.Get(i))
	}
	for _, i := range d.torrent.SkippedPieces() {
		b.Set(i, false)
	}
	return b
}

// ApplySelectedFiles updates which files are wanted, excluding pieces lying
// entirely within now-skipped files from future piece selection. Already
// in-flight requests for those pieces are left to complete or expire
// normally rather than being cancelled outright.
func (d *Dispatcher) ApplySelectedFiles(indices []int) error {
	return d.torrent.ApplySelectedFiles(indices)
}

func (d *Dispatcher) maybeRequestMorePieces(p *peer) (bool, error) {
	candidates := p.bitfield.Intersection(d.missingBitfield())

	return d.maybeSendPieceRequests(p, candidates)
}

func (d *Dispatcher) maybeSendPieceRequests(p *peer, candidates []int) (bool, error) {
	if p.isPeerChoking() {
		// We're choked from requesting unless the peer marked these pieces
		// allowed fast (BEP 6). Filter candidates down to those.
		var allowed []int
		for _, i := range candidates {
			if p.isAllowedFast(i) {
				allowed = append(allowed, i)
			}
		}
		candidates = allowed
	}

	pieces, err := d.pieceRequestManager.ReservePieces(p.id, candidates, d.numPeersByPiece, d.endgame())
	if err != nil {
		return false, err
	}
	if len(pieces) == 0 {
		return false, nil
	}
	for _, i := range pieces {
		if err := d.sendBlockRequests(p, i); err != nil {
			// Connection closed.
			d.pieceRequestManager.MarkUnsent(p.id, i)
			return false, err
		}
		d.netevents.Produce(
			networkevent.RequestPieceEvent(d.torrent.InfoHash(), d.localPeerID, p.id, i))
		p.pstats.incrementPieceRequestsSent()
	}
	return true, nil
}

// sendBlockRequests splits piece i into BlockSize-aligned sub-pieces and
// sends a request message for each, per BEP 3's block-granular wire
// protocol (piece selection itself stays whole-piece).
func (d *Dispatcher) sendBlockRequests(p *peer, i int) error {
	length := d.torrent.PieceLength(i)
	numBlocks := int(length / piece.BlockSize)
	if length%piece.BlockSize != 0 {
		numBlocks++
	}
	for bi := 0; bi < numBlocks; bi++ {
		begin := bi * piece.BlockSize
		blockLen := int64(piece.BlockSize)
		if bi == numBlocks-1 {
			blockLen = length - int64(begin)
		}
		msg := &conn.Message{
			Type:   conn.MsgRequest,
			Index:  i,
			Begin:  begin,
			Length: int(blockLen),
		}
		if err := p.messages.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) resendFailedPieceRequests() {
	failedRequests := d.pieceRequestManager.GetFailedRequests()
	if len(failedRequests) > 0 {
		d.log().Infof("Resending %d failed piece requests", len(failedRequests))
		d.stats.Counter("piece_request_failures").Inc(int64(len(failedRequests)))
	}

	var sent int
	for _, r := range failedRequests {
		d.peers.Range(func(k, v interface{}) bool {
			p := v.(*peer)
			if (r.Status == piecerequest.StatusExpired || r.Status == piecerequest.StatusInvalid) &&
				r.PeerID == p.id {
				// Do not resend to the same peer for expired or invalid requests.
				return true
			}

			if p.bitfield.Has(r.Piece) && !d.torrent.HasPiece(r.Piece) {
				if ok, err := d.maybeSendPieceRequests(p, []int{r.Piece}); ok && err == nil {
					sent++
					return false
				}
			}
			return true
		})
	}

	unsent := len(failedRequests) - sent
	if unsent > 0 {
		d.log().Infof("Nowhere to resend %d / %d failed piece requests", unsent, len(failedRequests))
	}
}

func (d *Dispatcher) watchPendingPieceRequests() {
	for {
		select {
		case <-d.clk.After(d.pieceRequestTimeout / 2):
			d.resendFailedPieceRequests()
		case <-d.pendingPiecesDone:
			return
		}
	}
}

// runChokeLoop periodically recomputes which peers we unchoke, per the
// standard tit-for-tat algorithm: the top numUnchokedPeers peers by count of
// good pieces received from them are unchoked, plus one optimistic unchoke every
// optimisticUnchokeEvery rounds so new or slow peers get a chance to prove
// themselves.
func (d *Dispatcher) runChokeLoop() {
	for {
		select {
		case <-d.clk.After(10 * time.Second):
			d.runChokeRound()
		case <-d.pendingPiecesDone:
			return
		}
	}
}

func (d *Dispatcher) runChokeRound() {
	d.chokeRound++

	type candidate struct {
		p     *peer
		score int
	}
	var candidates []candidate
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		candidates = append(candidates, candidate{p: p, score: p.pstats.getGoodPiecesReceived()})
		return true
	})

	n := numUnchokedPeers
	if n > len(candidates) {
		n = len(candidates)
	}

	// Simple selection of the top n scores; candidate counts are small
	// enough per torrent that an O(n*len) selection is fine.
	unchoked := make(map[core.PeerID]bool)
	remaining := append([]candidate(nil), candidates...)
	for i := 0; i < n && len(remaining) > 0; i++ {
		best := 0
		for j := 1; j < len(remaining); j++ {
			if remaining[j].score > remaining[best].score {
				best = j
			}
		}
		unchoked[remaining[best].p.id] = true
		remaining = append(remaining[:best], remaining[best+1:]...)
	}

	if d.chokeRound%optimisticUnchokeEvery == 0 && len(remaining) > 0 {
		unchoked[remaining[0].p.id] = true
	}

	for _, c := range candidates {
		wasChoking := c.p.isAmChoking()
		shouldChoke := !unchoked[c.p.id]
		if wasChoking == shouldChoke {
			continue
		}
		c.p.setAmChoking(shouldChoke)
		if shouldChoke {
			c.p.messages.Send(&conn.Message{Type: conn.MsgChoke})
		} else {
			c.p.messages.Send(&conn.Message{Type: conn.MsgUnchoke})
		}
	}
}

// feed reads off of peer and handles incoming messages. When peer's messages close,
// the feed goroutine removes peer from the Dispatcher and exits.
func (d *Dispatcher) feed(p *peer) {
	for msg := range p.messages.Receiver() {
		if err := d.dispatch(p, msg); err != nil {
			d.log().Errorf("Error dispatching message: %s", err)
		}
	}
	d.removePeer(p)
	d.events.PeerRemoved(p.id, d.torrent.InfoHash())
}

func (d *Dispatcher) dispatch(p *peer, msg *conn.Message) error {
	switch msg.Type {
	case conn.MsgChoke:
		p.setPeerChoking(true)
	case conn.MsgUnchoke:
		p.setPeerChoking(false)
		d.maybeRequestMorePieces(p)
	case conn.MsgInterested:
		p.setPeerInterested(true)
	case conn.MsgNotInterested:
		p.setPeerInterested(false)
	case conn.MsgHave:
		d.handleHave(p, msg.Index)
	case conn.MsgBitfield:
		d.log("peer", p).Error("Unexpected bitfield message from established conn")
	case conn.MsgRequest:
		d.handleRequest(p, msg.Index, msg.Begin, msg.Length)
	case conn.MsgPiece:
		d.handlePiece(p, msg.Index, msg.Begin, msg.Block)
	case conn.MsgCancel:
		// No-op: cancelling not supported because all received messages are
		// synchronized, so if we receive a cancel it is already too late --
		// we've already read the block.
	case conn.MsgHaveAll:
		p.bitfield.SetAll(true)
		d.maybeRequestMorePieces(p)
	case conn.MsgHaveNone:
		p.bitfield.SetAll(false)
	case conn.MsgSuggestPiece:
		// Advisory only; we still schedule via our own policy.
	case conn.MsgReject:
		d.pieceRequestManager.MarkInvalid(p.id, msg.Index)
	case conn.MsgAllowedFast:
		p.markAllowedFast(msg.Index)
		d.maybeRequestMorePieces(p)
	default:
		return fmt.Errorf("unhandled message type: %s", msg.Type)
	}
	return nil
}

func (d *Dispatcher) handleHave(p *peer, i int) {
	if i < 0 || i >= d.torrent.NumPieces() {
		d.log().Errorf("Have message out of bounds: %d >= %d", i, d.torrent.NumPieces())
		return
	}
	if !p.bitfield.Has(i) {
		p.bitfield.Set(i, true)
		d.numPeersByPiece.Increment(i)
	}

	for _, peerID := range d.superSeeder.onHave(i, p.id) {
		if v, ok := d.peers.Load(peerID); ok {
			d.offerNextSuperSeedPiece(v.(*peer))
		}
	}

	d.maybeRequestMorePieces(p)
}

func (d *Dispatcher) handleRequest(p *peer, i, begin, length int) {
	p.pstats.incrementPieceRequestsReceived()

	if begin < 0 || length < 0 || int64(begin+length) > d.torrent.PieceLength(i) {
		d.log("peer", p, "piece", i).Error("Rejecting request: chunk out of bounds")
		p.messages.Send(&conn.Message{Type: conn.MsgReject, Index: i, Begin: begin, Length: length})
		return
	}

	if p.isAmChoking() {
		// We're choking this peer (see choke loop); only serve allowed-fast
		// pieces per BEP 6, otherwise reject.
		if !p.isAllowedFast(i) {
			p.messages.Send(&conn.Message{Type: conn.MsgReject, Index: i, Begin: begin, Length: length})
			return
		}
	}

	block, err := d.torrent.ReadBlock(i, begin, length)
	if err != nil {
		d.log("peer", p, "piece", i).Errorf("Error reading requested block: %s", err)
		p.messages.Send(&conn.Message{Type: conn.MsgReject, Index: i, Begin: begin, Length: length})
		return
	}

	if err := p.messages.Send(&conn.Message{
		Type:  conn.MsgPiece,
		Index: i,
		Begin: begin,
		Block: block,
	}); err != nil {
		return
	}

	p.touchLastPieceSent()
	p.pstats.incrementPiecesSent()
}

func (d *Dispatcher) handlePiece(p *peer, i, begin int, block []byte) {
	if begin < 0 || int64(begin+len(block)) > d.torrent.PieceLength(i) {
		d.log("peer", p, "piece", i).Error("Rejecting piece payload: chunk out of bounds")
		d.pieceRequestManager.MarkInvalid(p.id, i)
		return
	}

	hadPiece := d.torrent.HasPiece(i)

	if err := d.torrent.WriteBlock(i, begin, block, p.id.String()); err != nil {
		if err != storage.ErrPieceComplete {
			d.log("peer", p, "piece", i).Errorf("Error writing piece block: %s", err)
			d.pieceRequestManager.MarkInvalid(p.id, i)
		} else {
			p.pstats.incrementDuplicatePiecesReceived()
		}
		return
	}

	if !d.torrent.HasPiece(i) {
		// Piece still assembling; wait for the remaining blocks.
		return
	}
	if hadPiece {
		p.pstats.incrementDuplicatePiecesReceived()
		return
	}

	d.netevents.Produce(
		networkevent.ReceivePieceEvent(d.torrent.InfoHash(), d.localPeerID, p.id, i))

	p.pstats.incrementGoodPiecesReceived()
	p.touchLastGoodPieceReceived()
	d.recordThroughputSample(d.torrent.PieceLength(i))
	if d.torrent.Complete() {
		d.complete()
	}

	d.pieceRequestManager.Clear(i)

	d.maybeRequestMorePieces(p)

	d.peers.Range(func(k, v interface{}) bool {
		if k.(core.PeerID) == p.id {
			return true
		}
		pp := v.(*peer)

		pp.messages.Send(&conn.Message{Type: conn.MsgHave, Index: i})

		return true
	})
}

func (d *Dispatcher) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "torrent", d.torrent)
	return d.logger.With(args...)
}
