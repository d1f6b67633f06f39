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
package scheduler

import (
	"crypto/rand"
	"crypto/sha1"
	"flag"
	"net"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/bencode"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/networkevent"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/announcequeue"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/conn"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/connstate"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/dispatch"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage/diskstorage"
	"github.com/atlet99/dtorrent-task-v2-sub000/tracker/announceclient"
	"github.com/atlet99/dtorrent-task-v2-sub000/utils/log"
	"github.com/atlet99/dtorrent-task-v2-sub000/utils/testutil"
)

func Init() {
	debug := flag.Bool("scheduler.debug", false, "log all Scheduler debugging output")
	flag.Parse()

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	zapConfig.Encoding = "console"

	if !*debug {
		zapConfig.OutputPaths = []string{}
	}

	log.ConfigureLogger(zapConfig)
}

func configFixture() Config {
	return Config{
		SeederTTI:          10 * time.Second,
		LeecherTTI:         time.Minute,
		PreemptionInterval: 500 * time.Millisecond,
		ConnTTI:            10 * time.Second,
		ConnTTL:            5 * time.Minute,
		ConnState:          connstate.Config{},
		Conn:               conn.ConfigFixture(),
		Dispatch:           dispatch.Config{},
		TorrentLog:         log.Config{Disable: true},
	}.applyDefaults()
}

// fakeTracker is an in-memory stand-in for a BEP 3 tracker, shared by every
// testPeer spawned from the same testMocks. It hands every announcing peer
// the full set of other peers already registered for the torrent.
type fakeTracker struct {
	mu    sync.Mutex
	peers map[core.InfoHash][]*core.PeerInfo
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{peers: make(map[core.InfoHash][]*core.PeerInfo)}
}

func (f *fakeTracker) Announce(
	h core.InfoHash, peer *core.PeerInfo, complete bool) ([]*core.PeerInfo, time.Duration, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	var others []*core.PeerInfo
	for _, p := range f.peers[h] {
		if p.PeerID != peer.PeerID {
			others = append(others, p)
		}
	}

	existing := f.peers[h]
	replaced := false
	for i, p := range existing {
		if p.PeerID == peer.PeerID {
			existing[i] = peer
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, peer)
	}
	f.peers[h] = existing

	return others, 0, nil
}

type testMocks struct {
	tracker *fakeTracker
	cleanup *testutil.Cleanup
}

func newTestMocks(t *testing.T) (*testMocks, func()) {
	var cleanup testutil.Cleanup
	return &testMocks{
		tracker: newFakeTracker(),
		cleanup: &cleanup,
	}, cleanup.Run
}

type testPeer struct {
	pctx           core.PeerContext
	scheduler      *scheduler
	torrentArchive storage.TorrentArchive
	stats          tally.TestScope
	testProducer   *networkevent.TestProducer
	cleanup        *testutil.Cleanup
}

func (m *testMocks) newPeer(config Config, options ...option) *testPeer {
	var cleanup testutil.Cleanup
	m.cleanup.Add(cleanup.Run)

	ta, c := diskstorage.TorrentArchiveFixture()
	cleanup.Add(c)

	stats := tally.NewTestScope("", nil)

	pctx := core.PeerContext{
		PeerID: core.PeerIDFixture(),
		Zone:   "zone1",
		IP:     "localhost",
		Port:   findFreePort(),
	}
	tp := networkevent.NewTestProducer()

	s, err := newScheduler(config, ta, stats, pctx, m.tracker, tp, options...)
	if err != nil {
		panic(err)
	}
	if err := s.start(announcequeue.New()); err != nil {
		panic(err)
	}
	cleanup.Add(s.Stop)

	return &testPeer{pctx, s, ta, stats, tp, &cleanup}
}

func (m *testMocks) newPeers(n int, config Config) []*testPeer {
	var peers []*testPeer
	for i := 0; i < n; i++ {
		peers = append(peers, m.newPeer(config))
	}
	return peers
}

// contentFixture is a fully in-memory torrent fixture: real content bytes
// with real per-piece SHA1 hashes, unlike core.V1MetaInfoFixture's stubbed
// hashes, so WriteBlock's verifier pass actually runs against it.
type contentFixture struct {
	MetaInfo *core.MetaInfo
	Content  []byte
}

func sizedContentFixture(length, pieceLength int64) *contentFixture {
	content := make([]byte, length)
	if _, err := rand.Read(content); err != nil {
		panic(err)
	}

	numPieces := int(length / pieceLength)
	if length%pieceLength != 0 {
		numPieces++
	}
	pieces := make([]byte, 0, 20*numPieces)
	for i := 0; i < numPieces; i++ {
		start := int64(i) * pieceLength
		stop := start + pieceLength
		if stop > length {
			stop = length
		}
		h := sha1.Sum(content[start:stop])
		pieces = append(pieces, h[:]...)
	}

	info := map[string]interface{}{
		"name":         "content-fixture",
		"piece length": pieceLength,
		"pieces":       string(pieces),
		"length":       length,
	}
	top := map[string]interface{}{
		"info": info,
	}
	raw, err := bencode.Marshal(top)
	if err != nil {
		panic(err)
	}
	mi, err := core.ParseMetaInfo(raw)
	if err != nil {
		panic(err)
	}
	return &contentFixture{MetaInfo: mi, Content: content}
}

// contentFixtureN returns a fixture of n pieces, each 256 bytes.
func contentFixtureN(n int) *contentFixture {
	return sizedContentFixture(int64(n)*256, 256)
}

// writeTorrent writes the given content into a torrent file into peers storage.
// Useful for populating a completed torrent before seeding it.
func (p *testPeer) writeTorrent(namespace string, fixture *contentFixture) {
	t, err := p.torrentArchive.CreateTorrent(namespace, fixture.MetaInfo)
	if err != nil {
		panic(err)
	}
	for i := 0; i < t.NumPieces(); i++ {
		start := int64(i) * t.MaxPieceLength()
		end := start + t.PieceLength(i)
		if err := t.WriteBlock(i, 0, fixture.Content[start:end], "seeder"); err != nil {
			panic(err)
		}
	}
}

func (p *testPeer) checkTorrent(t *testing.T, namespace string, fixture *contentFixture) {
	require := require.New(t)

	tor, err := p.torrentArchive.GetTorrent(namespace, fixture.MetaInfo.InfoHash)
	require.NoError(err)

	require.True(tor.Complete())

	result := make([]byte, tor.Length())
	cursor := result
	for i := 0; i < tor.NumPieces(); i++ {
		block, err := tor.ReadBlock(i, 0, int(tor.PieceLength(i)))
		require.NoError(err)
		copy(cursor, block)
		cursor = cursor[tor.PieceLength(i):]
	}
	require.Equal(fixture.Content, result)
}

func findFreePort() int {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		panic(err)
	}
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return port
}

type hasConnEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
	result   chan bool
}

func (e hasConnEvent) apply(s *state) {
	found := false
	conns := s.conns.ActiveConns()
	for _, c := range conns {
		if c.PeerID() == e.peerID && c.InfoHash() == e.infoHash {
			found = true
			break
		}
	}
	e.result <- found
}

// waitForConnEstablished waits until s has established a connection to peerID for the
// torrent of infoHash.
func waitForConnEstablished(t *testing.T, s *scheduler, peerID core.PeerID, infoHash core.InfoHash) {
	err := testutil.PollUntilTrue(5*time.Second, func() bool {
		result := make(chan bool)
		s.eventLoop.send(hasConnEvent{peerID, infoHash, result})
		return <-result
	})
	if err != nil {
		t.Fatalf(
			"scheduler=%s did not establish conn to peer=%s hash=%s: %s",
			s.pctx.PeerID, peerID, infoHash, err)
	}
}

// waitForConnRemoved waits until s has closed the connection to peerID for the
// torrent of infoHash.
func waitForConnRemoved(t *testing.T, s *scheduler, peerID core.PeerID, infoHash core.InfoHash) {
	err := testutil.PollUntilTrue(5*time.Second, func() bool {
		result := make(chan bool)
		s.eventLoop.send(hasConnEvent{peerID, infoHash, result})
		return !<-result
	})
	if err != nil {
		t.Fatalf(
			"scheduler=%s did not remove conn to peer=%s hash=%s: %s",
			s.pctx.PeerID, peerID, infoHash, err)
	}
}

// hasConn checks whether s has an established connection to peerID for the
// torrent of infoHash.
func hasConn(s *scheduler, peerID core.PeerID, infoHash core.InfoHash) bool {
	result := make(chan bool)
	s.eventLoop.send(hasConnEvent{peerID, infoHash, result})
	return <-result
}

type hasTorrentEvent struct {
	infoHash core.InfoHash
	result   chan bool
}

func (e hasTorrentEvent) apply(s *state) {
	_, ok := s.torrentControls[e.infoHash]
	e.result <- ok
}

func waitForTorrentRemoved(t *testing.T, s *scheduler, infoHash core.InfoHash) {
	err := testutil.PollUntilTrue(5*time.Second, func() bool {
		result := make(chan bool)
		s.eventLoop.send(hasTorrentEvent{infoHash, result})
		return !<-result
	})
	if err != nil {
		t.Fatalf(
			"scheduler=%s did not remove torrent for hash=%s: %s",
			s.pctx.PeerID, infoHash, err)
	}
}

func waitForTorrentAdded(t *testing.T, s *scheduler, infoHash core.InfoHash) {
	err := testutil.PollUntilTrue(5*time.Second, func() bool {
		result := make(chan bool)
		s.eventLoop.send(hasTorrentEvent{infoHash, result})
		return <-result
	})
	if err != nil {
		t.Fatalf(
			"scheduler=%s did not add torrent for hash=%s: %s",
			s.pctx.PeerID, infoHash, err)
	}
}

// eventWatcher wraps an eventLoop and watches all events being sent. Note, clients
// must call WaitFor else all sends will block.
type eventWatcher struct {
	l      eventLoop
	events chan event
}

func newEventWatcher() *eventWatcher {
	return &eventWatcher{
		l:      newEventLoop(),
		events: make(chan event),
	}
}

// waitFor waits for e to send on w.
func (w *eventWatcher) waitFor(t *testing.T, e event) {
	name := reflect.TypeOf(e).Name()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ee := <-w.events:
			if name == reflect.TypeOf(ee).Name() {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to occur", name)
		}
	}
}

func (w *eventWatcher) send(e event) bool {
	if w.l.send(e) {
		go func() { w.events <- e }()
		return true
	}
	return false
}

func (w *eventWatcher) sendTimeout(e event, timeout time.Duration) error {
	panic("unimplemented")
}

func (w *eventWatcher) run(s *state) {
	w.l.run(s)
}

func (w *eventWatcher) stop() {
	w.l.stop()
}
