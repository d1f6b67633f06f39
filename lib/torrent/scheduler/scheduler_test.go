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
	"sync"
	"testing"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/networkevent"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/announcequeue"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestDownloadTorrentWithSeederAndLeecher(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()

	seeder := mocks.newPeer(config)
	leecher := mocks.newPeer(config)

	fixture := contentFixtureN(4)
	namespace := core.TagFixture()

	seeder.writeTorrent(namespace, fixture)
	require.NoError(seeder.scheduler.Download(namespace, fixture.MetaInfo))

	require.NoError(leecher.scheduler.Download(namespace, fixture.MetaInfo))
	leecher.checkTorrent(t, namespace, fixture)
}

func TestDownloadManyTorrentsWithSeederAndLeecher(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()
	namespace := core.TagFixture()

	seeder := mocks.newPeer(config)
	leecher := mocks.newPeer(config)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		fixture := contentFixtureN(4)

		wg.Add(1)
		go func() {
			defer wg.Done()

			seeder.writeTorrent(namespace, fixture)
			require.NoError(seeder.scheduler.Download(namespace, fixture.MetaInfo))

			require.NoError(leecher.scheduler.Download(namespace, fixture.MetaInfo))
			leecher.checkTorrent(t, namespace, fixture)
		}()
	}
	wg.Wait()
}

func TestDownloadManyTorrentsWithSeederAndManyLeechers(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()
	namespace := core.TagFixture()

	seeder := mocks.newPeer(config)
	leechers := mocks.newPeers(5, config)

	// Start seeding each torrent.
	fixtures := make([]*contentFixture, 5)
	for i := range fixtures {
		fixture := contentFixtureN(4)
		fixtures[i] = fixture

		seeder.writeTorrent(namespace, fixture)
		require.NoError(seeder.scheduler.Download(namespace, fixture.MetaInfo))
	}

	var wg sync.WaitGroup
	for _, fixture := range fixtures {
		fixture := fixture
		for _, p := range leechers {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				require.NoError(p.scheduler.Download(namespace, fixture.MetaInfo))
				p.checkTorrent(t, namespace, fixture)
			}()
		}
	}
	wg.Wait()
}

func TestDownloadTorrentWhenPeersAllHaveDifferentPiece(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()
	namespace := core.TagFixture()

	peers := mocks.newPeers(10, config)

	fixture := sizedContentFixture(int64(len(peers)*256), 256)

	var wg sync.WaitGroup
	for i, p := range peers {
		tor, err := p.torrentArchive.CreateTorrent(namespace, fixture.MetaInfo)
		require.NoError(err)

		start := i * 256
		stop := (i + 1) * 256
		require.NoError(tor.WriteBlock(i, 0, fixture.Content[start:stop], "seeder"))

		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(p.scheduler.Download(namespace, fixture.MetaInfo))
			p.checkTorrent(t, namespace, fixture)
		}()
	}
	wg.Wait()
}

func TestSeederTTI(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()

	fixture := contentFixtureN(4)
	namespace := core.TagFixture()

	clk := clock.NewMock()
	w := newEventWatcher()

	seeder := mocks.newPeer(config, withEventLoop(w), withClock(clk))
	seeder.writeTorrent(namespace, fixture)
	require.NoError(seeder.scheduler.Download(namespace, fixture.MetaInfo))

	leecher := mocks.newPeer(config, withClock(clk))

	errc := make(chan error)
	go func() { errc <- leecher.scheduler.Download(namespace, fixture.MetaInfo) }()

	require.NoError(<-errc)
	leecher.checkTorrent(t, namespace, fixture)

	// Conns expire...
	clk.Add(config.ConnTTI)

	clk.Add(config.PreemptionInterval)
	w.waitFor(t, preemptionTickEvent{})

	// Then seeding torrents expire.
	clk.Add(config.SeederTTI)

	waitForTorrentRemoved(t, seeder.scheduler, fixture.MetaInfo.InfoHash)
	waitForTorrentRemoved(t, leecher.scheduler, fixture.MetaInfo.InfoHash)

	require.False(hasConn(seeder.scheduler, leecher.pctx.PeerID, fixture.MetaInfo.InfoHash))
	require.False(hasConn(leecher.scheduler, seeder.pctx.PeerID, fixture.MetaInfo.InfoHash))

	// Idle seeder should keep around the torrent file so it can still serve content.
	_, err := seeder.torrentArchive.Stat(namespace, fixture.MetaInfo)
	require.NoError(err)
}

func TestLeecherTTI(t *testing.T) {
	t.Skip()

	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()
	clk := clock.NewMock()
	w := newEventWatcher()

	fixture := contentFixtureN(4)
	namespace := core.TagFixture()

	p := mocks.newPeer(config, withEventLoop(w), withClock(clk))
	errc := make(chan error)
	go func() { errc <- p.scheduler.Download(namespace, fixture.MetaInfo) }()

	waitForTorrentAdded(t, p.scheduler, fixture.MetaInfo.InfoHash)

	clk.Add(config.LeecherTTI)

	w.waitFor(t, preemptionTickEvent{})

	require.Equal(ErrTorrentTimeout, <-errc)

	// Idle leecher should delete torrent file to prevent it from being revived.
	_, err := p.torrentArchive.Stat(namespace, fixture.MetaInfo)
	require.Equal(storage.ErrNotFound, err)
}

func TestMultipleDownloadsForSameTorrentSucceed(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	fixture := contentFixtureN(4)
	namespace := core.TagFixture()

	config := configFixture()

	seeder := mocks.newPeer(config)
	seeder.writeTorrent(namespace, fixture)
	require.NoError(seeder.scheduler.Download(namespace, fixture.MetaInfo))

	leecher := mocks.newPeer(config)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Multiple goroutines should be able to wait on the same torrent.
			require.NoError(leecher.scheduler.Download(namespace, fixture.MetaInfo))
		}()
	}
	wg.Wait()

	leecher.checkTorrent(t, namespace, fixture)

	// After the torrent is complete, further calls to Download should succeed immediately.
	require.NoError(leecher.scheduler.Download(namespace, fixture.MetaInfo))
}

func TestEmitStatsEventTriggers(t *testing.T) {
	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()
	clk := clock.NewMock()
	w := newEventWatcher()

	mocks.newPeer(config, withEventLoop(w), withClock(clk))

	clk.Add(config.EmitStatsInterval)
	w.waitFor(t, emitStatsEvent{})
}

func TestNetworkEvents(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()
	config.ConnTTI = 2 * time.Second
	config.ConnState.BlacklistDuration = 30 * time.Second

	seeder := mocks.newPeer(config)
	leecher := mocks.newPeer(config)

	// Torrent with 1 piece.
	fixture := sizedContentFixture(1, 1)
	namespace := core.TagFixture()

	seeder.writeTorrent(namespace, fixture)
	require.NoError(seeder.scheduler.Download(namespace, fixture.MetaInfo))

	require.NoError(leecher.scheduler.Download(namespace, fixture.MetaInfo))
	leecher.checkTorrent(t, namespace, fixture)

	sid := seeder.pctx.PeerID
	lid := leecher.pctx.PeerID
	h := fixture.MetaInfo.InfoHash

	waitForConnRemoved(t, seeder.scheduler, lid, h)
	waitForConnRemoved(t, leecher.scheduler, sid, h)

	seederExpected := []*networkevent.Event{
		networkevent.AddTorrentEvent(h, sid, bitfield.FromBools(true), config.ConnState.MaxOpenConnectionsPerTorrent),
		networkevent.TorrentCompleteEvent(h, sid),
		networkevent.AddActiveConnEvent(h, sid, lid),
		networkevent.DropActiveConnEvent(h, sid, lid),
		networkevent.BlacklistConnEvent(h, sid, lid, config.ConnState.BlacklistDuration),
	}

	leecherExpected := []*networkevent.Event{
		networkevent.AddTorrentEvent(h, lid, bitfield.FromBools(false), config.ConnState.MaxOpenConnectionsPerTorrent),
		networkevent.AddActiveConnEvent(h, lid, sid),
		networkevent.RequestPieceEvent(h, lid, sid, 0),
		networkevent.ReceivePieceEvent(h, lid, sid, 0),
		networkevent.TorrentCompleteEvent(h, lid),
		networkevent.DropActiveConnEvent(h, lid, sid),
		networkevent.BlacklistConnEvent(h, lid, sid, config.ConnState.BlacklistDuration),
	}

	require.Equal(
		networkevent.StripTimestamps(seederExpected),
		networkevent.StripTimestamps(seeder.testProducer.Events()))

	require.Equal(
		networkevent.StripTimestamps(leecherExpected),
		networkevent.StripTimestamps(leecher.testProducer.Events()))
}

func TestPullInactiveTorrent(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()

	fixture := contentFixtureN(4)
	namespace := core.TagFixture()

	seeder := mocks.newPeer(config)

	// Write torrent to disk, but don't add it the scheduler.
	seeder.writeTorrent(namespace, fixture)

	// Force announce the tracker for this torrent to simulate a peer which
	// is registered in tracker but does not have the torrent in memory.
	peer := core.PeerInfoFromContext(seeder.pctx, false)
	_, _, err := mocks.tracker.Announce(fixture.MetaInfo.InfoHash, peer, false)
	require.NoError(err)

	leecher := mocks.newPeer(config)

	require.NoError(leecher.scheduler.Download(namespace, fixture.MetaInfo))
	leecher.checkTorrent(t, namespace, fixture)
}

func TestSchedulerReload(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()
	namespace := core.TagFixture()

	seeder := mocks.newPeer(config)
	leecher := mocks.newPeer(config)

	download := func() {
		fixture := contentFixtureN(4)

		seeder.writeTorrent(namespace, fixture)
		require.NoError(seeder.scheduler.Download(namespace, fixture.MetaInfo))

		require.NoError(leecher.scheduler.Download(namespace, fixture.MetaInfo))
		leecher.checkTorrent(t, namespace, fixture)
	}

	download()

	rs := makeReloadable(leecher.scheduler, func() announcequeue.Queue { return announcequeue.New() })
	config.ConnTTL += 5 * time.Minute
	rs.Reload(config)
	leecher.scheduler = rs.scheduler

	download()
}

func TestSchedulerRemoveTorrent(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	w := newEventWatcher()

	p := mocks.newPeer(configFixture(), withEventLoop(w))

	fixture := contentFixtureN(4)
	namespace := core.TagFixture()

	errc := make(chan error)
	go func() { errc <- p.scheduler.Download(namespace, fixture.MetaInfo) }()

	w.waitFor(t, newTorrentEvent{})

	require.NoError(p.scheduler.RemoveTorrent(fixture.MetaInfo.InfoHash))

	require.Equal(ErrTorrentRemoved, <-errc)

	_, err := p.torrentArchive.Stat(namespace, fixture.MetaInfo)
	require.Equal(storage.ErrNotFound, err)
}

func TestSchedulerProbe(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	p := mocks.newPeer(configFixture())

	require.NoError(p.scheduler.Probe())

	p.scheduler.Stop()

	require.Equal(ErrSchedulerStopped, p.scheduler.Probe())
}

type deadlockEvent struct {
	release chan struct{}
}

func (e deadlockEvent) apply(*state) {
	<-e.release
}

func TestSchedulerProbeTimeoutsIfDeadlocked(t *testing.T) {
	require := require.New(t)

	mocks, cleanup := newTestMocks(t)
	defer cleanup()

	config := configFixture()
	config.ProbeTimeout = 250 * time.Millisecond

	p := mocks.newPeer(config)

	require.NoError(p.scheduler.Probe())

	// Must release deadlock so Scheduler can shut down properly (only matters
	// for testing).
	release := make(chan struct{})
	p.scheduler.eventLoop.send(deadlockEvent{release})

	require.Equal(ErrSendEventTimedOut, p.scheduler.Probe())

	close(release)
}
