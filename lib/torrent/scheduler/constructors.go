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
	"fmt"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/networkevent"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/announcequeue"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage"
	"github.com/atlet99/dtorrent-task-v2-sub000/tracker/announceclient"

	"github.com/uber-go/tally"
)

// NewScheduler creates and starts a ReloadableScheduler backed by ta, the
// disk-resident torrent archive, and ac, the tracker announce collaborator
// (the wire implementation of BEP 3 announce is an out-of-scope caller
// concern; ac is just the seam).
func NewScheduler(
	config Config,
	ta storage.TorrentArchive,
	stats tally.Scope,
	pctx core.PeerContext,
	ac announceclient.Client,
	netevents networkevent.Producer) (ReloadableScheduler, error) {

	s, err := newScheduler(config, ta, stats, pctx, ac, netevents)
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %s", err)
	}

	aq := func() announcequeue.Queue { return announcequeue.New() }
	rs := makeReloadable(s, aq)
	if err := rs.start(aq()); err != nil {
		return nil, fmt.Errorf("start: %s", err)
	}

	return rs, nil
}

// NewSeedOnlyScheduler creates and starts a ReloadableScheduler for a
// deployment that never announces to a tracker: its only peers are those
// that open connections to it.
func NewSeedOnlyScheduler(
	config Config,
	ta storage.TorrentArchive,
	stats tally.Scope,
	pctx core.PeerContext,
	netevents networkevent.Producer) (ReloadableScheduler, error) {

	s, err := newScheduler(config, ta, stats, pctx, announceclient.Disabled(), netevents)
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %s", err)
	}

	aq := func() announcequeue.Queue { return announcequeue.Disabled() }
	rs := makeReloadable(s, aq)
	if err := rs.start(aq()); err != nil {
		return nil, fmt.Errorf("start: %s", err)
	}

	return rs, nil
}
