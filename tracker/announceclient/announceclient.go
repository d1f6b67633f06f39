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

// Package announceclient defines the seam between the scheduler and a
// BEP 3 tracker. The HTTP/UDP wire implementation of that protocol is an
// out-of-scope collaborator: callers supply their own Client, and this
// package only provides the interface plus a disabled stub for origins
// that never announce (e.g. a pure seed with no tracker configured).
package announceclient

import (
	"errors"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
)

// ErrDisabled is returned when announcing is disabled.
var ErrDisabled = errors.New("announcing disabled")

// Client defines a client for announcing to a tracker and getting back a
// peer handout.
type Client interface {
	// Announce announces h on behalf of peer, reporting whether we have
	// completed the torrent. Returns the peers the tracker handed out and
	// the interval the tracker wants us to wait before announcing again.
	Announce(h core.InfoHash, peer *core.PeerInfo, complete bool) ([]*core.PeerInfo, time.Duration, error)
}

type disabledClient struct{}

// Disabled returns a Client which always returns ErrDisabled. Used by
// deployments which never announce to a tracker, whose only peers are those
// that connect to them.
func Disabled() Client {
	return disabledClient{}
}

func (disabledClient) Announce(
	core.InfoHash, *core.PeerInfo, bool) ([]*core.PeerInfo, time.Duration, error) {

	return nil, 0, ErrDisabled
}
