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
	"errors"
	"fmt"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/metadatadownloader"
	"github.com/atlet99/dtorrent-task-v2-sub000/magnet"
)

// metadataEvents adapts a scheduler's logger into metadatadownloader.Events.
type metadataEvents struct {
	s *scheduler
}

func (e *metadataEvents) MetaDataDownloadComplete(h core.InfoHash, mi *core.MetaInfo) {
	e.s.log("hash", h).Infof(
		"Metadata download complete: %q (%d bytes)", mi.Info.Name, mi.Info.Length)
}

// DownloadMetaInfo performs the BEP 9 metadata acquisition state machine
// against peers, each dialed and BEP 3 handshaken fresh for the purpose,
// returning the fully verified MetaInfo once every metadata piece has been
// downloaded and the result matches link's info hash.
func (s *scheduler) DownloadMetaInfo(link *magnet.Link, peers []*core.PeerInfo) (*core.MetaInfo, error) {
	if len(peers) == 0 {
		return nil, errors.New("no peers given for metadata download")
	}

	var conns []metadatadownloader.PeerConn
	for _, p := range peers {
		addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
		mc, err := s.handshaker.InitializeForMetadata(p.PeerID, addr, link.InfoHash)
		if err != nil {
			s.log("peer", p.PeerID).Infof("Error handshaking with %s for metadata: %s", addr, err)
			continue
		}
		conns = append(conns, mc)
	}
	if len(conns) == 0 {
		return nil, errors.New("could not handshake with any peer for metadata download")
	}

	dl := metadatadownloader.New(
		s.config.MetadataDownloader, s.clock, &metadataEvents{s}, s.logger)
	return dl.Download(link, conns)
}

// DownloadMagnet resolves link's info dict from peers via the metadata
// acquisition state machine, then downloads the resulting torrent exactly
// as Download would given its MetaInfo up front.
func (s *scheduler) DownloadMagnet(namespace string, link *magnet.Link, peers []*core.PeerInfo) error {
	mi, err := s.DownloadMetaInfo(link, peers)
	if err != nil {
		return fmt.Errorf("download metainfo: %s", err)
	}
	return s.Download(namespace, mi)
}
