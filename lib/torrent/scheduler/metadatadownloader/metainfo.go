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
package metadatadownloader

import (
	"fmt"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/bencode"
	"github.com/atlet99/dtorrent-task-v2-sub000/magnet"
)

// wrapInfoDict decodes the raw bencoded info dict downloaded via BEP 9 and
// re-wraps it as a top-level .torrent dict, filling in the announce fields
// from link's trackers since a magnet URI's info dict alone (unlike a real
// .torrent file) carries no announce URL. The result is handed to
// core.ParseMetaInfo so info hash computation goes through the exact same
// path as a .torrent file loaded from disk.
func wrapInfoDict(raw []byte, link *magnet.Link) (*core.MetaInfo, error) {
	var info interface{}
	if err := bencode.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode info dict: %s", err)
	}
	if _, ok := info.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("info dict is not a bencode dict")
	}

	top := map[string]interface{}{"info": info}
	if len(link.Trackers) > 0 {
		top["announce"] = link.Trackers[0]
		if len(link.Trackers) > 1 {
			tiers := make([]interface{}, len(link.Trackers))
			for i, tr := range link.Trackers {
				tiers[i] = []interface{}{tr}
			}
			top["announce-list"] = tiers
		}
	}

	b, err := bencode.Marshal(top)
	if err != nil {
		return nil, fmt.Errorf("re-marshal torrent dict: %s", err)
	}
	mi, err := core.ParseMetaInfo(b)
	if err != nil {
		return nil, fmt.Errorf("parse torrent dict: %s", err)
	}
	if !mi.InfoHash.Equal(link.InfoHash) {
		return nil, ErrHashMismatch
	}
	return mi, nil
}
