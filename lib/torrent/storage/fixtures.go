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
package storage

import (
	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
	"github.com/atlet99/dtorrent-task-v2-sub000/core"
)

// TorrentInfoFixture returns a TorrentInfo for a single-file v1 torrent with
// numPieces pieces of pieceLength bytes each, with an empty bitfield.
func TorrentInfoFixture(pieceLength int64, numPieces int) *TorrentInfo {
	raw := core.V1MetaInfoFixture("fixture-torrent", pieceLength, numPieces)
	mi, err := core.ParseMetaInfo(raw)
	if err != nil {
		panic(err)
	}
	return NewTorrentInfo(mi, bitfield.New(numPieces))
}
