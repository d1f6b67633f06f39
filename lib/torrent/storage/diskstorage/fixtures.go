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
package diskstorage

import (
	"io/ioutil"
	"os"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"

	"github.com/uber-go/tally"
)

// TorrentArchiveFixture returns a TorrentArchive rooted at a temp directory,
// along with a cleanup function.
func TorrentArchiveFixture() (*TorrentArchive, func()) {
	dir, err := ioutil.TempDir("", "diskstorage_archive_")
	if err != nil {
		panic(err)
	}
	archive := NewTorrentArchive(tally.NoopScope, Config{RootDir: dir})
	return archive, func() { os.RemoveAll(dir) }
}

// TorrentFixture returns a Torrent for mi rooted at a temp directory, along
// with a cleanup function.
func TorrentFixture(mi *core.MetaInfo) (*Torrent, func()) {
	dir, err := ioutil.TempDir("", "diskstorage_torrent_")
	if err != nil {
		panic(err)
	}
	t, err := NewTorrent(dir, mi)
	if err != nil {
		os.RemoveAll(dir)
		panic(err)
	}
	return t, func() { os.RemoveAll(dir) }
}
