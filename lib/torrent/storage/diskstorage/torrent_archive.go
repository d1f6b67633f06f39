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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage"

	"github.com/uber-go/tally"
)

// TorrentArchive initializes torrents under a root save directory and keeps
// their Torrent instances alive for the lifetime of the process. Resume
// progress survives process restarts via each torrent's statefile; the
// metainfo needed to reconstruct a Torrent on CreateTorrent does not (the
// caller is expected to re-supply metainfo on restart, e.g. from a .torrent
// file it manages or a fresh metadata-acquisition exchange).
type TorrentArchive struct {
	stats  tally.Scope
	config Config

	mu       sync.Mutex
	torrents map[string]*Torrent // keyed by namespace + hex info hash
}

// NewTorrentArchive creates a new TorrentArchive.
func NewTorrentArchive(stats tally.Scope, config Config) *TorrentArchive {
	stats = stats.Tagged(map[string]string{
		"module": "diskstorage",
	})
	return &TorrentArchive{
		stats:    stats,
		config:   config.applyDefaults(),
		torrents: make(map[string]*Torrent),
	}
}

func archiveKey(namespace string, infoHash core.InfoHash) string {
	return namespace + "/" + infoHash.Hex()
}

func (a *TorrentArchive) savePath(namespace string, infoHash core.InfoHash) string {
	return filepath.Join(a.config.RootDir, namespace, infoHash.Hex())
}

// Stat returns TorrentInfo for a torrent that has already been created or
// retrieved in this process.
func (a *TorrentArchive) Stat(namespace string, mi *core.MetaInfo) (*storage.TorrentInfo, error) {
	a.mu.Lock()
	t, ok := a.torrents[archiveKey(namespace, mi.InfoHash)]
	a.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Stat(), nil
}

// CreateTorrent initializes a new Torrent for mi under namespace, restoring
// resume state from disk if a save directory already exists for this info
// hash (e.g. after a process restart).
func (a *TorrentArchive) CreateTorrent(namespace string, mi *core.MetaInfo) (storage.Torrent, error) {
	key := archiveKey(namespace, mi.InfoHash)

	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.torrents[key]; ok {
		return t, nil
	}

	timer := a.stats.Timer("create_torrent").Start()
	defer timer.Stop()

	t, err := NewTorrent(a.savePath(namespace, mi.InfoHash), mi)
	if err != nil {
		return nil, fmt.Errorf("initialize torrent: %s", err)
	}
	a.torrents[key] = t
	return t, nil
}

// GetTorrent returns a previously created/retrieved Torrent for infoHash.
// Returns storage.ErrNotFound if no Torrent for infoHash has been created in
// this process.
func (a *TorrentArchive) GetTorrent(namespace string, infoHash core.InfoHash) (storage.Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.torrents[archiveKey(namespace, infoHash)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

// DeleteTorrent removes a torrent's save directory and drops it from the
// archive.
func (a *TorrentArchive) DeleteTorrent(infoHash core.InfoHash) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, t := range a.torrents {
		if t.InfoHash().Equal(infoHash) {
			if err := t.Close(); err != nil {
				return fmt.Errorf("close torrent: %s", err)
			}
			delete(a.torrents, key)
		}
	}

	// Best-effort: remove every namespace's save directory for this hash.
	matches, err := filepath.Glob(filepath.Join(a.config.RootDir, "*", infoHash.Hex()))
	if err != nil {
		return fmt.Errorf("glob save paths: %s", err)
	}
	for _, dir := range matches {
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %q: %s", dir, err)
		}
	}
	return nil
}
