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

// Package metadatadownloader implements the BEP 9 (ut_metadata) metadata
// acquisition state machine: fetching the info dict of a torrent started
// from a magnet URI, before any piece transfer can begin.
package metadatadownloader

import "time"

// Config holds parameters for a Downloader.
type Config struct {

	// ExtensionHandshakeTimeout bounds how long to wait for a peer's initial
	// BEP 10 extension handshake reply before giving up on that peer.
	ExtensionHandshakeTimeout time.Duration `yaml:"extension_handshake_timeout"`

	// PieceRequestTimeout bounds how long to wait for a requested metadata
	// piece before re-requesting it, possibly from a different peer.
	PieceRequestTimeout time.Duration `yaml:"piece_request_timeout"`

	// MaxAttempts bounds how many times the whole exchange is attempted,
	// the first attempt included, before giving up entirely (a new attempt
	// follows e.g. a SHA-1 mismatch against the magnet's info hash).
	MaxAttempts int `yaml:"max_attempts"`
}

func (c Config) applyDefaults() Config {
	if c.ExtensionHandshakeTimeout == 0 {
		c.ExtensionHandshakeTimeout = 10 * time.Second
	}
	if c.PieceRequestTimeout == 0 {
		c.PieceRequestTimeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	return c
}
