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
package piecerequest

import (
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/utils/memsize"
)

// SequentialConfig configures SequentialPolicy and AdaptivePolicy.
type SequentialConfig struct {

	// LookAheadSize is the number of pieces, past the critical zone, which
	// are still requested in strict sequential order rather than
	// rarest-first.
	LookAheadSize int `yaml:"look_ahead_size"`

	// CriticalZoneSize is the number of bytes, starting at the playback
	// position, that are always the highest-priority sequential requests.
	CriticalZoneSize int64 `yaml:"critical_zone_size"`

	// AdaptiveStrategy is not read by any code. AdaptivePolicy is chosen by
	// its policy name in NewManager, and rarity takes over there once
	// measured throughput drops below MinSpeedForSequential.
	AdaptiveStrategy bool `yaml:"adaptive_strategy"`

	// MinSpeedForSequential is the aggregate download rate, in bytes per
	// second, below which AdaptivePolicy degrades to rarest-first.
	MinSpeedForSequential int64 `yaml:"min_speed_for_sequential"`

	// AutoDetectMoovAtom treats the first piece and the final ~1% of the
	// torrent as always-critical, a best-effort heuristic for streaming MP4
	// files whose moov atom may sit at either end.
	AutoDetectMoovAtom bool `yaml:"auto_detect_moov_atom"`

	// SeekLatencyTolerance is given a default by applyDefaults but is not
	// read by any policy or by Manager; no seek refill is timed against it.
	SeekLatencyTolerance time.Duration `yaml:"seek_latency_tolerance"`

	// EnablePeerPriority is not read by any code; piece selection is given
	// no per-peer history.
	EnablePeerPriority bool `yaml:"enable_peer_priority"`

	// EnableFastResumption is not read by any code; a seek re-validates no
	// pieces whether it is set or not.
	EnableFastResumption bool `yaml:"enable_fast_resumption"`
}

func (c SequentialConfig) applyDefaults() SequentialConfig {
	if c.LookAheadSize == 0 {
		c.LookAheadSize = 15
	}
	if c.CriticalZoneSize == 0 {
		c.CriticalZoneSize = 4 * memsize.MB
	}
	if c.SeekLatencyTolerance == 0 {
		c.SeekLatencyTolerance = 2 * time.Second
	}
	return c
}
