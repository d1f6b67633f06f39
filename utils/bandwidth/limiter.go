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

// Package bandwidth provides a token-bucket egress/ingress rate limiter
// shared by every connection in a torrent swarm.
package bandwidth

import (
	"fmt"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/utils/log"
	"github.com/atlet99/dtorrent-task-v2-sub000/utils/memsize"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket. It is used
	// to avoid integer overflow errors that would occur if we mapped each
	// bit to a token.
	TokenSize uint64 `yaml:"token_size"`

	// Enable turns bandwidth limiting on. Off by default, since most
	// deployments rely on OS/network-level shaping instead.
	Enable bool `yaml:"enable"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = memsize.Bit
	}
	return c
}

type options struct {
	logger *zap.SugaredLogger
}

// Option configures optional Limiter behavior.
type Option func(*options)

// WithLogger sets the logger used to report the configured limits. Defaults
// to a no-op logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = logger }
}

// Limiter limits egress and ingress bandwidth via a token-bucket rate
// limiter. When disabled, every reservation succeeds immediately.
type Limiter struct {
	config  Config
	logger  *zap.SugaredLogger
	egress  *rate.Limiter
	ingress *rate.Limiter

	egressLimit  int64
	ingressLimit int64
}

// NewLimiter creates a new Limiter. Returns an error if bandwidth limiting is
// enabled but either direction's bits-per-sec is unset.
func NewLimiter(config Config, opts ...Option) (*Limiter, error) {
	config = config.applyDefaults()

	o := &options{logger: log.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}

	l := &Limiter{config: config, logger: o.logger}

	if !config.Enable {
		o.logger.Warn("Bandwidth limits disabled")
		return l, nil
	}
	if config.EgressBitsPerSec == 0 {
		return nil, fmt.Errorf("egress_bits_per_sec must be set when bandwidth limiting is enabled")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, fmt.Errorf("ingress_bits_per_sec must be set when bandwidth limiting is enabled")
	}

	o.logger.Infof("Setting egress bandwidth to %s/sec", memsize.BitFormat(config.EgressBitsPerSec))
	o.logger.Infof("Setting ingress bandwidth to %s/sec", memsize.BitFormat(config.IngressBitsPerSec))

	l.egressLimit = int64(config.EgressBitsPerSec)
	l.ingressLimit = int64(config.IngressBitsPerSec)
	l.egress = newTokenBucket(config.EgressBitsPerSec, config.TokenSize)
	l.ingress = newTokenBucket(config.IngressBitsPerSec, config.TokenSize)

	return l, nil
}

func newTokenBucket(bitsPerSec, tokenSize uint64) *rate.Limiter {
	tps := bitsPerSec / tokenSize
	if tps == 0 {
		tps = 1
	}
	return rate.NewLimiter(rate.Limit(tps), int(tps))
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	if rl == nil {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %s of bandwidth, max is %s",
			memsize.Format(uint64(nbytes)),
			memsize.BitFormat(l.config.TokenSize*uint64(rl.Burst())))
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until egress bandwidth for nbytes is available.
// Returns an error if nbytes is larger than the maximum egress bandwidth.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available.
// Returns an error if nbytes is larger than the maximum ingress bandwidth.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}

// Adjust rescales the egress/ingress limits to the originally configured
// bits-per-sec divided by denom (floored at 1), e.g. to fairly split
// bandwidth across denom concurrently active torrents. Returns an error if
// denom is not positive.
func (l *Limiter) Adjust(denom int) error {
	if denom <= 0 {
		return fmt.Errorf("denom must be positive, got %d", denom)
	}
	if !l.config.Enable {
		return nil
	}

	l.egressLimit = scale(l.config.EgressBitsPerSec, denom)
	l.ingressLimit = scale(l.config.IngressBitsPerSec, denom)

	etps := uint64(l.egressLimit) / l.config.TokenSize
	if etps == 0 {
		etps = 1
	}
	itps := uint64(l.ingressLimit) / l.config.TokenSize
	if itps == 0 {
		itps = 1
	}
	l.egress.SetLimit(rate.Limit(etps))
	l.egress.SetBurst(int(etps))
	l.ingress.SetLimit(rate.Limit(itps))
	l.ingress.SetBurst(int(itps))

	return nil
}

func scale(n uint64, denom int) int64 {
	v := int64(n) / int64(denom)
	if v == 0 {
		v = 1
	}
	return v
}

// EgressLimit returns the current egress limit in bits per second.
func (l *Limiter) EgressLimit() int64 { return l.egressLimit }

// IngressLimit returns the current ingress limit in bits per second.
func (l *Limiter) IngressLimit() int64 { return l.ingressLimit }
