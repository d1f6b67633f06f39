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
package timeutil

import (
	"sync"
	"time"
)

type timerState int

const (
	timerIdle timerState = iota
	timerRunning
	timerFired
)

// Timer is a restartable, cancelable wrapper around time.Timer which is
// idle (not counting down) until Start is called.
type Timer struct {
	mu    sync.Mutex
	d     time.Duration
	t     *time.Timer
	state timerState

	C chan time.Time
}

// NewTimer creates a new Timer which, once started, fires after d.
func NewTimer(d time.Duration) *Timer {
	return &Timer{d: d, C: make(chan time.Time, 1)}
}

// Start starts the timer if it is not already running. Returns whether it
// started the timer.
func (t *Timer) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == timerRunning {
		return false
	}
	t.state = timerRunning
	t.t = time.AfterFunc(t.d, func() {
		t.mu.Lock()
		t.state = timerFired
		t.mu.Unlock()
		t.C <- time.Now()
	})
	return true
}

// Cancel stops the timer if it is currently running. Returns whether it
// canceled an active timer.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != timerRunning {
		return false
	}
	stopped := t.t.Stop()
	t.state = timerIdle
	return stopped
}
