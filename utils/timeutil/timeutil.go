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

// Package timeutil provides small time.Time / time.Duration helpers.
package timeutil

import "time"

// MaxDuration returns the larger of a and b.
func MaxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// MostRecent returns the latest of ts, or the zero time if ts is empty.
func MostRecent(ts ...time.Time) time.Time {
	var mostRecent time.Time
	for _, t := range ts {
		if t.After(mostRecent) {
			mostRecent = t
		}
	}
	return mostRecent
}
