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

// Package memsize provides byte / bit size constants and human-readable
// formatting, mirroring the magnitude naming every config in this tree uses
// (e.g. "200*memsize.Mbit").
package memsize

import "fmt"

// Byte magnitudes.
const (
	B  = 1
	KB = 1 << (10 * (iota))
	MB
	GB
	TB
)

// Bit magnitudes.
const (
	Bit  = 1
	Kbit = 1 << (10 * (iota))
	Mbit
	Gbit
	Tbit
)

// Format renders a byte count in the largest unit it fits, with two decimal
// places, e.g. "1.50GB".
func Format(bytes uint64) string {
	return format(bytes, "B")
}

// BitFormat renders a bit count in the largest unit it fits, e.g. "1.50Gbit".
func BitFormat(bits uint64) string {
	return format(bits, "bit")
}

func format(n uint64, unit string) string {
	if n == 0 {
		return fmt.Sprintf("0%s", unit)
	}
	units := []struct {
		size   uint64
		suffix string
	}{
		{TB, "T"},
		{GB, "G"},
		{MB, "M"},
		{KB, "K"},
	}
	for _, u := range units {
		if n >= u.size {
			return fmt.Sprintf("%.2f%s%s", float64(n)/float64(u.size), u.suffix, unit)
		}
	}
	return fmt.Sprintf("%.2f%s", float64(n), unit)
}
