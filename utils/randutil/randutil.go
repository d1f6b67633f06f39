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

// Package randutil provides random value generators for use in tests.
package randutil

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// IP returns a random, syntactically valid IPv4 address.
func IP() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// Port returns a random port in [1024, 65536).
func Port() int {
	n, err := rand.Int(rand.Reader, big.NewInt(65536-1024))
	if err != nil {
		panic(err)
	}
	return int(n.Int64()) + 1024
}

// Text returns n random printable ASCII bytes.
func Text(n int) []byte {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			panic(err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return b
}

// Duration returns a random duration in [0, max).
func Duration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(err)
	}
	return time.Duration(n.Int64())
}
