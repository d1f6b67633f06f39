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
package core

import (
	"encoding/binary"
	"fmt"
	"net"
)

// PeerAddr is a dialable peer endpoint.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (a PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// CompactPeerList encodes/decodes the BEP 23 "compact" peer list format used
// by add_peer(compact_address, ...): each entry is a 4-byte IPv4 address
// followed by a 2-byte big-endian port, back to back with no delimiter.
type CompactPeerList []PeerAddr

// DecodeCompactPeerList parses a BEP 23 compact peer string into addresses.
func DecodeCompactPeerList(b []byte) (CompactPeerList, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peer list length %d is not a multiple of 6", len(b))
	}
	n := len(b) / 6
	peers := make(CompactPeerList, n)
	for i := 0; i < n; i++ {
		e := b[i*6 : i*6+6]
		ip := make(net.IP, 4)
		copy(ip, e[:4])
		peers[i] = PeerAddr{
			IP:   ip,
			Port: binary.BigEndian.Uint16(e[4:6]),
		}
	}
	return peers, nil
}

// Encode renders peers back into BEP 23 compact form. Non-IPv4 addresses are
// skipped, since BEP 23's 6-byte entry has no room for a v6 address (that
// case uses the separate "compact6" extension, out of scope here).
func (peers CompactPeerList) Encode() []byte {
	b := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		v4 := p.IP.To4()
		if v4 == nil {
			continue
		}
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], p.Port)
		b = append(b, v4...)
		b = append(b, port[:]...)
	}
	return b
}

// DecodeCompactPeerAddr parses the single 6-byte form used by
// add_peer(compact_address, ...).
func DecodeCompactPeerAddr(b []byte) (PeerAddr, error) {
	if len(b) != 6 {
		return PeerAddr{}, fmt.Errorf("compact address length %d, expected 6", len(b))
	}
	ip := make(net.IP, 4)
	copy(ip, b[:4])
	return PeerAddr{IP: ip, Port: binary.BigEndian.Uint16(b[4:6])}, nil
}
