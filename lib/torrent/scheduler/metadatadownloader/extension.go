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
package metadatadownloader

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/bencode"
)

// utMetadataName is the extension name BEP 9 reserves for the metadata
// exchange, advertised in the "m" dict of the extension handshake.
const utMetadataName = "ut_metadata"

// localUtMetadataID is the extended message id we assign ut_metadata in our
// own handshake's "m" dict. Peers must echo this id back to us on every
// ut_metadata message they send us; it has no relation to the id the peer
// assigns ut_metadata in its own handshake; that id is whatever the peer
// advertised to us and is what we must address our requests to.
const localUtMetadataID = 1

// clientVersion is advertised in the extension handshake's "v" field, the
// minimum real peers expect before serving ut_metadata requests.
const clientVersion = "dtorrent-task-v2-sub000/1.0"

// metadataPieceSize is the fixed piece size BEP 9 mandates for ut_metadata
// exchange, independent of the torrent's own piece length.
const metadataPieceSize = 16 * 1024

// ut_metadata message types, per BEP 9.
const (
	utMetadataRequest = 0
	utMetadataData    = 1
	utMetadataReject  = 2
)

// extensionHandshake is the BEP 10 extension handshake dict, sent as the
// payload of an Extended message with id 0.
type extensionHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int             `bencode:"metadata_size,omitempty"`
	V            string          `bencode:"v,omitempty"`
}

func ourExtensionHandshake() *extensionHandshake {
	return &extensionHandshake{
		M: map[string]int{utMetadataName: localUtMetadataID},
		V: clientVersion,
	}
}

func encodeExtensionHandshake(h *extensionHandshake) ([]byte, error) {
	return bencode.Marshal(h)
}

func decodeExtensionHandshake(payload []byte) (*extensionHandshake, error) {
	var h extensionHandshake
	if err := bencode.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("decode extension handshake: %s", err)
	}
	return &h, nil
}

// utMetadataMessage is the bencoded dict preceding a ut_metadata message's
// raw piece bytes (present only on a "data" message).
type utMetadataMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

func encodeUtMetadataRequest(piece int) []byte {
	b, err := bencode.Marshal(&utMetadataMessage{MsgType: utMetadataRequest, Piece: piece})
	if err != nil {
		// utMetadataMessage only contains ints, which always marshal.
		panic(err)
	}
	return b
}

// splitUtMetadataPayload separates a ut_metadata message's bencoded header
// dict from the raw block bytes that may follow it (present only on a
// "data" message). The header dict is self-delimiting, so the split point
// is found by scanning its bencode structure rather than by length-prefixing
// the trailing bytes, per BEP 9.
func splitUtMetadataPayload(payload []byte) (msg *utMetadataMessage, block []byte, err error) {
	end, err := scanBencodeValue(payload, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("scan header dict: %s", err)
	}
	var m utMetadataMessage
	if err := bencode.Unmarshal(payload[:end], &m); err != nil {
		return nil, nil, fmt.Errorf("decode header dict: %s", err)
	}
	return &m, payload[end:], nil
}

// scanBencodeValue returns the index immediately following the bencode
// value beginning at b[i], without fully decoding it. Used to find where a
// ut_metadata message's header dict ends and its raw trailing block begins.
func scanBencodeValue(b []byte, i int) (int, error) {
	if i >= len(b) {
		return 0, errors.New("unexpected end of bencode value")
	}
	switch {
	case b[i] == 'i':
		j := i + 1
		for j < len(b) && b[j] != 'e' {
			j++
		}
		if j >= len(b) {
			return 0, errors.New("truncated bencode integer")
		}
		return j + 1, nil
	case b[i] == 'd' || b[i] == 'l':
		j := i + 1
		for j < len(b) && b[j] != 'e' {
			next, err := scanBencodeValue(b, j)
			if err != nil {
				return 0, err
			}
			j = next
		}
		if j >= len(b) {
			return 0, errors.New("truncated bencode container")
		}
		return j + 1, nil
	case b[i] >= '0' && b[i] <= '9':
		j := i
		for j < len(b) && b[j] != ':' {
			j++
		}
		if j >= len(b) {
			return 0, errors.New("truncated bencode string length")
		}
		n, err := strconv.Atoi(string(b[i:j]))
		if err != nil {
			return 0, fmt.Errorf("bad bencode string length: %s", err)
		}
		end := j + 1 + n
		if end > len(b) {
			return 0, errors.New("truncated bencode string")
		}
		return end, nil
	default:
		return 0, fmt.Errorf("unexpected bencode tag byte %q", b[i])
	}
}
