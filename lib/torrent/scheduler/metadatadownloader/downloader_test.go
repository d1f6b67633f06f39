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
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/bencode"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/conn"
	"github.com/atlet99/dtorrent-task-v2-sub000/magnet"
)

type fakePeerConn struct {
	recv chan *conn.Message
	sent chan *conn.Message
}

func newFakePeerConn() *fakePeerConn {
	return &fakePeerConn{
		recv: make(chan *conn.Message, 64),
		sent: make(chan *conn.Message, 64),
	}
}

func (f *fakePeerConn) Send(msg *conn.Message) error {
	f.sent <- msg
	return nil
}

func (f *fakePeerConn) Receiver() <-chan *conn.Message { return f.recv }

func (f *fakePeerConn) Close() {}

// servePeer plays the role of a real peer on the other end of f: it answers
// our extension handshake and any number of ut_metadata requests against
// info, the raw bencoded info dict being served.
func servePeer(t *testing.T, f *fakePeerConn, peerUtMetadataID int, info []byte) {
	go func() {
		for msg := range f.sent {
			require.Equal(t, conn.MsgExtended, msg.Type)
			if msg.ExtendedID == 0 {
				var hs extensionHandshake
				require.NoError(t, bencode.Unmarshal(msg.ExtendedPayload, &hs))
				require.Equal(t, localUtMetadataID, hs.M[utMetadataName])
				reply, err := encodeExtensionHandshake(&extensionHandshake{
					M:            map[string]int{utMetadataName: peerUtMetadataID},
					MetadataSize: len(info),
				})
				require.NoError(t, err)
				f.recv <- &conn.Message{Type: conn.MsgExtended, ExtendedID: 0, ExtendedPayload: reply}
				continue
			}
			require.Equal(t, peerUtMetadataID, int(msg.ExtendedID))
			req, _, err := splitUtMetadataPayload(msg.ExtendedPayload)
			require.NoError(t, err)
			require.Equal(t, utMetadataRequest, req.MsgType)

			start := req.Piece * metadataPieceSize
			stop := start + metadataPieceSize
			if stop > len(info) {
				stop = len(info)
			}
			header, err := bencode.Marshal(&utMetadataMessage{
				MsgType:   utMetadataData,
				Piece:     req.Piece,
				TotalSize: len(info),
			})
			require.NoError(t, err)
			payload := append(header, info[start:stop]...)
			f.recv <- &conn.Message{
				Type:            conn.MsgExtended,
				ExtendedID:      localUtMetadataID,
				ExtendedPayload: payload,
			}
		}
	}()
}

func infoDictFixture(t *testing.T, name string, length int64) []byte {
	const pieceLength = 256 * 1024
	numPieces := int((length + pieceLength - 1) / pieceLength)
	pieces := make([]byte, 0, 20*numPieces)
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, h[:]...)
	}
	info := map[string]interface{}{
		"name":         name,
		"piece length": int64(pieceLength),
		"pieces":       string(pieces),
		"length":       length,
	}
	b, err := bencode.Marshal(info)
	require.NoError(t, err)
	return b
}

func linkFixture(raw []byte) *magnet.Link {
	h := sha1.Sum(raw)
	return &magnet.Link{
		InfoHash: core.NewV1InfoHash(h),
		Trackers: []string{"http://tracker.example.com/announce"},
	}
}

func testConfig() Config {
	return Config{
		ExtensionHandshakeTimeout: time.Second,
		PieceRequestTimeout:       time.Second,
		MaxAttempts:               1,
	}
}

func TestDownloaderSinglePeerSinglePiece(t *testing.T) {
	info := infoDictFixture(t, "foo.txt", 100)
	link := linkFixture(info)

	f := newFakePeerConn()
	servePeer(t, f, 3, info)

	dl := New(testConfig(), clock.New(), nil, zap.NewNop().Sugar())
	mi, err := dl.Download(link, []PeerConn{f})
	require.NoError(t, err)
	require.Equal(t, "foo.txt", mi.Info.Name)
	require.Equal(t, int64(100), mi.Info.Length)
	require.True(t, mi.InfoHash.Equal(link.InfoHash))
}

func TestDownloaderMultiplePeersMultiplePieces(t *testing.T) {
	// Large enough name padding to push the info dict past two 16 KiB
	// ut_metadata pieces.
	info := infoDictFixture(t, string(bytes.Repeat([]byte("a"), 40*1024)), 5_000_000)
	require.Greater(t, len(info), 2*metadataPieceSize)
	link := linkFixture(info)

	f1 := newFakePeerConn()
	f2 := newFakePeerConn()
	servePeer(t, f1, 5, info)
	servePeer(t, f2, 7, info)

	dl := New(testConfig(), clock.New(), nil, zap.NewNop().Sugar())
	mi, err := dl.Download(link, []PeerConn{f1, f2})
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000), mi.Info.Length)
}

func TestDownloaderHashMismatch(t *testing.T) {
	info := infoDictFixture(t, "foo.txt", 100)
	link := linkFixture(info)
	// Tamper with the served bytes so the downloaded content no longer
	// hashes to link.InfoHash.
	tampered := append([]byte(nil), info...)
	tampered[0] = 'X'

	f := newFakePeerConn()
	servePeer(t, f, 3, tampered)

	dl := New(testConfig(), clock.New(), nil, zap.NewNop().Sugar())
	_, err := dl.Download(link, []PeerConn{f})
	require.Error(t, err)
}

func TestDownloaderNoPeers(t *testing.T) {
	dl := New(testConfig(), clock.New(), nil, zap.NewNop().Sugar())
	_, err := dl.Download(&magnet.Link{}, nil)
	require.Equal(t, ErrNoPeers, err)
}

func TestScanBencodeValue(t *testing.T) {
	tests := []struct {
		name string
		in   string
		end  int
	}{
		{"integer", "i42e", 4},
		{"string", "4:spam", 6},
		{"empty dict", "de", 2},
		{"nested dict", "d3:fooi1ee", 10},
		{"dict with trailing data", "d3:fooi1eerest", 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			end, err := scanBencodeValue([]byte(tc.in), 0)
			require.NoError(t, err)
			require.Equal(t, tc.end, end)
		})
	}
}
