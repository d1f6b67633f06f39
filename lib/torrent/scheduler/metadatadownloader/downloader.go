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
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/scheduler/conn"
	"github.com/atlet99/dtorrent-task-v2-sub000/magnet"
)

// ErrHashMismatch is returned when the fully downloaded metadata does not
// hash to the magnet's info hash.
var ErrHashMismatch = errors.New("metadata download: info hash mismatch")

// ErrNoPeers is returned when Download is given no peer connections.
var ErrNoPeers = errors.New("metadata download: no peers")

// maxPieceAttemptsPerPiece, multiplied by the number of metadata pieces,
// bounds how many total piece request/response rounds a single download
// attempt will run before giving up, guarding against a swarm of
// uncooperative peers spinning the round-robin forever.
const maxPieceAttemptsPerPiece = 5

// PeerConn defines the subset of conn.Conn / conn.MetadataConn a Downloader
// needs to exchange extension messages with one peer. *conn.MetadataConn
// and *conn.Conn both satisfy it.
type PeerConn interface {
	Send(msg *conn.Message) error
	Receiver() <-chan *conn.Message
	Close()
}

// Events defines Downloader events.
type Events interface {
	// MetaDataDownloadComplete is called once h's info dict has been fully
	// downloaded, verified, and parsed.
	MetaDataDownloadComplete(h core.InfoHash, mi *core.MetaInfo)
}

// Downloader implements BEP 9: downloading a torrent's info dict piecewise
// from peers discovered via a magnet URI, round-robin across all of them
// with re-request on timeout, before any normal piece transfer can begin.
type Downloader struct {
	config Config
	clk    clock.Clock
	events Events
	logger *zap.SugaredLogger
}

// New creates a new Downloader.
func New(config Config, clk clock.Clock, events Events, logger *zap.SugaredLogger) *Downloader {
	return &Downloader{
		config: config.applyDefaults(),
		clk:    clk,
		events: events,
		logger: logger,
	}
}

type metadataPeer struct {
	conn         PeerConn
	utMetadataID int
	metadataSize int
}

// Download fetches, verifies, and parses link's info dict over peers, each
// of which must already be past the BEP 3 handshake (e.g. via
// conn.Handshaker.InitializeForMetadata). Download closes every conn in
// peers before returning, win or lose.
func (d *Downloader) Download(link *magnet.Link, peers []PeerConn) (*core.MetaInfo, error) {
	defer func() {
		for _, p := range peers {
			p.Close()
		}
	}()
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	var lastErr error
	for attempt := 0; attempt < d.config.MaxAttempts; attempt++ {
		mi, err := d.download(link, peers)
		if err == nil {
			if d.events != nil {
				d.events.MetaDataDownloadComplete(link.InfoHash, mi)
			}
			return mi, nil
		}
		d.logger.Warnf("Metadata download attempt %d/%d for %s failed: %s",
			attempt+1, d.config.MaxAttempts, link.InfoHash, err)
		lastErr = err
	}
	return nil, fmt.Errorf(
		"metadata download: exhausted %d attempts: %s", d.config.MaxAttempts, lastErr)
}

func (d *Downloader) download(link *magnet.Link, peers []PeerConn) (*core.MetaInfo, error) {
	usable, err := d.handshakeAll(peers)
	if err != nil {
		return nil, err
	}

	metadataSize := usable[0].metadataSize
	if metadataSize <= 0 {
		return nil, errors.New("peer did not advertise a metadata size")
	}
	numPieces := (metadataSize + metadataPieceSize - 1) / metadataPieceSize

	buf, err := d.fetchAllPieces(usable, numPieces, metadataSize)
	if err != nil {
		return nil, err
	}

	sum := sha1.Sum(buf)
	if !link.InfoHash.HasV1() || link.InfoHash.V1() != sum {
		return nil, ErrHashMismatch
	}

	return wrapInfoDict(buf, link)
}

// handshakeAll sends our extension handshake to every peer and returns the
// subset which replied with a valid ut_metadata advertisement.
func (d *Downloader) handshakeAll(peers []PeerConn) ([]*metadataPeer, error) {
	hs, err := encodeExtensionHandshake(ourExtensionHandshake())
	if err != nil {
		return nil, fmt.Errorf("encode extension handshake: %s", err)
	}

	var usable []*metadataPeer
	for _, c := range peers {
		p := &metadataPeer{conn: c}
		if err := c.Send(&conn.Message{
			Type:            conn.MsgExtended,
			ExtendedID:      0,
			ExtendedPayload: hs,
		}); err != nil {
			d.logger.Warnf("Send extension handshake: %s", err)
			continue
		}
		if err := d.awaitHandshake(p); err != nil {
			d.logger.Warnf("Await extension handshake: %s", err)
			continue
		}
		usable = append(usable, p)
	}
	if len(usable) == 0 {
		return nil, errors.New("no peers completed the extension handshake")
	}
	return usable, nil
}

// fetchAllPieces round-robins piece requests across peers, re-requesting
// from the next peer in rotation whenever a request fails or times out.
func (d *Downloader) fetchAllPieces(peers []*metadataPeer, numPieces, metadataSize int) ([]byte, error) {
	buf := make([]byte, metadataSize)
	received := make([]bool, numPieces)
	numReceived := 0

	queue := make([]int, numPieces)
	for i := range queue {
		queue[i] = i
	}

	peerIdx := 0
	rounds := 0
	maxRounds := numPieces * maxPieceAttemptsPerPiece
	for len(queue) > 0 {
		rounds++
		if rounds > maxRounds {
			return nil, fmt.Errorf(
				"gave up after %d rounds with %d/%d pieces received", rounds, numReceived, numPieces)
		}

		piece := queue[0]
		queue = queue[1:]
		if received[piece] {
			continue
		}

		p := peers[peerIdx%len(peers)]
		peerIdx++

		if err := p.conn.Send(&conn.Message{
			Type:            conn.MsgExtended,
			ExtendedID:      uint8(p.utMetadataID),
			ExtendedPayload: encodeUtMetadataRequest(piece),
		}); err != nil {
			d.logger.Warnf("Request metadata piece %d: %s", piece, err)
			queue = append(queue, piece)
			continue
		}

		n, data, err := d.awaitPiece(p)
		if err != nil {
			d.logger.Warnf("Await metadata piece %d: %s", piece, err)
			queue = append(queue, piece)
			continue
		}
		if received[n] {
			continue
		}
		copy(buf[n*metadataPieceSize:], data)
		received[n] = true
		numReceived++
	}

	return buf, nil
}

func (d *Downloader) awaitHandshake(p *metadataPeer) error {
	timeout := d.clk.After(d.config.ExtensionHandshakeTimeout)
	for {
		select {
		case msg, ok := <-p.conn.Receiver():
			if !ok {
				return errors.New("connection closed")
			}
			if msg.Type != conn.MsgExtended || msg.ExtendedID != 0 {
				continue
			}
			h, err := decodeExtensionHandshake(msg.ExtendedPayload)
			if err != nil {
				return err
			}
			id, ok := h.M[utMetadataName]
			if !ok {
				return errors.New("peer does not support ut_metadata")
			}
			p.utMetadataID = id
			p.metadataSize = h.MetadataSize
			return nil
		case <-timeout:
			return errors.New("timed out waiting for extension handshake")
		}
	}
}

func (d *Downloader) awaitPiece(p *metadataPeer) (int, []byte, error) {
	timeout := d.clk.After(d.config.PieceRequestTimeout)
	for {
		select {
		case msg, ok := <-p.conn.Receiver():
			if !ok {
				return 0, nil, errors.New("connection closed")
			}
			if msg.Type != conn.MsgExtended || msg.ExtendedID != localUtMetadataID {
				continue
			}
			m, block, err := splitUtMetadataPayload(msg.ExtendedPayload)
			if err != nil {
				return 0, nil, err
			}
			switch m.MsgType {
			case utMetadataData:
				return m.Piece, block, nil
			case utMetadataReject:
				return 0, nil, fmt.Errorf("peer rejected piece %d", m.Piece)
			default:
				return 0, nil, fmt.Errorf("unexpected ut_metadata msg_type %d", m.MsgType)
			}
		case <-timeout:
			return 0, nil, errors.New("timed out waiting for metadata piece")
		}
	}
}
