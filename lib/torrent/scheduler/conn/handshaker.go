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
package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/networkevent"
	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage"
	"github.com/atlet99/dtorrent-task-v2-sub000/utils/bandwidth"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// pstr is the protocol string identifying BitTorrent's wire protocol, per
// BEP 3. Its length is transmitted as a single byte ahead of it.
const pstr = "BitTorrent protocol"

const handshakeSize = 1 + len(pstr) + 8 + 20 + 20

// reserved bit flags, set in byte 7 (the last reserved byte) and byte 5,
// matching the de facto convention used by mainline and libtorrent clients.
const (
	reservedExtensionProtocol = 1 << 4 // byte 5, bit 0x10: BEP 10.
	reservedFastExtension     = 1 << 2 // byte 7, bit 0x04: BEP 6.
)

// handshake is the decoded form of a peer's 68-byte BEP 3 handshake.
type handshake struct {
	reserved [8]byte
	infoHash core.InfoHash
	peerID   core.PeerID
}

func (h *handshake) supportsExtensionProtocol() bool {
	return h.reserved[5]&reservedExtensionProtocol != 0
}

func (h *handshake) supportsFastExtension() bool {
	return h.reserved[7]&reservedFastExtension != 0
}

func newReserved() [8]byte {
	var r [8]byte
	r[5] |= reservedExtensionProtocol
	r[7] |= reservedFastExtension
	return r
}

func writeHandshake(nc net.Conn, peerID core.PeerID, infoHash core.InfoHash) error {
	buf := make([]byte, 0, handshakeSize)
	buf = append(buf, byte(len(pstr)))
	buf = append(buf, pstr...)
	reserved := newReserved()
	buf = append(buf, reserved[:]...)
	ihBytes := infoHash.Handshake()
	buf = append(buf, ihBytes[:]...)
	buf = append(buf, peerID[:]...)
	_, err := nc.Write(buf)
	return err
}

func readHandshakeBytes(nc net.Conn) (*handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(nc, lenByte[:]); err != nil {
		return nil, fmt.Errorf("read pstrlen: %s", err)
	}
	if int(lenByte[0]) != len(pstr) {
		return nil, fmt.Errorf("unexpected pstrlen %d", lenByte[0])
	}
	rest := make([]byte, len(pstr)+8+20+20)
	if _, err := io.ReadFull(nc, rest); err != nil {
		return nil, fmt.Errorf("read handshake body: %s", err)
	}
	if string(rest[:len(pstr)]) != pstr {
		return nil, errors.New("unexpected protocol string")
	}
	off := len(pstr)
	var hs handshake
	copy(hs.reserved[:], rest[off:off+8])
	off += 8
	ih, err := core.NewInfoHashFromHandshake(rest[off : off+20])
	if err != nil {
		return nil, fmt.Errorf("info hash: %s", err)
	}
	hs.infoHash = ih
	off += 20
	copy(hs.peerID[:], rest[off:off+20])
	return &hs, nil
}

// PendingConn represents a half-opened connection, accepted from a remote
// peer, whose handshake has been read but not yet answered.
type PendingConn struct {
	handshake *handshake
	nc        net.Conn
}

// PeerID returns the remote peer id.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.handshake.peerID
}

// InfoHash returns the info hash the remote peer wants to open.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.handshake.infoHash
}

// SupportsFastExtension reports whether the remote peer advertised BEP 6.
func (pc *PendingConn) SupportsFastExtension() bool {
	return pc.handshake.supportsFastExtension()
}

// Close closes the underlying connection.
func (pc *PendingConn) Close() {
	pc.nc.Close()
}

// HandshakeResult wraps data returned from a successful handshake.
type HandshakeResult struct {
	Conn     *Conn
	Bitfield *bitfield.Bitfield
}

// Handshaker establishes connections to other peers by exchanging the BEP 3
// handshake, followed by an immediate bitfield message.
type Handshaker struct {
	config        Config
	stats         tally.Scope
	clk           clock.Clock
	bandwidth     *bandwidth.Limiter
	networkEvents networkevent.Producer
	peerID        core.PeerID
	events        Events
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	networkEvents networkevent.Producer,
	peerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "conn",
	})

	bl, err := bandwidth.NewLimiter(config.Bandwidth, bandwidth.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %s", err)
	}

	return &Handshaker{
		config:        config,
		stats:         stats,
		clk:           clk,
		bandwidth:     bl,
		networkEvents: networkEvents,
		peerID:        peerID,
		events:        events,
	}, nil
}

// Accept upgrades a raw network connection opened by a remote peer into a
// PendingConn, after reading (but not yet answering) its handshake.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	hs, err := readHandshakeBytes(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %s", err)
	}
	return &PendingConn{hs, nc}, nil
}

// Establish completes the handshake for a connection accepted via Accept,
// sending our own handshake and bitfield, then reading the remote peer's
// bitfield.
func (h *Handshaker) Establish(pc *PendingConn, info *storage.TorrentInfo) (*HandshakeResult, error) {
	if err := pc.nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	if err := writeHandshake(pc.nc, h.peerID, info.InfoHash()); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	if err := writeMessageWithTimeout(pc.nc, NewBitfieldMessage(info.Bitfield()), h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("write bitfield: %s", err)
	}
	bf, err := readRemoteBitfield(pc.nc, info.NumPieces(), h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read remote bitfield: %s", err)
	}
	if err := pc.nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %s", err)
	}
	c, err := h.newConn(pc.nc, pc.handshake.peerID, info, true)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return &HandshakeResult{c, bf}, nil
}

// Initialize dials addr and performs a full handshake for info, expecting
// peerID to answer.
func (h *Handshaker) Initialize(
	peerID core.PeerID,
	addr string,
	info *storage.TorrentInfo) (*HandshakeResult, error) {

	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	r, err := h.fullHandshake(nc, peerID, info)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return r, nil
}

func readRemoteBitfield(nc net.Conn, numPieces int, timeout time.Duration) (*bitfield.Bitfield, error) {
	m, err := readMessageWithTimeout(nc, timeout)
	if err != nil {
		return nil, fmt.Errorf("read message: %s", err)
	}
	switch m.Type {
	case MsgBitfield:
		bf, err := bitfield.FromBytes(numPieces, m.Block)
		if err != nil {
			return nil, fmt.Errorf("decode bitfield: %s", err)
		}
		return bf, nil
	case MsgHaveAll:
		bf := bitfield.New(numPieces)
		bf.SetAll(true)
		return bf, nil
	case MsgHaveNone:
		return bitfield.New(numPieces), nil
	default:
		return nil, fmt.Errorf("expected bitfield/have_all/have_none, got %s", m.Type)
	}
}

func (h *Handshaker) fullHandshake(
	nc net.Conn,
	peerID core.PeerID,
	info *storage.TorrentInfo) (*HandshakeResult, error) {

	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	if err := writeHandshake(nc, h.peerID, info.InfoHash()); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	hs, err := readHandshakeBytes(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if hs.peerID != peerID {
		return nil, errors.New("unexpected peer id")
	}
	if err := writeMessageWithTimeout(nc, NewBitfieldMessage(info.Bitfield()), h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("write bitfield: %s", err)
	}
	bf, err := readRemoteBitfield(nc, info.NumPieces(), h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read remote bitfield: %s", err)
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %s", err)
	}
	c, err := h.newConn(nc, peerID, info, false)
	if err != nil {
		return nil, fmt.Errorf("new conn: %s", err)
	}
	return &HandshakeResult{c, bf}, nil
}

// MetadataConn is a minimal, piece-count-agnostic connection used to
// exchange BEP 10 extension messages (ut_metadata) with a peer before any
// info dict - and therefore no piece count or bitfield - is known. It skips
// the bitfield exchange Establish/Initialize perform, since there is nothing
// to exchange yet.
type MetadataConn struct {
	nc        net.Conn
	peerID    core.PeerID
	receiver  chan *Message
	done      chan struct{}
	closeOnce sync.Once
}

// Send writes msg to the peer.
func (mc *MetadataConn) Send(msg *Message) error {
	return writeMessage(mc.nc, msg)
}

// Receiver returns the channel on which messages read from the peer are
// delivered.
func (mc *MetadataConn) Receiver() <-chan *Message {
	return mc.receiver
}

// Close tears down the connection.
func (mc *MetadataConn) Close() {
	mc.closeOnce.Do(func() {
		close(mc.done)
		mc.nc.Close()
	})
}

func (mc *MetadataConn) readLoop() {
	defer close(mc.receiver)
	for {
		msg, err := readMessage(mc.nc)
		if err != nil {
			return
		}
		select {
		case mc.receiver <- msg:
		case <-mc.done:
			return
		}
	}
}

// InitializeForMetadata dials addr and performs a bare BEP 3 handshake,
// without exchanging a bitfield, for use by the metadata acquisition state
// machine before any info dict (and thus any piece count) is known. The
// remote peer must identify itself as peerID and advertise support for the
// BEP 10 extension protocol.
func (h *Handshaker) InitializeForMetadata(
	peerID core.PeerID,
	addr string,
	infoHash core.InfoHash) (*MetadataConn, error) {

	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	mc, err := h.establishMetadataConn(nc, peerID, infoHash)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return mc, nil
}

func (h *Handshaker) establishMetadataConn(
	nc net.Conn,
	peerID core.PeerID,
	infoHash core.InfoHash) (*MetadataConn, error) {

	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	if err := writeHandshake(nc, h.peerID, infoHash); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	hs, err := readHandshakeBytes(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if hs.peerID != peerID {
		return nil, errors.New("unexpected peer id")
	}
	if !hs.supportsExtensionProtocol() {
		return nil, errors.New("peer does not support the extension protocol")
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %s", err)
	}
	mc := &MetadataConn{
		nc:       nc,
		peerID:   peerID,
		receiver: make(chan *Message, 10),
		done:     make(chan struct{}),
	}
	go mc.readLoop()
	return mc, nil
}

func (h *Handshaker) newConn(
	nc net.Conn,
	peerID core.PeerID,
	info *storage.TorrentInfo,
	openedByRemote bool) (*Conn, error) {

	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.networkEvents,
		h.bandwidth,
		h.events,
		nc,
		h.peerID,
		peerID,
		info,
		openedByRemote,
		zap.NewNop().Sugar())
}
