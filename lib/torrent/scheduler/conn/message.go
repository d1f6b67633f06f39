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
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
)

// MessageType is a BEP 3 / BEP 6 / BEP 10 / BEP 52 message id, sent as the
// single byte following a message's 4-byte length prefix.
type MessageType uint8

const (
	// Core BEP 3 messages.
	MsgChoke         MessageType = 0
	MsgUnchoke       MessageType = 1
	MsgInterested    MessageType = 2
	MsgNotInterested MessageType = 3
	MsgHave          MessageType = 4
	MsgBitfield      MessageType = 5
	MsgRequest       MessageType = 6
	MsgPiece         MessageType = 7
	MsgCancel        MessageType = 8
	MsgPort          MessageType = 9

	// BEP 6 (Fast Extension) messages.
	MsgSuggestPiece MessageType = 13
	MsgHaveAll      MessageType = 14
	MsgHaveNone     MessageType = 15
	MsgReject       MessageType = 16
	MsgAllowedFast  MessageType = 17

	// BEP 10 (Extension Protocol).
	MsgExtended MessageType = 20

	// BEP 52 (v2 hash exchange) messages.
	MsgHashRequest MessageType = 21
	MsgHashes      MessageType = 22
	MsgHashReject  MessageType = 23
)

func (t MessageType) String() string {
	switch t {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	case MsgSuggestPiece:
		return "suggest_piece"
	case MsgHaveAll:
		return "have_all"
	case MsgHaveNone:
		return "have_none"
	case MsgReject:
		return "reject"
	case MsgAllowedFast:
		return "allowed_fast"
	case MsgExtended:
		return "extended"
	case MsgHashRequest:
		return "hash_request"
	case MsgHashes:
		return "hashes"
	case MsgHashReject:
		return "hash_reject"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// maxMessageSize bounds a single message's length prefix, chosen to comfortably
// fit the largest block payload (16 KiB requests, in practice) plus framing
// overhead while rejecting a peer that tries to make us allocate unboundedly.
const maxMessageSize = 2 * 1024 * 1024

// Message is one post-handshake protocol message. Only the fields relevant
// to Type are populated; see the BEP 3/6/10/52 layouts in encodeMessageBody
// and decodeMessage below.
type Message struct {
	Type MessageType

	// Have, Request, Piece, Cancel, AllowedFast, SuggestPiece.
	Index int

	// Request, Piece, Cancel: byte offset within the piece.
	Begin int

	// Request, Cancel: requested length.
	Length int

	// Piece: the block payload.
	Block []byte

	// Bitfield.
	Bitfield *bitfield.Bitfield

	// Port.
	Port uint16

	// Extended: the extension message id (0 for the initial handshake dict)
	// and its raw bencoded payload.
	ExtendedID      uint8
	ExtendedPayload []byte

	// Reject: same addressing fields as Request/Cancel, reused per BEP 6
	// rather than duplicated.

	// HashRequest/Hashes/HashReject (BEP 52): identifies a file's piece
	// layer by Merkle root and the requested leaf-hash range.
	PiecesRoot  [32]byte
	BaseLayer   int
	Length2     int // number of hashes requested/returned
	ProofLayers int
	Hashes      [][32]byte
}

// keepAliveType is a sentinel Type value for a zero-length keep-alive, which
// has no message id byte on the wire.
const keepAliveType MessageType = 255

// IsKeepAlive reports whether msg is a keep-alive (zero-length message).
func (m *Message) IsKeepAlive() bool {
	return m.Type == keepAliveType
}

// KeepAliveMessage returns a keep-alive message.
func KeepAliveMessage() *Message {
	return &Message{Type: keepAliveType}
}

func writeMessage(nc net.Conn, msg *Message) error {
	var body []byte
	if !msg.IsKeepAlive() {
		body = append(body, byte(msg.Type))
		body = append(body, encodeMessageBody(msg)...)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := nc.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %s", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := nc.Write(body); err != nil {
		return fmt.Errorf("write body: %s", err)
	}
	return nil
}

func writeMessageWithTimeout(nc net.Conn, msg *Message, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return writeMessage(nc, msg)
}

func encodeMessageBody(msg *Message) []byte {
	switch msg.Type {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested, MsgHaveAll, MsgHaveNone:
		return nil
	case MsgHave, MsgSuggestPiece, MsgAllowedFast:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(msg.Index))
		return b[:]
	case MsgBitfield:
		return msg.Bitfield.Bytes()
	case MsgRequest, MsgCancel, MsgReject:
		var b [12]byte
		binary.BigEndian.PutUint32(b[0:4], uint32(msg.Index))
		binary.BigEndian.PutUint32(b[4:8], uint32(msg.Begin))
		binary.BigEndian.PutUint32(b[8:12], uint32(msg.Length))
		return b[:]
	case MsgPiece:
		b := make([]byte, 8+len(msg.Block))
		binary.BigEndian.PutUint32(b[0:4], uint32(msg.Index))
		binary.BigEndian.PutUint32(b[4:8], uint32(msg.Begin))
		copy(b[8:], msg.Block)
		return b
	case MsgPort:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], msg.Port)
		return b[:]
	case MsgExtended:
		b := make([]byte, 1+len(msg.ExtendedPayload))
		b[0] = msg.ExtendedID
		copy(b[1:], msg.ExtendedPayload)
		return b
	case MsgHashRequest, MsgHashReject:
		b := make([]byte, 32+16)
		copy(b[0:32], msg.PiecesRoot[:])
		binary.BigEndian.PutUint32(b[32:36], uint32(msg.BaseLayer))
		binary.BigEndian.PutUint32(b[36:40], uint32(msg.Index))
		binary.BigEndian.PutUint32(b[40:44], uint32(msg.Length2))
		binary.BigEndian.PutUint32(b[44:48], uint32(msg.ProofLayers))
		return b
	case MsgHashes:
		b := make([]byte, 32+16+32*len(msg.Hashes))
		copy(b[0:32], msg.PiecesRoot[:])
		binary.BigEndian.PutUint32(b[32:36], uint32(msg.BaseLayer))
		binary.BigEndian.PutUint32(b[36:40], uint32(msg.Index))
		binary.BigEndian.PutUint32(b[40:44], uint32(msg.Length2))
		binary.BigEndian.PutUint32(b[44:48], uint32(msg.ProofLayers))
		for i, h := range msg.Hashes {
			copy(b[48+32*i:48+32*(i+1)], h[:])
		}
		return b
	default:
		return nil
	}
}

func readMessage(nc net.Conn) (*Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(nc, lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %s", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n == 0 {
		return KeepAliveMessage(), nil
	}
	if uint64(n) > maxMessageSize {
		return nil, fmt.Errorf("message exceeds max size: %d > %d", n, maxMessageSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(nc, body); err != nil {
		return nil, fmt.Errorf("read body: %s", err)
	}
	return decodeMessage(MessageType(body[0]), body[1:])
}

func readMessageWithTimeout(nc net.Conn, timeout time.Duration) (*Message, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	return readMessage(nc)
}

func decodeMessage(t MessageType, payload []byte) (*Message, error) {
	msg := &Message{Type: t}
	switch t {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested, MsgHaveAll, MsgHaveNone:
		return msg, nil
	case MsgHave, MsgSuggestPiece, MsgAllowedFast:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%s: expected 4-byte payload, got %d", t, len(payload))
		}
		msg.Index = int(binary.BigEndian.Uint32(payload))
		return msg, nil
	case MsgBitfield:
		// Caller fills in the piece count, since a raw byte slice alone can't
		// distinguish padding bits from a short final byte; bitfield.FromBytes
		// requires it. Stash the raw bytes on Block for the caller to parse.
		msg.Block = payload
		return msg, nil
	case MsgRequest, MsgCancel, MsgReject:
		if len(payload) != 12 {
			return nil, fmt.Errorf("%s: expected 12-byte payload, got %d", t, len(payload))
		}
		msg.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		msg.Length = int(binary.BigEndian.Uint32(payload[8:12]))
		return msg, nil
	case MsgPiece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("piece: payload too short: %d", len(payload))
		}
		msg.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		msg.Block = payload[8:]
		return msg, nil
	case MsgPort:
		if len(payload) != 2 {
			return nil, fmt.Errorf("port: expected 2-byte payload, got %d", len(payload))
		}
		msg.Port = binary.BigEndian.Uint16(payload)
		return msg, nil
	case MsgExtended:
		if len(payload) < 1 {
			return nil, fmt.Errorf("extended: empty payload")
		}
		msg.ExtendedID = payload[0]
		msg.ExtendedPayload = payload[1:]
		return msg, nil
	case MsgHashRequest, MsgHashReject:
		if len(payload) != 48 {
			return nil, fmt.Errorf("%s: expected 48-byte payload, got %d", t, len(payload))
		}
		copy(msg.PiecesRoot[:], payload[0:32])
		msg.BaseLayer = int(binary.BigEndian.Uint32(payload[32:36]))
		msg.Index = int(binary.BigEndian.Uint32(payload[36:40]))
		msg.Length2 = int(binary.BigEndian.Uint32(payload[40:44]))
		msg.ProofLayers = int(binary.BigEndian.Uint32(payload[44:48]))
		return msg, nil
	case MsgHashes:
		if len(payload) < 48 || (len(payload)-48)%32 != 0 {
			return nil, fmt.Errorf("hashes: malformed payload of length %d", len(payload))
		}
		copy(msg.PiecesRoot[:], payload[0:32])
		msg.BaseLayer = int(binary.BigEndian.Uint32(payload[32:36]))
		msg.Index = int(binary.BigEndian.Uint32(payload[36:40]))
		msg.Length2 = int(binary.BigEndian.Uint32(payload[40:44]))
		msg.ProofLayers = int(binary.BigEndian.Uint32(payload[44:48]))
		n := (len(payload) - 48) / 32
		msg.Hashes = make([][32]byte, n)
		for i := 0; i < n; i++ {
			copy(msg.Hashes[i][:], payload[48+32*i:48+32*(i+1)])
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", t)
	}
}

// NewHaveMessage returns a Message announcing possession of piece.
func NewHaveMessage(piece int) *Message {
	return &Message{Type: MsgHave, Index: piece}
}

// NewBitfieldMessage returns a Message carrying bf.
func NewBitfieldMessage(bf *bitfield.Bitfield) *Message {
	return &Message{Type: MsgBitfield, Bitfield: bf}
}

// NewRequestMessage returns a Message requesting a block.
func NewRequestMessage(piece, begin, length int) *Message {
	return &Message{Type: MsgRequest, Index: piece, Begin: begin, Length: length}
}

// NewCancelMessage returns a Message cancelling a previously sent request.
func NewCancelMessage(piece, begin, length int) *Message {
	return &Message{Type: MsgCancel, Index: piece, Begin: begin, Length: length}
}

// NewPieceMessage returns a Message carrying a requested block.
func NewPieceMessage(piece, begin int, block []byte) *Message {
	return &Message{Type: MsgPiece, Index: piece, Begin: begin, Block: block}
}

// NewRejectMessage returns a Message rejecting a fast-extension request.
func NewRejectMessage(piece, begin, length int) *Message {
	return &Message{Type: MsgReject, Index: piece, Begin: begin, Length: length}
}

// NewAllowedFastMessage returns a Message granting allowed-fast status for piece.
func NewAllowedFastMessage(piece int) *Message {
	return &Message{Type: MsgAllowedFast, Index: piece}
}
