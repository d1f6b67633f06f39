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

// Package statefile implements the versioned on-disk resume record: one
// file per torrent holding the local bitfield and uploaded counter behind
// header/footer CRC32 checks, with a sparse or dense bitfield encoding and
// migration from the legacy raw-bitfield format.
package statefile

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/ioutil"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub000/bitfield"
)

var magic = [4]byte{'D', 'T', 'S', 'F'}

const formatVersion = 1

// headerSize is the fixed 72-byte header: 68 bytes of fields followed by a
// 4-byte CRC32 over them.
const headerSize = 72
const headerCRCSize = 68

const (
	flagCompressed byte = 1 << 0
	flagSparse     byte = 1 << 1
)

// ErrCorrupt is returned when a state file fails a CRC check.
var ErrCorrupt = errors.New("statefile: corrupt")

// FilePriority is one (file index, priority) resume-state entry.
type FilePriority struct {
	FileIndex int
	Priority  uint8
}

// StateFile is the mutable, durable resume record for one torrent.
type StateFile struct {
	path string

	infoHash    [20]byte
	numPieces   int
	pieceLength int64
	totalLength int64

	uploaded     uint64
	lastModified time.Time

	bf         *bitfield.Bitfield
	sparse     bool // current on-disk encoding, for hysteresis
	priorities []FilePriority
}

// sparseThresholdEnter is the completed-piece fraction at or above which a
// sparse-encoded state file switches to dense on the next Flush.
const sparseThresholdEnter = 0.12

// sparseThresholdExit is the fraction at or below which a dense-encoded
// state file switches back to sparse. The gap to sparseThresholdEnter is
// the hysteresis band that prevents flapping near the boundary.
const sparseThresholdExit = 0.08

// gzipMinSize is the minimum uncompressed dense bitfield size before gzip is
// even attempted.
const gzipMinSize = 1024

// New creates a fresh, all-zero StateFile for a torrent with no existing
// resume record.
func New(path string, infoHash [20]byte, numPieces int, pieceLength, totalLength int64) *StateFile {
	return &StateFile{
		path:         path,
		infoHash:     infoHash,
		numPieces:    numPieces,
		pieceLength:  pieceLength,
		totalLength:  totalLength,
		bf:           bitfield.New(numPieces),
		sparse:       true,
		lastModified: time.Unix(0, 0),
	}
}

// Open reads an existing state file at path, migrating it in place if it is
// in the legacy raw-bitfield format. Returns ErrCorrupt if a CRC check
// fails; callers fall back to New in that case if resume validation allows
// starting over.
func Open(path string, infoHash [20]byte, numPieces int, pieceLength, totalLength int64) (*StateFile, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) >= 4 && bytes.Equal(data[:4], magic[:]) {
		return parse(path, data, numPieces)
	}
	return migrateLegacy(path, data, infoHash, numPieces, pieceLength, totalLength)
}

// Bitfield returns a snapshot copy of the current local bitfield.
func (sf *StateFile) Bitfield() *bitfield.Bitfield {
	return sf.bf.Clone()
}

// Uploaded returns the uploaded byte counter.
func (sf *StateFile) Uploaded() uint64 {
	return sf.uploaded
}

// FilePriorities returns the resume-state file priority entries.
func (sf *StateFile) FilePriorities() []FilePriority {
	out := make([]FilePriority, len(sf.priorities))
	copy(out, sf.priorities)
	return out
}

// SetFilePriorities replaces the file priority entries, written out on the
// next Flush.
func (sf *StateFile) SetFilePriorities(p []FilePriority) {
	sf.priorities = append([]FilePriority(nil), p...)
}

// UpdateBitfield sets piece i's have-bit and flushes the file. A no-op
// (i, have) pair (already matching the current bit) skips the flush.
func (sf *StateFile) UpdateBitfield(i int, have bool) error {
	if sf.bf.Get(i) == have {
		return nil
	}
	sf.bf.Set(i, have)
	return sf.Flush()
}

// UpdateUploaded sets the uploaded counter and flushes the file.
func (sf *StateFile) UpdateUploaded(n uint64) error {
	sf.uploaded = n
	return sf.Flush()
}

// Touch stamps the last-modified time used in the next Flush's header.
func (sf *StateFile) Touch(now time.Time) {
	sf.lastModified = now
}

// Flush rewrites the full state file: header, bitfield section, file
// priority section, footer. Chooses sparse vs dense bitfield encoding with
// hysteresis around the completed-piece fraction.
func (sf *StateFile) Flush() error {
	frac := float64(sf.bf.Popcount()) / float64(maxInt(sf.numPieces, 1))
	if sf.sparse && frac >= sparseThresholdEnter {
		sf.sparse = false
	} else if !sf.sparse && frac <= sparseThresholdExit {
		sf.sparse = true
	}

	bitfieldPayload, compressed := sf.encodeBitfieldPayload()
	bitfieldCRC := crc32.ChecksumIEEE(bitfieldPayload)

	var buf bytes.Buffer
	buf.Write(sf.encodeHeader(compressed))
	writeSection(&buf, bitfieldPayload)
	writeSection(&buf, sf.encodePriorities())

	var footer [12]byte
	binary.LittleEndian.PutUint64(footer[0:8], sf.uploaded)
	binary.LittleEndian.PutUint32(footer[8:12], bitfieldCRC)
	buf.Write(footer[:])

	return ioutil.WriteFile(sf.path, buf.Bytes(), 0644)
}

// writeSection appends a 4-byte little-endian length prefix followed by
// payload, so every section's boundary is self-describing regardless of
// its encoding.
func writeSection(buf *bytes.Buffer, payload []byte) {
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	buf.Write(lenBytes[:])
	buf.Write(payload)
}

func readSection(data []byte) (payload, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrCorrupt
	}
	n := int(binary.LittleEndian.Uint32(data[0:4]))
	if n < 0 || 4+n > len(data) {
		return nil, nil, ErrCorrupt
	}
	return data[4 : 4+n], data[4+n:], nil
}

func (sf *StateFile) encodeHeader(compressed bool) []byte {
	h := make([]byte, headerCRCSize)
	copy(h[0:4], magic[:])
	binary.LittleEndian.PutUint32(h[4:8], formatVersion)
	copy(h[8:28], sf.infoHash[:])
	binary.LittleEndian.PutUint32(h[28:32], uint32(sf.numPieces))
	binary.LittleEndian.PutUint64(h[32:40], uint64(sf.pieceLength))
	binary.LittleEndian.PutUint64(h[40:48], uint64(sf.totalLength))
	binary.LittleEndian.PutUint64(h[48:56], sf.uploaded)
	binary.LittleEndian.PutUint64(h[56:64], uint64(sf.lastModified.Unix()))
	var flags byte
	if sf.sparse {
		flags |= flagSparse
	}
	if compressed {
		flags |= flagCompressed
	}
	h[64] = flags
	h[65] = gzip.DefaultCompression & 0xff
	// h[66:68] reserved, left zero.

	crc := crc32.ChecksumIEEE(h)
	full := make([]byte, headerSize)
	copy(full, h)
	binary.LittleEndian.PutUint32(full[headerCRCSize:headerSize], crc)
	return full
}

// encodeBitfieldPayload returns the bitfield section payload and whether it
// is gzip-compressed. Sparse is a list of set piece indices. Dense is
// gzipped only when doing so is strictly smaller and the uncompressed form
// exceeds gzipMinSize.
func (sf *StateFile) encodeBitfieldPayload() ([]byte, bool) {
	if sf.sparse {
		indices := sf.bf.SetIndices()
		b := make([]byte, 4*len(indices))
		for i, idx := range indices {
			binary.LittleEndian.PutUint32(b[4*i:4*i+4], uint32(idx))
		}
		return b, false
	}

	dense := sf.bf.Bytes()
	if len(dense) <= gzipMinSize {
		return dense, false
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(dense)
	_ = w.Close()
	if buf.Len() < len(dense) {
		return buf.Bytes(), true
	}
	return dense, false
}

func (sf *StateFile) encodePriorities() []byte {
	b := make([]byte, 4+5*len(sf.priorities))
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(sf.priorities)))
	for i, p := range sf.priorities {
		off := 4 + 5*i
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(p.FileIndex))
		b[off+4] = p.Priority
	}
	return b
}

func parse(path string, data []byte, numPieces int) (*StateFile, error) {
	if len(data) < headerSize {
		return nil, ErrCorrupt
	}
	header := data[:headerSize]
	if crc32.ChecksumIEEE(header[:headerCRCSize]) != binary.LittleEndian.Uint32(header[headerCRCSize:headerSize]) {
		return nil, ErrCorrupt
	}

	sf := &StateFile{path: path}
	copy(sf.infoHash[:], header[8:28])
	sf.numPieces = int(binary.LittleEndian.Uint32(header[28:32]))
	sf.pieceLength = int64(binary.LittleEndian.Uint64(header[32:40]))
	sf.totalLength = int64(binary.LittleEndian.Uint64(header[40:48]))
	sf.lastModified = time.Unix(int64(binary.LittleEndian.Uint64(header[56:64])), 0)
	flags := header[64]
	sf.sparse = flags&flagSparse != 0
	compressed := flags&flagCompressed != 0

	body := data[headerSize:]
	bitfieldPayload, body, err := readSection(body)
	if err != nil {
		return nil, err
	}
	priorityPayload, body, err := readSection(body)
	if err != nil {
		return nil, err
	}
	if len(body) != 12 {
		return nil, ErrCorrupt
	}
	uploaded := binary.LittleEndian.Uint64(body[0:8])
	bitfieldCRC := binary.LittleEndian.Uint32(body[8:12])
	if crc32.ChecksumIEEE(bitfieldPayload) != bitfieldCRC {
		return nil, ErrCorrupt
	}
	sf.uploaded = uploaded

	effectiveNumPieces := sf.numPieces
	if numPieces > 0 {
		effectiveNumPieces = numPieces
	}
	bf, err := decodeBitfieldPayload(bitfieldPayload, effectiveNumPieces, sf.sparse, compressed)
	if err != nil {
		return nil, ErrCorrupt
	}
	sf.bf = bf

	priorities, err := decodePriorities(priorityPayload)
	if err != nil {
		return nil, ErrCorrupt
	}
	sf.priorities = priorities

	return sf, nil
}

func decodeBitfieldPayload(payload []byte, numPieces int, sparse, compressed bool) (*bitfield.Bitfield, error) {
	if sparse {
		if len(payload)%4 != 0 {
			return nil, ErrCorrupt
		}
		bf := bitfield.New(numPieces)
		for off := 0; off < len(payload); off += 4 {
			idx := int(binary.LittleEndian.Uint32(payload[off : off+4]))
			if idx < 0 || idx >= numPieces {
				return nil, ErrCorrupt
			}
			bf.Set(idx, true)
		}
		return bf, nil
	}

	dense := payload
	if compressed {
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		var err2 error
		dense, err2 = ioutil.ReadAll(r)
		if err2 != nil {
			return nil, err2
		}
	}
	return bitfield.FromBytes(numPieces, dense)
}

func decodePriorities(payload []byte) ([]FilePriority, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if len(payload) < 4 {
		return nil, ErrCorrupt
	}
	count := int(binary.LittleEndian.Uint32(payload[0:4]))
	priorities := make([]FilePriority, 0, count)
	for i := 0; i < count; i++ {
		off := 4 + 5*i
		if off+5 > len(payload) {
			return nil, ErrCorrupt
		}
		priorities = append(priorities, FilePriority{
			FileIndex: int(binary.LittleEndian.Uint32(payload[off : off+4])),
			Priority:  payload[off+4],
		})
	}
	return priorities, nil
}

// migrateLegacy converts the pre-header format (raw dense bitfield bytes
// followed by an 8-byte little-endian uploaded counter) into the current
// header-framed format, writing it back in place.
func migrateLegacy(path string, data []byte, infoHash [20]byte, numPieces int, pieceLength, totalLength int64) (*StateFile, error) {
	want := (numPieces+7)/8 + 8
	if len(data) != want {
		return nil, fmt.Errorf("%w: legacy data length %d, expected %d", ErrCorrupt, len(data), want)
	}
	bitfieldBytes := data[:len(data)-8]
	uploaded := binary.LittleEndian.Uint64(data[len(data)-8:])

	bf, err := bitfield.FromBytes(numPieces, bitfieldBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: legacy bitfield: %s", ErrCorrupt, err)
	}

	sf := &StateFile{
		path:        path,
		infoHash:    infoHash,
		numPieces:   numPieces,
		pieceLength: pieceLength,
		totalLength: totalLength,
		uploaded:    uploaded,
		bf:          bf,
		sparse:      true,
	}
	if err := sf.Flush(); err != nil {
		return nil, fmt.Errorf("statefile: migrate flush: %s", err)
	}
	return sf, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
