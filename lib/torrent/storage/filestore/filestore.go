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

// Package filestore implements DownloadFileManager: reading and writing
// byte ranges of a (possibly multi-file) torrent's content stream, mapping
// the flat piece/offset addressing of the wire protocol onto the right
// byte range of the right file on disk.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
)

// FileManager opens and caches file handles for every file in a torrent,
// and translates (piece, begin, length) ranges into the underlying
// ReadAt/WriteAt calls. Safe for concurrent use: writes to distinct files
// proceed in parallel; writes to the same file are serialized by the OS
// (ReadAt/WriteAt are safe for concurrent use on the same *os.File).
type FileManager struct {
	savePath    string
	pieceLength int64
	files       []core.FileEntry

	mu      sync.Mutex
	handles map[string]*os.File
}

// New creates a FileManager rooted at savePath for a torrent with the given
// piece length and file layout, creating (but not necessarily filling) every
// file's directory structure and preallocating its length.
func New(savePath string, pieceLength int64, files []core.FileEntry) (*FileManager, error) {
	fm := &FileManager{
		savePath:    savePath,
		pieceLength: pieceLength,
		files:       files,
		handles:     make(map[string]*os.File),
	}
	for _, f := range files {
		if err := fm.preallocate(f); err != nil {
			return nil, fmt.Errorf("preallocate %q: %s", f.JoinedPath(), err)
		}
	}
	return fm, nil
}

func (fm *FileManager) absPath(f core.FileEntry) string {
	return filepath.Join(fm.savePath, filepath.Join(f.Path...))
}

func (fm *FileManager) preallocate(f core.FileEntry) error {
	path := fm.absPath(f)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir: %s", err)
	}
	handle, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open: %s", err)
	}
	if err := handle.Truncate(f.Length); err != nil {
		handle.Close()
		return fmt.Errorf("truncate: %s", err)
	}
	return handle.Close()
}

// handle returns a cached, opened *os.File for f, opening it on first use.
func (fm *FileManager) handle(f core.FileEntry) (*os.File, error) {
	path := fm.absPath(f)

	fm.mu.Lock()
	defer fm.mu.Unlock()

	if h, ok := fm.handles[path]; ok {
		return h, nil
	}
	h, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fm.handles[path] = h
	return h, nil
}

// fileRange is the portion of one on-disk file that a [start, start+length)
// absolute-offset range overlaps.
type fileRange struct {
	file        core.FileEntry
	fileOffset  int64 // offset within the file
	bufOffset   int   // offset within the caller's buffer
	length      int64
}

// rangesFor maps an absolute [start, start+length) byte range of the
// torrent's concatenated content stream onto the files it overlaps.
func (fm *FileManager) rangesFor(start, length int64) []fileRange {
	end := start + length
	var ranges []fileRange
	var bufOffset int64
	for _, f := range fm.files {
		fStart := f.Offset
		fEnd := f.Offset + f.Length
		if fEnd <= start || fStart >= end {
			continue
		}
		overlapStart := max64(start, fStart)
		overlapEnd := min64(end, fEnd)
		if overlapStart >= overlapEnd {
			continue
		}
		ranges = append(ranges, fileRange{
			file:       f,
			fileOffset: overlapStart - fStart,
			bufOffset:  int(overlapStart - start),
			length:     overlapEnd - overlapStart,
		})
		bufOffset += overlapEnd - overlapStart
	}
	return ranges
}

// WriteAt writes data at the given absolute offset into the torrent's
// concatenated content stream, splitting across file boundaries as needed.
func (fm *FileManager) WriteAt(data []byte, offset int64) error {
	for _, r := range fm.rangesFor(offset, int64(len(data))) {
		h, err := fm.handle(r.file)
		if err != nil {
			return fmt.Errorf("open %q: %s", r.file.JoinedPath(), err)
		}
		chunk := data[r.bufOffset : int64(r.bufOffset)+r.length]
		if _, err := h.WriteAt(chunk, r.fileOffset); err != nil {
			return fmt.Errorf("write %q: %s", r.file.JoinedPath(), err)
		}
	}
	return nil
}

// ReadAt reads length bytes starting at the given absolute offset.
func (fm *FileManager) ReadAt(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	for _, r := range fm.rangesFor(offset, length) {
		h, err := fm.handle(r.file)
		if err != nil {
			return nil, fmt.Errorf("open %q: %s", r.file.JoinedPath(), err)
		}
		chunk := buf[r.bufOffset : int64(r.bufOffset)+r.length]
		if _, err := h.ReadAt(chunk, r.fileOffset); err != nil {
			return nil, fmt.Errorf("read %q: %s", r.file.JoinedPath(), err)
		}
	}
	return buf, nil
}

// WriteBlock writes a sub-piece at (piece, begin) of length len(data).
func (fm *FileManager) WriteBlock(piece int, begin int, data []byte) error {
	offset := int64(piece)*fm.pieceLength + int64(begin)
	return fm.WriteAt(data, offset)
}

// ReadBlock reads a sub-piece at (piece, begin) of the given length.
func (fm *FileManager) ReadBlock(piece int, begin int, length int) ([]byte, error) {
	offset := int64(piece)*fm.pieceLength + int64(begin)
	return fm.ReadAt(offset, int64(length))
}

// Close closes every cached file handle.
func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var firstErr error
	for path, h := range fm.handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %q: %s", path, err)
		}
	}
	fm.handles = make(map[string]*os.File)
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
