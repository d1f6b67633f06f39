package storage

import (
	"fmt"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
)

// InfoHashMismatchError implements error and contains expected and actual core.InfoHash
// TODO (@evelynl): this seems to be a fairly common error
type InfoHashMismatchError struct {
	expected core.InfoHash
	actual   core.InfoHash
}

func (ie InfoHashMismatchError) Error() string {
	return fmt.Sprintf("InfoHash missmatch: expected %s, actual %s", ie.expected.Hex(), ie.actual.Hex())
}

// NewInfoHashMismatchError creates an InfoHashMismatchError.
func NewInfoHashMismatchError(expected, actual core.InfoHash) error {
	return InfoHashMismatchError{expected, actual}
}

// IsInfoHashMismatchError returns true if error type is InfoHashMismatchError
func IsInfoHashMismatchError(err error) bool {
	switch err.(type) {
	case InfoHashMismatchError:
		return true
	}
	return false
}

// ConflictedPieceWriteError implements error and contains torrent name and piece index
type ConflictedPieceWriteError struct {
	torrent string
	piece   int
}

func (ce ConflictedPieceWriteError) Error() string {
	return fmt.Sprintf("Another thread is writing to the same piece %d for torrent %s", ce.piece, ce.torrent)
}

// NewConflictedPieceWriteError creates a ConflictedPieceWriteError.
func NewConflictedPieceWriteError(torrent string, piece int) error {
	return ConflictedPieceWriteError{torrent, piece}
}

// IsConflictedPieceWriteError returns true if error type is ConflictedPieceWriteError
func IsConflictedPieceWriteError(err error) bool {
	switch err.(type) {
	case ConflictedPieceWriteError:
		return true
	}
	return false
}
