package verifier

import (
	"crypto/sha1"
	"testing"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/stretchr/testify/require"
)

func TestVerifyV1Accept(t *testing.T) {
	content := []byte("hello world, this is piece zero")
	info := &core.Info{
		Version:     core.V1,
		PieceLength: int64(len(content)),
		PieceHashesV1: [][20]byte{
			sha1.Sum(content),
		},
	}
	ok, err := New(info).Verify(0, content)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyV1Reject(t *testing.T) {
	content := []byte("hello world, this is piece zero")
	info := &core.Info{
		Version:       core.V1,
		PieceLength:   int64(len(content)),
		PieceHashesV1: [][20]byte{{1, 2, 3}},
	}
	ok, err := New(info).Verify(0, content)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyV1OutOfRange(t *testing.T) {
	info := &core.Info{Version: core.V1, PieceHashesV1: [][20]byte{}}
	_, err := New(info).Verify(0, []byte("x"))
	require.Error(t, err)
}

func TestVerifyV2Accept(t *testing.T) {
	content := make([]byte, core.MerkleBlockSize)
	for i := range content {
		content[i] = byte(i)
	}
	leaf := core.HashBlock(content)
	root := core.MerkleRoot([][32]byte{leaf})

	info := &core.Info{
		Version:     core.V2,
		PieceLength: core.MerkleBlockSize,
		Files: []core.FileEntry{
			{Path: []string{"f"}, Length: core.MerkleBlockSize, Offset: 0, PiecesRoot: root, HasPiecesRoot: true},
		},
		PieceLayers: map[[32]byte][][32]byte{
			root: {leaf},
		},
	}
	ok, err := New(info).Verify(0, content)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyV2RejectWrongContent(t *testing.T) {
	content := make([]byte, core.MerkleBlockSize)
	leaf := core.HashBlock(content)
	root := core.MerkleRoot([][32]byte{leaf})

	info := &core.Info{
		Version:     core.V2,
		PieceLength: core.MerkleBlockSize,
		Files: []core.FileEntry{
			{Path: []string{"f"}, Length: core.MerkleBlockSize, Offset: 0, PiecesRoot: root, HasPiecesRoot: true},
		},
		PieceLayers: map[[32]byte][][32]byte{root: {leaf}},
	}
	tampered := make([]byte, core.MerkleBlockSize)
	tampered[0] = 1
	ok, err := New(info).Verify(0, tampered)
	require.NoError(t, err)
	require.False(t, ok)
}
