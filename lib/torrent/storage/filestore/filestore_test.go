package filestore

import (
	"testing"

	"github.com/atlet99/dtorrent-task-v2-sub000/core"
	"github.com/stretchr/testify/require"
)

func TestSingleFileWriteReadRoundTrip(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	files := []core.FileEntry{{Path: []string{"movie.mp4"}, Length: 32, Offset: 0}}
	fm, err := New(dir, 16, files)
	require.NoError(err)
	defer fm.Close()

	data := []byte("0123456789abcdef0123456789ABCDE")
	require.NoError(fm.WriteAt(data, 0))

	got, err := fm.ReadAt(0, int64(len(data)))
	require.NoError(err)
	require.Equal(data, got)
}

func TestMultiFileSpanningWrite(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	files := []core.FileEntry{
		{Path: []string{"a.bin"}, Length: 10, Offset: 0},
		{Path: []string{"b.bin"}, Length: 10, Offset: 10},
	}
	fm, err := New(dir, 20, files)
	require.NoError(err)
	defer fm.Close()

	// Write a single 20-byte block spanning both files.
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(fm.WriteBlock(0, 0, data))

	got, err := fm.ReadBlock(0, 0, 20)
	require.NoError(err)
	require.Equal(data, got)

	// Verify the split landed in the right files independently.
	aOnly, err := fm.ReadAt(0, 10)
	require.NoError(err)
	require.Equal(data[:10], aOnly)

	bOnly, err := fm.ReadAt(10, 10)
	require.NoError(err)
	require.Equal(data[10:], bOnly)
}

func TestPartialBlockWithinOneFile(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	files := []core.FileEntry{{Path: []string{"x.bin"}, Length: 100, Offset: 0}}
	fm, err := New(dir, 50, files)
	require.NoError(err)
	defer fm.Close()

	require.NoError(fm.WriteBlock(1, 10, []byte("hello")))
	got, err := fm.ReadBlock(1, 10, 5)
	require.NoError(err)
	require.Equal([]byte("hello"), got)
}
