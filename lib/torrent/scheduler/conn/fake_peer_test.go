package conn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlet99/dtorrent-task-v2-sub000/lib/torrent/storage"
)

func TestFakePeer(t *testing.T) {
	require := require.New(t)

	p, err := NewFakePeer()
	require.NoError(err)
	defer p.Close()

	h := HandshakerFixture(ConfigFixture())

	info := storage.TorrentInfoFixture(32, 4)

	res, err := h.Initialize(p.PeerID(), p.Addr(), info)
	require.NoError(err)

	require.Equal(p.PeerID(), res.Conn.PeerID())
	require.Equal(info.InfoHash(), res.Conn.InfoHash())
	require.Equal(info.NumPieces(), res.Bitfield.Len())
	require.True(res.Bitfield.HaveNone())
}
