package piecewriter

import (
	"context"
	"crypto/sha1"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/torrentkit/peerengine/internal/bitfield"
	"github.com/torrentkit/peerengine/internal/chunkregistry"
	"github.com/torrentkit/peerengine/internal/metainfo"
	"github.com/torrentkit/peerengine/internal/piece"
	"github.com/torrentkit/peerengine/internal/storage"
)

func setup(t *testing.T, content []byte) (*Committer, *chunkregistry.Registry, []piece.Piece) {
	t.Helper()
	info := &metainfo.Info{
		Name:  "t",
		Files: []metainfo.File{{Path: []string{"a.dat"}, Size: int64(len(content))}},
	}
	dir := t.TempDir()
	d, err := storage.New(dir, info, 2)
	require.NoError(t, err)

	sum := sha1.Sum(content)
	pm, err := piece.BuildMap(info.Files, [][20]byte{sum}, int64(len(content)))
	require.NoError(t, err)

	reg := chunkregistry.New(pm.Pieces, piece.DefaultChunkLength, clock.NewMock())
	// Assign every chunk to PeerID{1} so the tests' MarkFetched calls
	// refer to Assigned chunks rather than strays.
	has := bitfield.New(uint32(len(pm.Pieces)))
	has.Set(0)
	reg.RequestChunks(chunkregistry.PeerID{1}, has, 100)
	return New(d, pm.Pieces, reg, nil), reg, pm.Pieces
}

func TestCommitOnMatchingHash(t *testing.T) {
	content := make([]byte, 32*1024)
	for i := range content {
		content[i] = byte(i)
	}
	var completed []bool
	c, reg, pieces := setup(t, content)
	c.onComp = func(pieceIndex uint32, verified bool) { completed = append(completed, verified) }

	ctx := context.Background()
	for _, ch := range pieces[0].Chunks(piece.DefaultChunkLength) {
		data := content[ch.Offset : ch.Offset+ch.Length]
		ok, _ := reg.MarkFetched(chunkregistry.PeerID{1}, ch.PieceIndex, ch.Offset, ch.Length)
		require.True(t, ok)
		require.NoError(t, c.WriteChunk(ctx, ch, data))
	}
	require.Equal(t, []bool{true}, completed)
	require.Equal(t, 0, reg.RemainingPieces())
}

func TestCommitResetsOnHashMismatch(t *testing.T) {
	content := make([]byte, 16*1024)
	var completed []bool
	c, reg, pieces := setup(t, content)
	c.onComp = func(pieceIndex uint32, verified bool) { completed = append(completed, verified) }

	// corrupt what's actually written relative to what the hash expects
	corrupt := make([]byte, 16*1024)
	corrupt[0] = 0xFF

	ctx := context.Background()
	ch := pieces[0].Chunks(piece.DefaultChunkLength)[0]
	ok, _ := reg.MarkFetched(chunkregistry.PeerID{1}, ch.PieceIndex, ch.Offset, ch.Length)
	require.True(t, ok)
	require.NoError(t, c.WriteChunk(ctx, ch, corrupt))

	require.Equal(t, []bool{false}, completed)
	require.Equal(t, 1, reg.RemainingPieces())
}
