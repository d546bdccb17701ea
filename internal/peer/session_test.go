package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/torrentkit/peerengine/internal/bitfield"
	"github.com/torrentkit/peerengine/internal/chunkregistry"
	"github.com/torrentkit/peerengine/internal/logger"
	"github.com/torrentkit/peerengine/internal/metainfo"
	"github.com/torrentkit/peerengine/internal/peerconn"
	"github.com/torrentkit/peerengine/internal/peerprotocol"
	"github.com/torrentkit/peerengine/internal/piece"
	"github.com/torrentkit/peerengine/internal/piecewriter"
	"github.com/torrentkit/peerengine/internal/storage"
)

// harness builds a Session wired to a real chunk registry, committer,
// and storage directory over a single-piece torrent, connected to the
// far end of an in-memory net.Pipe so tests can read/write raw wire
// messages.
type harness struct {
	sess     *Session
	far      net.Conn
	registry *chunkregistry.Registry
	numPiece uint32
}

func newHarness(t *testing.T, numPieces int, fastExtension bool, localHas func(i uint32) bool) *harness {
	t.Helper()
	pieceLen := int64(2 * piece.DefaultChunkLength)
	content := make([]byte, pieceLen*int64(numPieces))
	hashes := make([][20]byte, numPieces)
	info := &metainfo.Info{
		Name:  "t",
		Files: []metainfo.File{{Path: []string{"a.dat"}, Size: int64(len(content))}},
	}
	dir := t.TempDir()
	d, err := storage.New(dir, info, 4)
	require.NoError(t, err)
	pm, err := piece.BuildMap(info.Files, hashes, pieceLen)
	require.NoError(t, err)

	reg := chunkregistry.New(pm.Pieces, piece.DefaultChunkLength, clock.NewMock())
	comm := piecewriter.New(d, pm.Pieces, reg, nil)

	near, far := net.Pipe()
	pc := peerconn.New(near, [20]byte{1}, fastExtension, false, logger.New("test"))
	go pc.Run()
	t.Cleanup(func() { pc.Close(); far.Close() })

	local := bitfield.New(uint32(numPieces))
	if localHas != nil {
		for i := uint32(0); i < uint32(numPieces); i++ {
			if localHas(i) {
				local.Set(i)
			}
		}
	}

	s := New(pc, ID{1}, "incoming", Deps{
		Registry:      reg,
		Committer:     comm,
		Directory:     d,
		Pieces:        pm.Pieces,
		NumPieces:     uint32(numPieces),
		LocalBitfield: func() *bitfield.Bitfield { return local },
	}, Hooks{})

	return &harness{sess: s, far: far, registry: reg, numPiece: uint32(numPieces)}
}

func (h *harness) readMessage(t *testing.T) peerprotocol.Message {
	t.Helper()
	h.far.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := peerprotocol.ReadMessage(h.far, h.sess.conn.FastExtension, h.sess.conn.ExtensionProtocol)
	require.NoError(t, err)
	return msg
}

func TestSendInitialMessagesBitfieldWhenNotFast(t *testing.T) {
	h := newHarness(t, 4, false, func(i uint32) bool { return i == 1 })
	h.sess.SendInitialMessages("PE0001")
	msg := h.readMessage(t)
	bf, ok := msg.(peerprotocol.BitfieldMessage)
	require.True(t, ok)
	parsed, err := bitfield.NewBytes(bf.Data, 4)
	require.NoError(t, err)
	require.True(t, parsed.Test(1))
	require.False(t, parsed.Test(0))
}

func TestSendInitialMessagesHaveAllWhenFastAndComplete(t *testing.T) {
	h := newHarness(t, 3, true, func(uint32) bool { return true })
	h.sess.SendInitialMessages("PE0001")
	msg := h.readMessage(t)
	_, ok := msg.(peerprotocol.HaveAllMessage)
	require.True(t, ok)
}

func TestHandleChokeNonFastDropsInFlight(t *testing.T) {
	h := newHarness(t, 1, false, nil)
	remote := bitfield.New(1)
	remote.Set(0)
	res := h.registry.RequestChunks(h.sess.id, remote, 10)
	require.Equal(t, chunkregistry.ResultChunks, res.Kind)
	require.NotEmpty(t, res.Chunks)

	h.sess.mu.Lock()
	for _, c := range res.Chunks {
		h.sess.inFlight[chunkKey{c.PieceIndex, c.Offset, c.Length}] = struct{}{}
	}
	h.sess.mu.Unlock()

	h.sess.handleChoke()

	h.sess.mu.Lock()
	n := len(h.sess.inFlight)
	h.sess.mu.Unlock()
	require.Zero(t, n)

	// The dropped chunks must be reassignable now that they're back to
	// NotRequested.
	res2 := h.registry.RequestChunks(ID{9}, remote, 10)
	require.Equal(t, chunkregistry.ResultChunks, res2.Kind)
	require.NotEmpty(t, res2.Chunks)
}

func TestHandleChokeFastPreservesInFlight(t *testing.T) {
	h := newHarness(t, 1, true, nil)
	remote := bitfield.New(1)
	remote.Set(0)
	res := h.registry.RequestChunks(h.sess.id, remote, 10)
	require.Equal(t, chunkregistry.ResultChunks, res.Kind)

	h.sess.mu.Lock()
	for _, c := range res.Chunks {
		h.sess.inFlight[chunkKey{c.PieceIndex, c.Offset, c.Length}] = struct{}{}
	}
	before := len(h.sess.inFlight)
	h.sess.mu.Unlock()

	h.sess.handleChoke()

	h.sess.mu.Lock()
	after := len(h.sess.inFlight)
	h.sess.mu.Unlock()
	require.Equal(t, before, after)
}

func TestHandlePieceStrayIsIgnored(t *testing.T) {
	h := newHarness(t, 1, false, nil)
	err := h.sess.handlePiece(context.Background(), peerprotocol.PieceMessage{
		Index: 0, Begin: 0, Data: make([]byte, piece.DefaultChunkLength),
	})
	require.NoError(t, err)

	h.sess.mu.Lock()
	defer h.sess.mu.Unlock()
	require.Empty(t, h.sess.inFlight)
}

func TestNotifyHaveSuppressesKnownPiece(t *testing.T) {
	h := newHarness(t, 2, false, nil)
	h.sess.mu.Lock()
	h.sess.pieceSet = bitfield.New(2)
	h.sess.pieceSet.Set(0)
	h.sess.mu.Unlock()

	h.sess.NotifyHave(0)

	sentOther := make(chan struct{})
	go func() {
		h.sess.NotifyHave(1)
		close(sentOther)
	}()

	msg := h.readMessage(t)
	have, ok := msg.(peerprotocol.HaveMessage)
	require.True(t, ok)
	require.Equal(t, uint32(1), have.Index)
	<-sentOther
}

func TestHandleBitfieldRejectsSecondAnnouncement(t *testing.T) {
	h := newHarness(t, 4, false, nil)
	bf := bitfield.New(4)
	bf.Set(0)
	require.NoError(t, h.sess.handleBitfield(peerprotocol.BitfieldMessage{Data: bf.Bytes()}))
	err := h.sess.handleBitfield(peerprotocol.BitfieldMessage{Data: bf.Bytes()})
	require.Error(t, err)
}
