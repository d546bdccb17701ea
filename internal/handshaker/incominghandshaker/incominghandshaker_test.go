package incominghandshaker

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentkit/peerengine/internal/peerprotocol"
)

func TestIncomingHandshakeSuccess(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var infoHash, remotePeerID, ourPeerID [20]byte
	copy(infoHash[:], "iiiiiiiiiiiiiiiiiiii")
	copy(remotePeerID[:], "rrrrrrrrrrrrrrrrrrrr")
	copy(ourPeerID[:], strings.Repeat("o", 20))

	resultC := make(chan *Handshaker, 1)
	h := New(a)
	go h.Run(ourPeerID, func(ih [20]byte) bool { return ih == infoHash }, resultC, time.Second, true, true)

	remote := peerprotocol.NewHandshake(infoHash, remotePeerID, true, true)
	go remote.WriteTo(b)

	// net.Pipe is unbuffered: Run's reply write only completes once this
	// side reads it, so read concurrently with waiting for the result.
	type readResult struct {
		hs  peerprotocol.Handshake
		err error
	}
	readC := make(chan readResult, 1)
	go func() {
		hs, err := peerprotocol.ReadHandshake(b)
		readC <- readResult{hs, err}
	}()

	res := <-resultC
	require.NoError(t, res.Error)
	assert.Equal(t, remotePeerID, res.PeerID)
	assert.True(t, res.FastExtension)

	got := <-readC
	require.NoError(t, got.err)
	assert.Equal(t, ourPeerID, got.hs.PeerID)
}

func TestIncomingHandshakeRejectsUnknownInfoHash(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var infoHash, otherHash, peerID, ourPeerID [20]byte
	copy(infoHash[:], "iiiiiiiiiiiiiiiiiiii")
	copy(otherHash[:], "zzzzzzzzzzzzzzzzzzzz")
	copy(peerID[:], "rrrrrrrrrrrrrrrrrrrr")

	resultC := make(chan *Handshaker, 1)
	h := New(a)
	go h.Run(ourPeerID, func(ih [20]byte) bool { return ih == infoHash }, resultC, time.Second, false, false)

	remote := peerprotocol.NewHandshake(otherHash, peerID, false, false)
	go remote.WriteTo(b)

	res := <-resultC
	assert.Error(t, res.Error)
}
