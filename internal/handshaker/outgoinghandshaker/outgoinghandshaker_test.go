package outgoinghandshaker

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentkit/peerengine/internal/peerprotocol"
)

func TestOutgoingHandshakeSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var infoHash, remotePeerID, ourPeerID [20]byte
	copy(infoHash[:], strings.Repeat("i", 20))
	copy(remotePeerID[:], strings.Repeat("r", 20))
	copy(ourPeerID[:], strings.Repeat("o", 20))

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		remote, err := peerprotocol.ReadHandshake(conn)
		if err != nil || remote.InfoHash != infoHash {
			return
		}
		reply := peerprotocol.NewHandshake(infoHash, remotePeerID, true, false)
		reply.WriteTo(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	resultC := make(chan *Handshaker, 1)
	h := New(addr)
	go h.Run(time.Second, time.Second, ourPeerID, infoHash, resultC, true, true)

	res := <-resultC
	require.NoError(t, res.Error)
	assert.Equal(t, remotePeerID, res.PeerID)
	assert.True(t, res.FastExtension)
	assert.False(t, res.ExtensionProtocol)
	<-serverDone
}

func TestOutgoingHandshakeRejectsMismatchedInfoHash(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var infoHash, otherHash, remotePeerID, ourPeerID [20]byte
	copy(infoHash[:], strings.Repeat("i", 20))
	copy(otherHash[:], strings.Repeat("z", 20))
	copy(remotePeerID[:], strings.Repeat("r", 20))

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		peerprotocol.ReadHandshake(conn)
		reply := peerprotocol.NewHandshake(otherHash, remotePeerID, false, false)
		reply.WriteTo(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	resultC := make(chan *Handshaker, 1)
	h := New(addr)
	go h.Run(time.Second, time.Second, ourPeerID, infoHash, resultC, false, false)

	res := <-resultC
	assert.Error(t, res.Error)
}
