// Package incominghandshaker completes the inbound half of module F's
// handshake: a connection has already been accepted; this package reads
// the remote handshake, validates the info hash against a torrent the
// caller is serving, and writes the local handshake back.
//
// Grounded on the teacher's incominghandshaker.New/Run call site in
// session/run.go (`h := incominghandshaker.New(conn); go h.Run(t.peerID,
// t.getSKey, t.checkInfoHash, t.incomingHandshakerResultC,
// t.config.PeerHandshakeTimeout, ourExtensions,
// t.config.ForceIncomingEncryption)`); MSE/obfuscation parameters
// (getSKey, ForceIncomingEncryption) are dropped since encryption is out
// of scope (spec.md §1 Non-goals name only the clear-text wire protocol).
package incominghandshaker

import (
	"net"
	"time"

	"github.com/torrentkit/peerengine/internal/engineerr"
	"github.com/torrentkit/peerengine/internal/peerprotocol"
)

// Handshaker tracks one in-flight inbound handshake. The caller selects
// on a shared result channel of *Handshaker and inspects Error.
type Handshaker struct {
	Conn              net.Conn
	PeerID            [20]byte
	FastExtension     bool
	ExtensionProtocol bool
	Error             error

	closeC chan struct{}
}

// New wraps an accepted connection whose handshake hasn't been read yet.
func New(conn net.Conn) *Handshaker {
	return &Handshaker{Conn: conn, closeC: make(chan struct{})}
}

// CheckInfoHash is supplied by the caller (the entity that knows which
// torrents it is serving) to confirm the remote's declared info hash
// matches a torrent we have, and to reject otherwise.
type CheckInfoHash func(infoHash [20]byte) bool

// Run performs the handshake exchange and sends h on resultC, whether it
// succeeded or failed. It must be called as its own goroutine.
func (h *Handshaker) Run(ourPeerID [20]byte, checkInfoHash CheckInfoHash, resultC chan<- *Handshaker, timeout time.Duration, ourFastExtension, ourExtensionProtocol bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-h.closeC:
			h.Conn.Close()
		}
	}()
	defer close(done)

	h.Conn.SetDeadline(time.Now().Add(timeout))
	defer h.Conn.SetDeadline(time.Time{})

	remote, err := peerprotocol.ReadHandshake(h.Conn)
	if err != nil {
		h.Error = err
		resultC <- h
		return
	}
	if !checkInfoHash(remote.InfoHash) {
		h.Error = engineerr.ErrHandshakeMismatch
		resultC <- h
		return
	}

	fast := ourFastExtension && remote.SupportsFast()
	ext := ourExtensionProtocol && remote.SupportsExtensionProtocol()
	local := peerprotocol.NewHandshake(remote.InfoHash, ourPeerID, fast, ext)
	if _, err := local.WriteTo(h.Conn); err != nil {
		h.Error = err
		resultC <- h
		return
	}

	h.PeerID = remote.PeerID
	h.FastExtension = fast
	h.ExtensionProtocol = ext
	resultC <- h
}

// Close aborts an in-flight handshake.
func (h *Handshaker) Close() {
	select {
	case <-h.closeC:
	default:
		close(h.closeC)
	}
}
