// Package outgoinghandshaker implements the outbound half of module F's
// handshake: dial a known address, send the local handshake, read the
// remote's, and confirm the info hash matches what we intended to
// fetch.
//
// Grounded on the teacher's outgoinghandshaker.New/Run call site in
// session/run.go (`h := outgoinghandshaker.New(addr); go
// h.Run(t.config.PeerConnectTimeout, t.config.PeerHandshakeTimeout,
// t.peerID, t.infoHash, t.outgoingHandshakerResultC, ourExtensions,
// t.config.DisableOutgoingEncryption, t.config.ForceOutgoingEncryption)`);
// encryption parameters are dropped, as in incominghandshaker.
package outgoinghandshaker

import (
	"net"
	"time"

	"github.com/torrentkit/peerengine/internal/engineerr"
	"github.com/torrentkit/peerengine/internal/peerprotocol"
)

// Handshaker tracks one in-flight outbound dial+handshake.
type Handshaker struct {
	Addr              *net.TCPAddr
	Conn              net.Conn
	PeerID            [20]byte
	FastExtension     bool
	ExtensionProtocol bool
	Error             error

	closeC chan struct{}
}

// New prepares a handshaker for addr; dialing happens in Run.
func New(addr *net.TCPAddr) *Handshaker {
	return &Handshaker{Addr: addr, closeC: make(chan struct{})}
}

// Run dials addr, performs the handshake, and sends h on resultC. It
// must be called as its own goroutine.
func (h *Handshaker) Run(connectTimeout, handshakeTimeout time.Duration, ourPeerID, infoHash [20]byte, resultC chan<- *Handshaker, ourFastExtension, ourExtensionProtocol bool) {
	done := make(chan struct{})
	defer close(done)

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.Dial("tcp", h.Addr.String())
	if err != nil {
		h.Error = engineerr.New(engineerr.KindTransientIO, "dial", err)
		resultC <- h
		return
	}
	h.Conn = conn

	go func() {
		select {
		case <-done:
		case <-h.closeC:
			conn.Close()
		}
	}()

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	local := peerprotocol.NewHandshake(infoHash, ourPeerID, ourFastExtension, ourExtensionProtocol)
	if _, err := local.WriteTo(conn); err != nil {
		h.Error = err
		resultC <- h
		return
	}
	remote, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		h.Error = err
		resultC <- h
		return
	}
	if remote.InfoHash != infoHash {
		h.Error = engineerr.ErrHandshakeMismatch
		resultC <- h
		return
	}

	h.PeerID = remote.PeerID
	h.FastExtension = ourFastExtension && remote.SupportsFast()
	h.ExtensionProtocol = ourExtensionProtocol && remote.SupportsExtensionProtocol()
	resultC <- h
}

// Close aborts an in-flight dial or handshake.
func (h *Handshaker) Close() {
	select {
	case <-h.closeC:
	default:
		close(h.closeC)
	}
}
