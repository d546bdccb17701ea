package peerconn

import (
	"net"
	"time"

	"github.com/torrentkit/peerengine/internal/logger"
	"github.com/torrentkit/peerengine/internal/peerprotocol"
)

// keepAliveInterval matches the teacher's convention of a two-minute
// tick to keep NAT/firewall state alive between real messages.
const keepAliveInterval = 2 * time.Minute

// writer serializes outgoing messages onto conn and injects a keep-alive
// every keepAliveInterval; the ticker is not reset by other sends.
type writer struct {
	conn net.Conn
	log  logger.Logger
	send chan peerprotocol.Message
}

func newWriter(conn net.Conn, log logger.Logger) *writer {
	return &writer{
		conn: conn,
		log:  log,
		send: make(chan peerprotocol.Message, 64),
	}
}

func (w *writer) run(stopC chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-w.send:
			if err := peerprotocol.WriteMessage(w.conn, msg); err != nil {
				w.log.Debugln("peer write error:", err)
				return
			}
		case <-ticker.C:
			if err := peerprotocol.WriteMessage(w.conn, peerprotocol.KeepAliveMessage{}); err != nil {
				w.log.Debugln("peer write error:", err)
				return
			}
		case <-stopC:
			return
		}
	}
}
