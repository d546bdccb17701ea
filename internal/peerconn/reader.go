// Package peerconn implements module F's framing layer: a reader actor
// and a writer actor per connection, communicating with the peer
// session (internal/peer) over channels. Grounded on the teacher's
// torrent/internal/peerconn.Peer, which pairs a peerreader and a
// peerwriter goroutine behind a single Run() that waits on whichever
// side (or an external close) finishes first.
package peerconn

import (
	"io"
	"net"

	"github.com/torrentkit/peerengine/internal/logger"
	"github.com/torrentkit/peerengine/internal/peerprotocol"
)

// reader decodes framed messages from conn and delivers them on
// separate channels for piece payloads versus everything else, mirroring
// the teacher's t.pieceMessages / t.messages split in session/run.go
// (piece messages are volume-heavy and handled on a fast path that
// avoids the general dispatch switch).
type reader struct {
	conn              net.Conn
	log               logger.Logger
	fastExtension     bool
	extensionProtocol bool

	messages chan peerprotocol.Message
	pieces   chan peerprotocol.PieceMessage

	// err is the terminal read error, if any. Written once, right before
	// the channels it guards are closed; readers that observe the closed
	// channel are safe to read it without a lock (close happens-before
	// the receive that reports it).
	err error
}

func newReader(conn net.Conn, log logger.Logger, fastExtension, extensionProtocol bool) *reader {
	return &reader{
		conn:              conn,
		log:               log,
		fastExtension:     fastExtension,
		extensionProtocol: extensionProtocol,
		messages:          make(chan peerprotocol.Message, 8),
		pieces:            make(chan peerprotocol.PieceMessage, 8),
	}
}

// run reads messages until the connection errors or stopC closes. It
// never returns an error to the caller; I/O errors end the loop and the
// channels are closed so downstream ranges terminate.
func (r *reader) run(stopC chan struct{}) {
	defer close(r.messages)
	defer close(r.pieces)
	for {
		msg, err := peerprotocol.ReadMessage(r.conn, r.fastExtension, r.extensionProtocol)
		if err != nil {
			if err != io.EOF {
				r.log.Debugln("peer read error:", err)
			}
			r.err = err
			return
		}
		if pm, ok := msg.(peerprotocol.PieceMessage); ok {
			select {
			case r.pieces <- pm:
			case <-stopC:
				return
			}
			continue
		}
		select {
		case r.messages <- msg:
		case <-stopC:
			return
		}
	}
}
