package peerconn

import (
	"net"

	"github.com/torrentkit/peerengine/internal/logger"
	"github.com/torrentkit/peerengine/internal/peerprotocol"
)

// Conn is a live, post-handshake connection to a remote peer: the
// framing layer of module F. It owns the reader/writer actor pair and
// exposes channel-based I/O to internal/peer, exactly the shape the
// teacher's torrent/internal/peerconn.Peer exposes to its torrent's
// event loop.
type Conn struct {
	conn              net.Conn
	id                [20]byte
	FastExtension     bool
	ExtensionProtocol bool

	reader *reader
	writer *writer
	log    logger.Logger

	closeC  chan struct{}
	closedC chan struct{}
}

// New wraps an established connection, post-handshake, for framed I/O.
func New(conn net.Conn, id [20]byte, fastExtension, extensionProtocol bool, log logger.Logger) *Conn {
	return &Conn{
		conn:              conn,
		id:                id,
		FastExtension:     fastExtension,
		ExtensionProtocol: extensionProtocol,
		reader:            newReader(conn, log, fastExtension, extensionProtocol),
		writer:            newWriter(conn, log),
		log:               log,
		closeC:            make(chan struct{}),
		closedC:           make(chan struct{}),
	}
}

func (c *Conn) ID() [20]byte          { return c.id }
func (c *Conn) Logger() logger.Logger { return c.log }
func (c *Conn) IP() string {
	if tcp, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return c.conn.RemoteAddr().String()
}
func (c *Conn) Addr() net.Addr { return c.conn.RemoteAddr() }
func (c *Conn) String() string { return c.conn.RemoteAddr().String() }

// Messages returns the channel of non-piece messages decoded from the
// wire; closed when the connection's read side ends.
func (c *Conn) Messages() <-chan peerprotocol.Message { return c.reader.messages }

// PieceMessages returns the channel of piece payload messages, kept
// separate from Messages so the caller can prioritize the hot path.
func (c *Conn) PieceMessages() <-chan peerprotocol.PieceMessage { return c.reader.pieces }

// Err returns the reader actor's terminal error, if any, after
// Messages()/PieceMessages() have been observed closed. It is io.EOF for
// a graceful remote disconnect. When Close interrupts a blocked read it
// is the resulting closed-connection read error; it is nil only when the
// loop stopped while handing a decoded message to its channel.
func (c *Conn) Err() error { return c.reader.err }

// SendMessage enqueues msg for the writer actor. It does not block on
// network I/O; it blocks only if the internal send queue is full.
func (c *Conn) SendMessage(msg peerprotocol.Message) {
	select {
	case c.writer.send <- msg:
	case <-c.closeC:
	}
}

// Run starts the reader and writer actors and blocks until the
// connection closes, either because Close was called or because either
// actor ended (I/O error or peer disconnect).
func (c *Conn) Run() {
	defer close(c.closedC)

	readerDone := make(chan struct{})
	go func() {
		c.reader.run(c.closeC)
		close(readerDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		c.writer.run(c.closeC)
		close(writerDone)
	}()

	select {
	case <-c.closeC:
		c.conn.Close()
		<-readerDone
		<-writerDone
	case <-readerDone:
		c.conn.Close()
		<-writerDone
	case <-writerDone:
		c.conn.Close()
		<-readerDone
	}
}

// Close signals both actors to stop and waits for Run to return.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	<-c.closedC
}
