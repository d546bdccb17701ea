// Package peerprotocol implements the BitTorrent peer wire protocol: the
// handshake record, the length-prefixed message framing, and the
// message types of the base protocol, the FAST extension (BEP-6), and
// BEP-10 extended messaging. Grounded on the teacher's
// internal/peerconn/peerreader message set (session/run.go references
// peerprotocol.ChokeMessage, HaveMessage, BitfieldMessage,
// ExtensionMessage, NewExtensionHandshake) and on the pack's
// prxssh-rabbit/internal/protocol wire-codec style.
package peerprotocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/torrentkit/peerengine/internal/engineerr"
)

// MessageID is the single byte identifying a message's wire type.
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9

	// FAST extension (BEP-6).
	Suggest     MessageID = 13
	HaveAll     MessageID = 14
	HaveNone    MessageID = 15
	Reject      MessageID = 16
	AllowedFast MessageID = 17

	// BEP-10 extended messaging.
	Extended MessageID = 20
)

func (m MessageID) String() string {
	switch m {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Suggest:
		return "suggest_piece"
	case HaveAll:
		return "have_all"
	case HaveNone:
		return "have_none"
	case Reject:
		return "reject_request"
	case AllowedFast:
		return "allowed_fast"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(m))
	}
}

// Message is any value that can be encoded onto the wire as a
// length-prefixed peer message.
type Message interface {
	ID() MessageID
}

// KeepAliveMessage marks the zero-length keep-alive, which carries no ID
// byte at all.
type KeepAliveMessage struct{}

func (KeepAliveMessage) ID() MessageID { return 0xFF } // never encoded via the generic path

// WriteMessage serializes m onto w using the standard
// <length:u32><id:u8><payload> framing. A KeepAliveMessage is encoded as
// the bare 4-byte zero length with no ID or payload.
func WriteMessage(w io.Writer, m Message) error {
	if _, ok := m.(KeepAliveMessage); ok {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}
	payload, err := marshalPayload(m)
	if err != nil {
		return err
	}
	length := uint32(1 + len(payload))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, byte(m.ID())); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessage reads one length-prefixed message from r. fastExtension
// and extensionProtocol gate acceptance of IDs outside the base
// protocol, matching spec.md §4.F's negotiation rules: an
// unnegotiated FAST or extended message is a fatal protocol error.
func ReadMessage(r io.Reader, fastExtension, extensionProtocol bool) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return KeepAliveMessage{}, nil
	}
	var idByte [1]byte
	if _, err := io.ReadFull(r, idByte[:]); err != nil {
		return nil, err
	}
	id := MessageID(idByte[0])
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	switch id {
	case Suggest, HaveAll, HaveNone, Reject, AllowedFast:
		if !fastExtension {
			return nil, engineerr.New(engineerr.KindFatalProtocol, "read-message", fmt.Errorf("%w: %s", engineerr.ErrFastWithoutNegotiation, id))
		}
	case Extended:
		if !extensionProtocol {
			return nil, engineerr.New(engineerr.KindFatalProtocol, "read-message", engineerr.ErrExtendedWithoutNegotiation)
		}
	}
	return unmarshalPayload(id, payload)
}
