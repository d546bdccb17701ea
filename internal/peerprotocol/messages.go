package peerprotocol

import (
	"encoding/binary"
	"fmt"

	"github.com/torrentkit/peerengine/internal/engineerr"
)

// ChokeMessage, UnchokeMessage, InterestedMessage and
// NotInterestedMessage carry no payload.
type ChokeMessage struct{}
type UnchokeMessage struct{}
type InterestedMessage struct{}
type NotInterestedMessage struct{}

func (ChokeMessage) ID() MessageID         { return Choke }
func (UnchokeMessage) ID() MessageID       { return Unchoke }
func (InterestedMessage) ID() MessageID    { return Interested }
func (NotInterestedMessage) ID() MessageID { return NotInterested }

// HaveMessage announces possession of a piece.
type HaveMessage struct{ Index uint32 }

func (HaveMessage) ID() MessageID { return Have }

// BitfieldMessage carries the sender's full piece-set.
type BitfieldMessage struct{ Data []byte }

func (BitfieldMessage) ID() MessageID { return Bitfield }

// RequestMessage, CancelMessage and RejectMessage share the same
// (index, begin, length) triple identifying a chunk.
type RequestMessage struct {
	Index, Begin, Length uint32
}
type CancelMessage struct {
	Index, Begin, Length uint32
}
type RejectMessage struct {
	Index, Begin, Length uint32
}

func (RequestMessage) ID() MessageID { return Request }
func (CancelMessage) ID() MessageID  { return Cancel }
func (RejectMessage) ID() MessageID  { return Reject }

// PieceMessage is a piece payload: the (index, begin) header and the
// chunk bytes that follow it on the wire. ReadMessage reads the whole
// chunk into Data before returning.
type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

func (PieceMessage) ID() MessageID { return Piece }

// PortMessage announces a DHT port; accepted on the wire but otherwise
// ignored, DHT is out of scope (spec.md §1 Non-goals).
type PortMessage struct{ Port uint16 }

func (PortMessage) ID() MessageID { return Port }

// SuggestPieceMessage and AllowedFastMessage are FAST-extension hints.
type SuggestPieceMessage struct{ Index uint32 }
type AllowedFastMessage struct{ Index uint32 }

func (SuggestPieceMessage) ID() MessageID { return Suggest }
func (AllowedFastMessage) ID() MessageID  { return AllowedFast }

// HaveAllMessage and HaveNoneMessage replace an explicit bitfield when
// the FAST extension is negotiated and the sender's piece-set is
// trivial to describe (spec.md §4.F).
type HaveAllMessage struct{}
type HaveNoneMessage struct{}

func (HaveAllMessage) ID() MessageID  { return HaveAll }
func (HaveNoneMessage) ID() MessageID { return HaveNone }

// ExtensionMessage wraps a BEP-10 extended message: ExtendedMessageID 0
// is reserved for the handshake itself, any other value is a
// previously-negotiated extension ID.
type ExtensionMessage struct {
	ExtendedMessageID byte
	Payload           []byte
}

func (ExtensionMessage) ID() MessageID { return Extended }

func marshalPayload(m Message) ([]byte, error) {
	switch v := m.(type) {
	case ChokeMessage, UnchokeMessage, InterestedMessage, NotInterestedMessage,
		HaveAllMessage, HaveNoneMessage:
		return nil, nil
	case HaveMessage:
		return be32(v.Index), nil
	case BitfieldMessage:
		return v.Data, nil
	case RequestMessage:
		return concat(be32(v.Index), be32(v.Begin), be32(v.Length)), nil
	case CancelMessage:
		return concat(be32(v.Index), be32(v.Begin), be32(v.Length)), nil
	case RejectMessage:
		return concat(be32(v.Index), be32(v.Begin), be32(v.Length)), nil
	case SuggestPieceMessage:
		return be32(v.Index), nil
	case AllowedFastMessage:
		return be32(v.Index), nil
	case PieceMessage:
		return concat(be32(v.Index), be32(v.Begin), v.Data), nil
	case PortMessage:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, v.Port)
		return b, nil
	case ExtensionMessage:
		return concat([]byte{v.ExtendedMessageID}, v.Payload), nil
	default:
		return nil, fmt.Errorf("peerprotocol: cannot marshal %T", m)
	}
}

func unmarshalPayload(id MessageID, payload []byte) (Message, error) {
	switch id {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case HaveAll:
		return HaveAllMessage{}, nil
	case HaveNone:
		return HaveNoneMessage{}, nil
	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("peerprotocol: malformed have message (%d bytes)", len(payload))
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		return BitfieldMessage{Data: payload}, nil
	case Request, Cancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("peerprotocol: malformed %s message (%d bytes)", id, len(payload))
		}
		idx, begin, length := be32s(payload)
		if id == Request {
			return RequestMessage{Index: idx, Begin: begin, Length: length}, nil
		}
		return CancelMessage{Index: idx, Begin: begin, Length: length}, nil
	case Reject:
		if len(payload) != 12 {
			return nil, fmt.Errorf("peerprotocol: malformed reject message (%d bytes)", len(payload))
		}
		idx, begin, length := be32s(payload)
		return RejectMessage{Index: idx, Begin: begin, Length: length}, nil
	case Suggest:
		if len(payload) != 4 {
			return nil, fmt.Errorf("peerprotocol: malformed suggest message")
		}
		return SuggestPieceMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case AllowedFast:
		if len(payload) != 4 {
			return nil, fmt.Errorf("peerprotocol: malformed allowed-fast message")
		}
		return AllowedFastMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("peerprotocol: malformed piece message (%d bytes)", len(payload))
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Data:  payload[8:],
		}, nil
	case Port:
		if len(payload) != 2 {
			return nil, fmt.Errorf("peerprotocol: malformed port message")
		}
		return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
	case Extended:
		if len(payload) < 1 {
			return nil, fmt.Errorf("peerprotocol: malformed extended message")
		}
		return ExtensionMessage{ExtendedMessageID: payload[0], Payload: payload[1:]}, nil
	default:
		return nil, engineerr.New(engineerr.KindFatalProtocol, "unmarshal-payload", fmt.Errorf("%w: id %d", engineerr.ErrUnknownOpcode, id))
	}
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func be32s(payload []byte) (a, b, c uint32) {
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		binary.BigEndian.Uint32(payload[8:12])
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
