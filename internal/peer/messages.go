package peer

import (
	"context"

	"github.com/torrentkit/peerengine/internal/bitfield"
	"github.com/torrentkit/peerengine/internal/engineerr"
	"github.com/torrentkit/peerengine/internal/peerprotocol"
)

// handleMessage dispatches one non-piece message per spec.md §4.F's
// message handling rules. Piece payloads arrive on a separate channel
// and are handled by handlePiece. A returned error is always
// FatalProtocol: the caller terminates the session, drops its chunks,
// and marks the peer bad.
func (s *Session) handleMessage(ctx context.Context, msg peerprotocol.Message) error {
	switch m := msg.(type) {
	case peerprotocol.KeepAliveMessage:
		return nil
	case peerprotocol.ChokeMessage:
		s.handleChoke()
		return nil
	case peerprotocol.UnchokeMessage:
		s.handleUnchoke()
		return nil
	case peerprotocol.InterestedMessage:
		s.handleInterested()
		return nil
	case peerprotocol.NotInterestedMessage:
		s.handleNotInterested()
		return nil
	case peerprotocol.HaveMessage:
		return s.handleHave(m)
	case peerprotocol.BitfieldMessage:
		return s.handleBitfield(m)
	case peerprotocol.HaveAllMessage:
		return s.handleHaveAll()
	case peerprotocol.HaveNoneMessage:
		return s.handleHaveNone()
	case peerprotocol.RequestMessage:
		return s.handleRequest(ctx, m)
	case peerprotocol.CancelMessage:
		s.handleCancel(m)
		return nil
	case peerprotocol.RejectMessage:
		s.handleReject(m)
		return nil
	case peerprotocol.SuggestPieceMessage:
		// Advisory; ignoring is valid per spec.md §4.F. A future request
		// selection could bias toward m.Index.
		return nil
	case peerprotocol.AllowedFastMessage:
		// Advisory list of pieces requestable while choked; not acted on
		// since this engine never requests while remote_choked is true.
		return nil
	case peerprotocol.PortMessage:
		// DHT port announcement; DHT is out of scope (spec.md §1).
		return nil
	case peerprotocol.ExtensionMessage:
		return s.handleExtension(m)
	default:
		return engineerr.New(engineerr.KindFatalProtocol, "message", engineerr.ErrUnknownOpcode)
	}
}

func (s *Session) handleChoke() {
	s.mu.Lock()
	s.remoteChoked = true
	fast := s.conn.FastExtension
	s.mu.Unlock()
	if !fast {
		// Non-FAST choke drops all in-flight requests (spec.md §4.F).
		s.deps.Registry.MarkAllDropped(s.id)
		s.mu.Lock()
		s.inFlight = make(map[chunkKey]struct{})
		s.mu.Unlock()
	}
	// Under FAST, the in-flight set is preserved; REJECT or PIECE will
	// mutate it as each request resolves.
}

func (s *Session) handleUnchoke() {
	s.mu.Lock()
	s.remoteChoked = false
	s.mu.Unlock()
	s.tryFillQueue()
}

func (s *Session) handleInterested() {
	s.mu.Lock()
	s.remoteInterested = true
	s.mu.Unlock()
	if s.hooks.OnPeerInterested != nil {
		s.hooks.OnPeerInterested(s, true)
	}
}

func (s *Session) handleNotInterested() {
	s.mu.Lock()
	s.remoteInterested = false
	s.mu.Unlock()
	if s.hooks.OnPeerInterested != nil {
		s.hooks.OnPeerInterested(s, false)
	}
}

func (s *Session) handleHave(m peerprotocol.HaveMessage) error {
	if m.Index >= s.deps.NumPieces {
		return engineerr.New(engineerr.KindFatalProtocol, "have", engineerr.ErrPeerSentInvalidIndex)
	}

	s.mu.Lock()
	if s.pieceSet == nil {
		s.pieceSet = bitfield.New(s.deps.NumPieces)
		s.piecesLeft = s.deps.NumPieces
	}
	already := s.pieceSet.Test(m.Index)
	if !already {
		s.pieceSet.Set(m.Index)
		if s.piecesLeft > 0 {
			s.piecesLeft--
		}
		if s.piecesLeft == 0 {
			s.seeder = true
		}
	}
	wasInterested := s.localInterested
	s.mu.Unlock()

	if already {
		return nil
	}
	s.deps.Registry.ObserveHave(m.Index)

	if !s.deps.LocalBitfield().Test(m.Index) && !wasInterested {
		s.setLocalInterested(true)
	}
	s.tryFillQueue()
	return nil
}

func (s *Session) handleBitfield(m peerprotocol.BitfieldMessage) error {
	s.mu.Lock()
	known := s.pieceSet != nil
	s.mu.Unlock()
	if known {
		return engineerr.New(engineerr.KindFatalProtocol, "bitfield", engineerr.ErrBitfieldAfterKnown)
	}

	bf, err := bitfield.NewBytes(m.Data, s.deps.NumPieces)
	if err != nil {
		return engineerr.New(engineerr.KindFatalProtocol, "bitfield", err)
	}

	s.mu.Lock()
	s.pieceSet = bf
	s.piecesLeft = s.deps.NumPieces - bf.Count()
	s.seeder = s.piecesLeft == 0
	s.mu.Unlock()

	for i := uint32(0); i < s.deps.NumPieces; i++ {
		if bf.Test(i) {
			s.deps.Registry.ObserveHave(i)
		}
	}

	if s.deps.LocalBitfield().Difference(bf).HasAny() {
		s.setLocalInterested(true)
	}
	s.tryFillQueue()
	return nil
}

func (s *Session) handleHaveAll() error {
	s.mu.Lock()
	known := s.pieceSet != nil
	s.mu.Unlock()
	if known {
		return engineerr.New(engineerr.KindFatalProtocol, "have_all", engineerr.ErrBitfieldAfterKnown)
	}

	bf := bitfield.New(s.deps.NumPieces)
	for i := uint32(0); i < s.deps.NumPieces; i++ {
		bf.Set(i)
	}
	s.mu.Lock()
	s.pieceSet = bf
	s.piecesLeft = 0
	s.seeder = true
	s.mu.Unlock()

	for i := uint32(0); i < s.deps.NumPieces; i++ {
		s.deps.Registry.ObserveHave(i)
	}
	if s.deps.LocalBitfield().Difference(bf).HasAny() {
		s.setLocalInterested(true)
	}
	s.tryFillQueue()
	return nil
}

func (s *Session) handleHaveNone() error {
	s.mu.Lock()
	known := s.pieceSet != nil
	s.mu.Unlock()
	if known {
		return engineerr.New(engineerr.KindFatalProtocol, "have_none", engineerr.ErrBitfieldAfterKnown)
	}

	s.mu.Lock()
	s.pieceSet = bitfield.New(s.deps.NumPieces)
	s.piecesLeft = s.deps.NumPieces
	s.seeder = s.deps.NumPieces == 0
	s.mu.Unlock()
	return nil
}

// handleExtension handles a BEP-10 extended message. Only the handshake
// (ID 0) is meaningful here since this engine negotiates no further
// extensions; anything else is accepted and ignored once negotiation
// has completed (an unnegotiated extended message is already rejected
// by the reader).
func (s *Session) handleExtension(m peerprotocol.ExtensionMessage) error {
	if m.ExtendedMessageID != peerprotocol.ExtensionIDHandshake {
		return nil
	}
	if _, err := peerprotocol.UnmarshalExtensionHandshake(m.Payload); err != nil {
		return engineerr.New(engineerr.KindFatalProtocol, "extension-handshake", err)
	}
	return nil
}
