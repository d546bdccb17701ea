// Package peerregistry implements module G: the per-torrent index of
// active peer sessions, HAVE broadcast, and duplicate-peer detection.
// Grounded on the teacher's t.peers/t.peerIDs/t.connectedPeerIPs maps
// in session/torrent.go and the dedup check in session/run.go
// ("received duplicate connection from same IP" / "peer with same id
// already connected").
package peerregistry

import (
	"sync"

	"github.com/torrentkit/peerengine/internal/chunkregistry"
	"github.com/torrentkit/peerengine/internal/logger"
	"github.com/torrentkit/peerengine/internal/peer"
	"github.com/torrentkit/peerengine/internal/peerprotocol"
)

// BadPeerSink receives (ip,port,peerID) hints for peers that were
// terminated for a protocol violation, so an external reconnection
// policy can avoid them. Fire-and-forget per spec.md §4.G.
type BadPeerSink func(ip string, port int, peerID [20]byte)

// Registry is module G.
type Registry struct {
	log     logger.Logger
	badSink BadPeerSink

	mu       sync.Mutex
	byID     map[peer.ID]*peer.Session
	byIPPort map[string]*peer.Session
	bad      map[peer.ID]struct{}
}

// New constructs an empty registry. badSink may be nil.
func New(badSink BadPeerSink) *Registry {
	return &Registry{
		log:      logger.New("peerregistry"),
		badSink:  badSink,
		byID:     make(map[peer.ID]*peer.Session),
		byIPPort: make(map[string]*peer.Session),
		bad:      make(map[peer.ID]struct{}),
	}
}

// Add registers a newly-handshaken session. If a session for the same
// peer ID or the same (ip,port) is already registered, Add closes the
// new duplicate and returns false (spec.md §4.G dedup rule: "a second
// connection for the same (info_hash, peer_id) is closed on handshake").
func (r *Registry) Add(s *peer.Session) bool {
	key := addrKey(s)
	r.mu.Lock()
	if _, dup := r.byID[s.ID()]; dup {
		r.mu.Unlock()
		s.Close()
		return false
	}
	if _, dup := r.byIPPort[key]; dup {
		r.mu.Unlock()
		s.Close()
		return false
	}
	r.byID[s.ID()] = s
	r.byIPPort[key] = s
	r.mu.Unlock()
	return true
}

// Remove unregisters a session, normally called from its OnDisconnect
// hook.
func (r *Registry) Remove(s *peer.Session) {
	key := addrKey(s)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, s.ID())
	delete(r.byIPPort, key)
}

// BroadcastHave delivers a HAVE for index to every registered session;
// each session independently suppresses the send if the remote already
// has the piece (spec.md §4.F HAVE-suppression, enforced by
// peer.Session.NotifyHave).
func (r *Registry) BroadcastHave(index uint32) {
	r.mu.Lock()
	sessions := make([]*peer.Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.NotifyHave(index)
	}
}

// DeliverCancel routes an endgame CancelEvent to every peer it names,
// sending a CANCEL message on each matching session's connection and
// dropping the chunk from that session's own in-flight set so its
// bookkeeping stays in sync with the chunk registry's assignment.
// Peers not currently registered (already disconnected) are skipped.
func (r *Registry) DeliverCancel(ev chunkregistry.CancelEvent) {
	r.mu.Lock()
	targets := make([]*peer.Session, 0, len(ev.Peers))
	for _, id := range ev.Peers {
		if s, ok := r.byID[id]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()
	for _, s := range targets {
		s.DropInFlight(ev.Chunk.PieceIndex, ev.Chunk.Offset, ev.Chunk.Length)
		s.Conn().SendMessage(cancelMessage(ev))
	}
}

// EnterBad records ip/port/peerID as a bad peer hint (spec.md §4.G:
// "fire-and-forget hint") and forwards it to the configured sink, which
// an external reconnection/tracker-filter policy consumes.
func (r *Registry) EnterBad(ip string, port int, peerID [20]byte) {
	r.mu.Lock()
	r.bad[peerID] = struct{}{}
	r.mu.Unlock()
	if r.badSink != nil {
		r.badSink(ip, port, peerID)
	}
}

// IsBad reports whether peerID was previously marked bad.
func (r *Registry) IsBad(peerID [20]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, bad := r.bad[peerID]
	return bad
}

// Sessions returns a snapshot of all currently registered sessions, used
// by the torrent coordinator for choke-policy ticks and stats.
func (r *Registry) Sessions() []*peer.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer.Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Len reports the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func addrKey(s *peer.Session) string {
	return s.Conn().Addr().String()
}

func cancelMessage(ev chunkregistry.CancelEvent) peerprotocol.CancelMessage {
	return peerprotocol.CancelMessage{
		Index:  ev.Chunk.PieceIndex,
		Begin:  ev.Chunk.Offset,
		Length: ev.Chunk.Length,
	}
}
