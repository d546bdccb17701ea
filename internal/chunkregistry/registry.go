// Package chunkregistry implements module D: the shared, per-torrent
// chunk scheduler. It hands out in-flight chunk requests under
// high/low watermark discipline (enforced by the caller, internal/peer),
// tracks drops and completions, and drives endgame mode. Grounded on the
// mutex-guarded bookkeeping style of uber-kraken's
// lib/torrent/scheduler/dispatch/piecerequest.Manager, generalized from
// kraken's whole-piece requests to spec.md's per-chunk model, and on the
// teacher's piecepicker/piecedownloader naming.
package chunkregistry

import (
	"sort"
	"sync"

	"github.com/andres-erbsen/clock"

	"github.com/torrentkit/peerengine/internal/bitfield"
	"github.com/torrentkit/peerengine/internal/logger"
	"github.com/torrentkit/peerengine/internal/piece"
)

// PeerID identifies a peer for assignment bookkeeping. BitTorrent peer
// IDs are 20 bytes.
type PeerID [20]byte

// EndgameMultiplier sets the endgame threshold: endgame begins when the
// number of not-yet-fetched chunks falls to or below
// remainingPieces * EndgameMultiplier.
const EndgameMultiplier = 4

type chunkStatus int

const (
	notRequested chunkStatus = iota
	assigned
	fetched
	stored
)

type pieceState struct {
	state     piece.State
	chunks    []piece.Chunk
	status    []chunkStatus
	assignees []map[PeerID]struct{}
	storedN   int
}

// ResultKind discriminates the outcome of RequestChunks.
type ResultKind int

const (
	// ResultChunks: chunks were assigned to the caller.
	ResultChunks ResultKind = iota
	// ResultNotInterested: the peer's piece-set has nothing we lack.
	ResultNotInterested
	// ResultNoneAvailable: the peer has pieces we want, but nothing is
	// currently assignable (outside endgame, everything is already
	// Assigned to someone else).
	ResultNoneAvailable
)

// Result is the return value of RequestChunks.
type Result struct {
	Kind   ResultKind
	Chunks []piece.Chunk
}

// CancelEvent is emitted by MarkFetched in endgame mode: the caller
// (internal/peer, via internal/torrent) must send a CANCEL for this
// chunk to every peer in Peers except the fetcher.
type CancelEvent struct {
	Chunk piece.Chunk
	Peers []PeerID
}

// Registry is the per-torrent chunk scheduler, module D.
type Registry struct {
	log         logger.Logger
	clock       clock.Clock
	chunkLength uint32
	pieces      []piece.Piece

	mu              sync.Mutex
	states          []pieceState
	remainingChunks int
	remainingPieces int
	freq            map[uint32]int
	snubbed         map[PeerID]struct{}
}

// New builds a registry over pieces, pre-computing each piece's total
// chunk count (needed to size the endgame threshold) without activating
// any piece into the Chunked state yet.
func New(pieces []piece.Piece, chunkLength uint32, clk clock.Clock) *Registry {
	if chunkLength == 0 {
		chunkLength = piece.DefaultChunkLength
	}
	if clk == nil {
		clk = clock.New()
	}
	r := &Registry{
		log:         logger.New("chunkregistry"),
		clock:       clk,
		chunkLength: chunkLength,
		pieces:      pieces,
		states:      make([]pieceState, len(pieces)),
		freq:        make(map[uint32]int),
		snubbed:     make(map[PeerID]struct{}),
	}
	for i, p := range pieces {
		r.states[i].state = piece.NotFetched
		r.remainingChunks += len(p.Chunks(chunkLength))
	}
	r.remainingPieces = len(pieces)
	return r
}

// IsEndgame reports whether the registry is currently in endgame mode.
func (r *Registry) IsEndgame() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isEndgameLocked()
}

func (r *Registry) isEndgameLocked() bool {
	if r.remainingPieces == 0 {
		return false
	}
	return r.remainingChunks <= r.remainingPieces*EndgameMultiplier
}

// ObserveHave records that a peer has piece index, for rarest-first
// selection. Called from internal/peer on HAVE/bitfield/HAVE_ALL.
func (r *Registry) ObserveHave(index uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freq[index]++
}

// ForgetHave undoes ObserveHave, called on peer disconnect for every
// piece the peer was known to have.
func (r *Registry) ForgetHave(index uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freq[index] > 0 {
		r.freq[index]--
	}
}

// MarkSnubbed records peerID as snubbed until ClearSnubbed is called.
// The recorded set is not consulted by RequestChunks: a snubbed peer is
// assigned chunks exactly like any other peer.
func (r *Registry) MarkSnubbed(p PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snubbed[p] = struct{}{}
}

// ClearSnubbed reverses MarkSnubbed.
func (r *Registry) ClearSnubbed(p PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snubbed, p)
}

// RequestChunks selects up to num chunks to assign to peerID, from
// pieces peerID is known to have (peerPieces), per the selection policy
// in spec.md §4.D.
func (r *Registry) RequestChunks(peerID PeerID, peerPieces *bitfield.Bitfield, num int) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if num <= 0 {
		return Result{Kind: ResultNoneAvailable}
	}

	var chunkedCandidates, notFetchedCandidates []uint32
	for i := range r.pieces {
		idx := uint32(i)
		if !peerPieces.Test(idx) {
			continue
		}
		switch r.states[i].state {
		case piece.Chunked:
			chunkedCandidates = append(chunkedCandidates, idx)
		case piece.NotFetched:
			notFetchedCandidates = append(notFetchedCandidates, idx)
		}
	}
	if len(chunkedCandidates) == 0 && len(notFetchedCandidates) == 0 {
		return Result{Kind: ResultNotInterested}
	}

	r.sortByRarity(chunkedCandidates)
	r.sortByRarity(notFetchedCandidates)

	var out []piece.Chunk
	for _, pi := range chunkedCandidates {
		out = r.fillFromPiece(pi, peerID, out, num)
		if len(out) >= num {
			return Result{Kind: ResultChunks, Chunks: out}
		}
	}
	for _, pi := range notFetchedCandidates {
		r.activate(pi)
		out = r.fillFromPiece(pi, peerID, out, num)
		if len(out) >= num {
			return Result{Kind: ResultChunks, Chunks: out}
		}
	}
	if len(out) < num && r.isEndgameLocked() {
		out = r.fillFromAssigned(chunkedCandidates, peerID, out, num)
	}
	if len(out) == 0 {
		return Result{Kind: ResultNoneAvailable}
	}
	return Result{Kind: ResultChunks, Chunks: out}
}

// sortByRarity orders candidates by ascending peer-observed frequency,
// falling back to piece index for a deterministic tie-break when no
// frequency data distinguishes them (spec.md allows "else random"; a
// stable order is simpler to reason about and equally valid).
func (r *Registry) sortByRarity(candidates []uint32) {
	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := r.freq[candidates[i]], r.freq[candidates[j]]
		if fi != fj {
			return fi < fj
		}
		return candidates[i] < candidates[j]
	})
}

// activate transitions a NotFetched piece to Chunked, populating its
// chunk set.
func (r *Registry) activate(pi uint32) {
	ps := &r.states[pi]
	if ps.state != piece.NotFetched {
		return
	}
	ps.chunks = r.pieces[pi].Chunks(r.chunkLength)
	ps.status = make([]chunkStatus, len(ps.chunks))
	ps.assignees = make([]map[PeerID]struct{}, len(ps.chunks))
	ps.state = piece.Chunked
}

func (r *Registry) fillFromPiece(pi uint32, peerID PeerID, out []piece.Chunk, num int) []piece.Chunk {
	ps := &r.states[pi]
	for i := range ps.chunks {
		if len(out) >= num {
			break
		}
		if ps.status[i] != notRequested {
			continue
		}
		ps.status[i] = assigned
		ps.assignees[i] = map[PeerID]struct{}{peerID: {}}
		out = append(out, ps.chunks[i])
	}
	return out
}

// fillFromAssigned duplicates requests onto chunks already Assigned to
// other peers, the endgame behavior in spec.md §4.D.
func (r *Registry) fillFromAssigned(candidates []uint32, peerID PeerID, out []piece.Chunk, num int) []piece.Chunk {
	for _, pi := range candidates {
		ps := &r.states[pi]
		for i := range ps.chunks {
			if len(out) >= num {
				return out
			}
			if ps.status[i] != assigned {
				continue
			}
			if _, already := ps.assignees[i][peerID]; already {
				continue
			}
			ps.assignees[i][peerID] = struct{}{}
			out = append(out, ps.chunks[i])
		}
	}
	return out
}

func (r *Registry) findChunk(pieceIndex uint32, offset, length uint32) (*pieceState, int, bool) {
	if int(pieceIndex) >= len(r.states) {
		return nil, 0, false
	}
	ps := &r.states[pieceIndex]
	for i, c := range ps.chunks {
		if c.Offset == offset && c.Length == length {
			return ps, i, true
		}
	}
	return nil, 0, false
}

// MarkFetched transitions a chunk Assigned(peer)->Fetched. It is
// idempotent: repeated calls for the same chunk are no-ops. A call for a
// chunk that isn't currently Assigned to peerID is accepted as a stray
// (spec.md §4.D invariant 3) and returns ok=false with no state change.
// In endgame, the first fetcher's success causes a CancelEvent to be
// returned so other assignees can be told to stop requesting it.
func (r *Registry) MarkFetched(peerID PeerID, pieceIndex uint32, offset, length uint32) (ok bool, cancel *CancelEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, i, found := r.findChunk(pieceIndex, offset, length)
	if !found {
		return false, nil
	}
	switch ps.status[i] {
	case fetched, stored:
		return true, nil // idempotent
	case notRequested:
		return false, nil // stray
	case assigned:
		if _, present := ps.assignees[i][peerID]; !present {
			return false, nil // stray: not assigned to this peer
		}
	}

	others := make([]PeerID, 0, len(ps.assignees[i]))
	for p := range ps.assignees[i] {
		if p != peerID {
			others = append(others, p)
		}
	}
	ps.status[i] = fetched
	ps.assignees[i] = nil
	r.remainingChunks--

	if len(others) > 0 {
		cancel = &CancelEvent{Chunk: ps.chunks[i], Peers: others}
	}
	return true, cancel
}

// MarkStored records a durable write for a chunk. When every chunk of
// the piece has reached Stored, the piece transitions Chunked->Fetched
// atomically and complete is true, exactly once.
func (r *Registry) MarkStored(pieceIndex uint32, offset, length uint32) (complete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, i, found := r.findChunk(pieceIndex, offset, length)
	if !found || ps.status[i] == stored {
		return false
	}
	ps.status[i] = stored
	ps.storedN++
	if ps.storedN < len(ps.chunks) {
		return false
	}
	if ps.state == piece.Fetched {
		return false // already completed (shouldn't happen, defensive)
	}
	ps.state = piece.Fetched
	r.remainingPieces--
	return true
}

// MarkDropped transitions a chunk from Assigned(peer) back to
// NotRequested (or leaves it Assigned if other peers still hold it, in
// endgame). Used on peer choke (without FAST) or disconnect.
func (r *Registry) MarkDropped(peerID PeerID, pieceIndex uint32, offset, length uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, i, found := r.findChunk(pieceIndex, offset, length)
	if !found || ps.status[i] != assigned {
		return
	}
	delete(ps.assignees[i], peerID)
	if len(ps.assignees[i]) == 0 {
		ps.status[i] = notRequested
		ps.assignees[i] = nil
	}
}

// MarkAllDropped bulk-drops every chunk Assigned to peerID across all
// pieces. Triggered when a peer is choked without FAST extension support
// or disconnects.
func (r *Registry) MarkAllDropped(peerID PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pi := range r.states {
		ps := &r.states[pi]
		for i := range ps.chunks {
			if ps.status[i] != assigned {
				continue
			}
			if _, present := ps.assignees[i][peerID]; !present {
				continue
			}
			delete(ps.assignees[i], peerID)
			if len(ps.assignees[i]) == 0 {
				ps.status[i] = notRequested
				ps.assignees[i] = nil
			}
		}
	}
}

// ResetPiece returns a piece's chunks to NotRequested (Hash-mismatch
// recovery path, spec.md §4.E/§7): used after a failed verification so
// the piece can be re-chunked and re-requested. The piece stays Chunked
// if it still has chunks, or reverts to NotFetched if it has none
// (defensive; in practice it always has chunks once activated).
func (r *Registry) ResetPiece(pieceIndex uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(pieceIndex) >= len(r.states) {
		return
	}
	ps := &r.states[pieceIndex]
	if ps.state == piece.Fetched {
		r.remainingPieces++
	}
	for i := range ps.status {
		if ps.status[i] == stored || ps.status[i] == fetched {
			r.remainingChunks++
		}
		ps.status[i] = notRequested
		ps.assignees[i] = nil
	}
	ps.storedN = 0
	if len(ps.chunks) > 0 {
		ps.state = piece.Chunked
	} else {
		ps.state = piece.NotFetched
	}
}

// RemainingPieces returns the count of pieces not yet Fetched.
func (r *Registry) RemainingPieces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remainingPieces
}
