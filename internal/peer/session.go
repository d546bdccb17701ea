// Package peer implements module F: the per-peer session state
// machine. It sits on top of internal/peerconn (framing) and
// internal/peerprotocol (wire codec), and drives internal/chunkregistry
// (request/assignment) and internal/piecewriter (write-through on
// receipt), per spec.md §4.F.
//
// Grounded on the teacher's internal/peer.Peer (referenced throughout
// session/run.go: AmChoking, PeerInterested, FastExtension,
// BytesDownlaodedInChokePeriod) generalized from rain's whole-torrent
// event loop dispatch down to a self-contained per-session state
// machine, since this module has no outer torrent event loop to route
// messages through.
package peer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/torrentkit/peerengine/internal/bitfield"
	"github.com/torrentkit/peerengine/internal/chunkregistry"
	"github.com/torrentkit/peerengine/internal/engineerr"
	"github.com/torrentkit/peerengine/internal/peerconn"
	"github.com/torrentkit/peerengine/internal/peerprotocol"
	"github.com/torrentkit/peerengine/internal/piece"
	"github.com/torrentkit/peerengine/internal/piecewriter"
	"github.com/torrentkit/peerengine/internal/storage"
)

// Request queue watermarks, spec.md §4.F.
const (
	HighWatermark = 30
	LowWatermark  = 5
)

// idleTimeout drops a connection that has exchanged nothing, not even a
// keep-alive, for this long (spec.md §5).
const idleTimeout = 2 * time.Minute

// ID identifies a peer for chunk-registry bookkeeping; shared with
// internal/chunkregistry so sessions and the scheduler agree on identity.
type ID = chunkregistry.PeerID

type chunkKey struct {
	Index, Offset, Length uint32
}

// Deps bundles the torrent-coordinator-owned collaborators a session
// needs. These are held by reference, not owned (spec.md §3).
type Deps struct {
	Registry      *chunkregistry.Registry
	Committer     *piecewriter.Committer
	Directory     *storage.Directory
	Pieces        []piece.Piece
	NumPieces     uint32
	LocalBitfield func() *bitfield.Bitfield
}

// Hooks lets the torrent coordinator / peer registry observe session
// events without the session importing either package (avoiding an
// import cycle between module F, G and H).
type Hooks struct {
	// OnInterestChange fires when our local_interested flag changes,
	// the narrow choke-policy callback surface SPEC_FULL.md adds.
	OnInterestChange func(s *Session, interested bool)
	// OnPeerInterested fires when the remote's interested/not_interested
	// state changes.
	OnPeerInterested func(s *Session, interested bool)
	// OnBadPeer fires on FatalProtocol termination, spec.md §4.F.
	OnBadPeer func(ip string, port int, peerID [20]byte)
	// OnDisconnect fires once, however the session ends.
	OnDisconnect func(s *Session)
	// DeliverCancel routes an endgame CancelEvent to the other sessions
	// named in it; the session that produced the event is excluded by
	// the registry already.
	DeliverCancel func(ev chunkregistry.CancelEvent)
}

// Session is module F: one peer's wire-protocol state machine.
type Session struct {
	conn      *peerconn.Conn
	id        ID
	direction string

	deps  Deps
	hooks Hooks

	downloadRate metrics.EWMA
	uploadRate   metrics.EWMA

	mu                           sync.Mutex
	remoteChoked                 bool // we are choked by them
	localInterested              bool
	localChoke                   bool // we are choking them
	remoteInterested             bool
	pieceSet                     *bitfield.Bitfield // nil until known
	piecesLeft                   uint32
	seeder                       bool
	endgame                      bool
	inFlight                     map[chunkKey]struct{}
	uploadPending                map[chunkKey]struct{}
	snubbed                      bool
	bytesDownloadedInChokePeriod int64
	bytesUploadedInChokePeriod   int64

	closeC   chan struct{}
	closeErr error
}

// New constructs a session over an already-handshaken connection. The
// caller (internal/torrent) is expected to call SendInitialMessages
// followed by Run.
func New(conn *peerconn.Conn, id ID, direction string, deps Deps, hooks Hooks) *Session {
	return &Session{
		conn:          conn,
		id:            id,
		direction:     direction,
		deps:          deps,
		hooks:         hooks,
		downloadRate:  metrics.NewEWMA1(),
		uploadRate:    metrics.NewEWMA1(),
		remoteChoked:  true,
		localChoke:    true,
		inFlight:      make(map[chunkKey]struct{}),
		uploadPending: make(map[chunkKey]struct{}),
		closeC:        make(chan struct{}),
	}
}

func (s *Session) ID() ID            { return s.id }
func (s *Session) Conn() *peerconn.Conn { return s.conn }
func (s *Session) Direction() string { return s.direction }

// IsSeeder reports whether the remote has every piece.
func (s *Session) IsSeeder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeder
}

// LocalInterested reports our current interested/not_interested state.
func (s *Session) LocalInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localInterested
}

// RemoteInterested reports the remote's last-announced interest.
func (s *Session) RemoteInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteInterested
}

// PieceSet returns a snapshot of the remote's known piece-set, or nil if
// it isn't known yet (no bitfield/HAVE*/HAVE received).
func (s *Session) PieceSet() *bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pieceSet == nil {
		return nil
	}
	return s.pieceSet.Clone()
}

// DownloadRate and UploadRate report the per-peer EWMA rates the
// external choke policy reads (SPEC_FULL.md's supplemented per-peer
// accounting).
func (s *Session) DownloadRate() float64 { return s.downloadRate.Rate() }
func (s *Session) UploadRate() float64   { return s.uploadRate.Rate() }

// Tick advances both EWMAs; called periodically by internal/torrent,
// generalizing the teacher's t.downloadSpeed.Tick()/t.uploadSpeed.Tick()
// from one torrent-wide counter to one pair per peer.
func (s *Session) Tick() {
	s.downloadRate.Tick()
	s.uploadRate.Tick()
}

// ChokePeriodBytes returns and resets the upload/download byte counters
// the external choke policy's rate-based tit-for-tat consumes each
// unchoke tick (spec.md §4.H / teacher's tickUnchoke).
func (s *Session) ChokePeriodBytes() (downloaded, uploaded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	downloaded, uploaded = s.bytesDownloadedInChokePeriod, s.bytesUploadedInChokePeriod
	s.bytesDownloadedInChokePeriod, s.bytesUploadedInChokePeriod = 0, 0
	return
}

// Choke and Unchoke are called by the external choke policy to set
// local_choke; both are idempotent no-ops when already in that state.
func (s *Session) Choke() {
	s.mu.Lock()
	if s.localChoke {
		s.mu.Unlock()
		return
	}
	s.localChoke = true
	s.mu.Unlock()
	s.conn.SendMessage(peerprotocol.ChokeMessage{})
}

func (s *Session) Unchoke() {
	s.mu.Lock()
	if !s.localChoke {
		s.mu.Unlock()
		return
	}
	s.localChoke = false
	s.mu.Unlock()
	s.conn.SendMessage(peerprotocol.UnchokeMessage{})
}

// Snub and Unsnub mark/unmark this peer as slow-delivering and record
// that in the chunk registry (grounded on the teacher's Snubbed field).
// The registry's chunk selection does not read this mark.
func (s *Session) Snub() {
	s.mu.Lock()
	s.snubbed = true
	s.mu.Unlock()
	s.deps.Registry.MarkSnubbed(s.id)
}

func (s *Session) Unsnub() {
	s.mu.Lock()
	s.snubbed = false
	s.mu.Unlock()
	s.deps.Registry.ClearSnubbed(s.id)
}

// SendInitialMessages sends the post-handshake setup sequence: our
// bitfield (or HAVE_ALL/HAVE_NONE under FAST), then the BEP-10 extension
// handshake if negotiated (spec.md §4.F "Post-handshake setup").
func (s *Session) SendInitialMessages(clientVersion string) {
	lb := s.deps.LocalBitfield()
	switch {
	case s.conn.FastExtension && lb.Full():
		s.conn.SendMessage(peerprotocol.HaveAllMessage{})
	case s.conn.FastExtension && lb.Empty():
		s.conn.SendMessage(peerprotocol.HaveNoneMessage{})
	default:
		s.conn.SendMessage(peerprotocol.BitfieldMessage{Data: lb.Bytes()})
	}
	if s.conn.ExtensionProtocol {
		var ip net.IP
		if tcp, ok := s.conn.Addr().(*net.TCPAddr); ok {
			ip = tcp.IP
		}
		hs := peerprotocol.NewExtensionHandshake(0, clientVersion, ip)
		payload, err := hs.Marshal()
		if err == nil {
			s.conn.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDHandshake, Payload: payload})
		}
	}
}

// Run processes messages until the connection ends, a protocol
// violation terminates it, or ctx is cancelled. It must be called as
// its own goroutine; the caller has already started conn.Run().
func (s *Session) Run(ctx context.Context) {
	defer s.disconnect()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg, ok := <-s.conn.Messages():
			if !ok {
				s.handleReaderClosed()
				return
			}
			resetTimer(idle, idleTimeout)
			if err := s.handleMessage(ctx, msg); err != nil {
				s.closeErr = err
				s.reportBad()
				return
			}
		case pm, ok := <-s.conn.PieceMessages():
			if !ok {
				s.handleReaderClosed()
				return
			}
			resetTimer(idle, idleTimeout)
			if err := s.handlePiece(ctx, pm); err != nil {
				s.closeErr = err
				s.reportBad()
				return
			}
		case <-idle.C:
			return
		case <-ctx.Done():
			return
		case <-s.closeC:
			return
		}
	}
}

// Close aborts the session from outside (disconnect policy, torrent
// shutdown).
func (s *Session) Close() {
	select {
	case <-s.closeC:
	default:
		close(s.closeC)
	}
}

// disconnect runs the failure-semantics cleanup from spec.md §4.F: drop
// all Assigned chunks, forget observed haves, notify the registry
// (module G), and release the connection.
func (s *Session) disconnect() {
	s.deps.Registry.MarkAllDropped(s.id)
	s.mu.Lock()
	ps := s.pieceSet
	s.mu.Unlock()
	if ps != nil {
		for i := uint32(0); i < s.deps.NumPieces; i++ {
			if ps.Test(i) {
				s.deps.Registry.ForgetHave(i)
			}
		}
	}
	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(s)
	}
	s.conn.Close()
}

func (s *Session) reportBad() {
	if s.hooks.OnBadPeer == nil {
		return
	}
	ip, port := s.conn.IP(), 0
	if tcp, ok := s.conn.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	s.hooks.OnBadPeer(ip, port, s.id)
}

// handleReaderClosed classifies the framing layer's terminal error, if
// any, after Run observes Messages()/PieceMessages() closed. A graceful
// EOF or caller-initiated Close carries no FatalProtocol error and is
// left alone; an unknown opcode or unnegotiated FAST/Extended message
// caught by the reader is marked bad the same way an in-session
// violation is.
func (s *Session) handleReaderClosed() {
	err := s.conn.Err()
	if err == nil {
		return
	}
	if engineerr.Is(err, engineerr.KindFatalProtocol) {
		s.closeErr = err
		s.reportBad()
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// setLocalInterested transitions local_interested and, on change, sends
// the matching wire message and notifies the choke-policy hook.
func (s *Session) setLocalInterested(want bool) {
	s.mu.Lock()
	if s.localInterested == want {
		s.mu.Unlock()
		return
	}
	s.localInterested = want
	s.mu.Unlock()

	if want {
		s.conn.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		s.conn.SendMessage(peerprotocol.NotInterestedMessage{})
	}
	if s.hooks.OnInterestChange != nil {
		s.hooks.OnInterestChange(s, want)
	}
}

// tryFillQueue implements the request-queue discipline of spec.md §4.F:
// while unchoked and our in-flight count is at or below LowWatermark,
// request chunks from the registry up to HighWatermark.
func (s *Session) tryFillQueue() {
	s.mu.Lock()
	if s.remoteChoked {
		s.mu.Unlock()
		return
	}
	if len(s.inFlight) > LowWatermark {
		s.mu.Unlock()
		return
	}
	need := HighWatermark - len(s.inFlight)
	peerPieces := s.pieceSet
	s.mu.Unlock()

	if peerPieces == nil || need <= 0 {
		return
	}

	res := s.deps.Registry.RequestChunks(s.id, peerPieces, need)
	switch res.Kind {
	case chunkregistry.ResultNotInterested:
		s.setLocalInterested(false)
	case chunkregistry.ResultChunks:
		s.mu.Lock()
		for _, c := range res.Chunks {
			s.inFlight[chunkKey{c.PieceIndex, c.Offset, c.Length}] = struct{}{}
		}
		s.endgame = s.deps.Registry.IsEndgame()
		s.mu.Unlock()
		for _, c := range res.Chunks {
			s.conn.SendMessage(peerprotocol.RequestMessage{Index: c.PieceIndex, Begin: c.Offset, Length: c.Length})
		}
	case chunkregistry.ResultNoneAvailable:
		// Nothing assignable right now; the next have/unchoke/piece
		// event will nudge tryFillQueue again.
	}
}

// NotifyHave implements the HAVE-broadcast suppression rule of spec.md
// §4.F: the torrent coordinator calls this for every connected session
// when a local piece completes, and a HAVE is sent on the wire only if
// the remote doesn't already have it per our tracked view.
func (s *Session) NotifyHave(index uint32) {
	s.mu.Lock()
	already := s.pieceSet != nil && s.pieceSet.Test(index)
	s.mu.Unlock()
	if already {
		return
	}
	s.conn.SendMessage(peerprotocol.HaveMessage{Index: index})
}

// handleRequest records an outstanding piece we owe the remote in
// uploadPending, so a CANCEL can suppress it before we've read the data
// off disk and sent it.
func (s *Session) handleRequest(ctx context.Context, m peerprotocol.RequestMessage) error {
	if m.Index >= s.deps.NumPieces {
		return engineerr.New(engineerr.KindFatalProtocol, "request", engineerr.ErrPeerSentInvalidIndex)
	}
	key := chunkKey{m.Index, m.Begin, m.Length}
	s.mu.Lock()
	choking := s.localChoke
	if !choking {
		s.uploadPending[key] = struct{}{}
	}
	s.mu.Unlock()

	if choking {
		if s.conn.FastExtension {
			s.conn.SendMessage(peerprotocol.RejectMessage{Index: m.Index, Begin: m.Begin, Length: m.Length})
		}
		return nil
	}
	go s.serveRequest(ctx, m, key)
	return nil
}

func (s *Session) serveRequest(ctx context.Context, m peerprotocol.RequestMessage, key chunkKey) {
	spans, err := piece.ChunkPositions(s.deps.Pieces[m.Index].Spans, int64(m.Begin), int64(m.Length))
	if err != nil {
		s.mu.Lock()
		delete(s.uploadPending, key)
		s.mu.Unlock()
		return
	}
	data, err := s.deps.Directory.ReadSpans(ctx, spans)
	if err != nil {
		s.mu.Lock()
		delete(s.uploadPending, key)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	_, stillPending := s.uploadPending[key]
	delete(s.uploadPending, key)
	s.mu.Unlock()
	if !stillPending {
		return // a CANCEL arrived before the read completed
	}

	s.conn.SendMessage(peerprotocol.PieceMessage{Index: m.Index, Begin: m.Begin, Data: data})
	s.mu.Lock()
	s.bytesUploadedInChokePeriod += int64(len(data))
	s.mu.Unlock()
	s.uploadRate.Update(int64(len(data)))
}

func (s *Session) handleCancel(m peerprotocol.CancelMessage) {
	s.mu.Lock()
	delete(s.uploadPending, chunkKey{m.Index, m.Begin, m.Length})
	s.mu.Unlock()
}

// DropInFlight removes a chunk from this session's in-flight set without
// touching the wire. The peer registry calls this when an endgame cancel
// is delivered for a duplicate assignment this session is still holding,
// keeping inFlight in sync with the chunk registry's own bookkeeping.
func (s *Session) DropInFlight(index, offset, length uint32) {
	s.mu.Lock()
	delete(s.inFlight, chunkKey{index, offset, length})
	s.mu.Unlock()
}

// handlePiece processes a received chunk payload against our in-flight
// set (spec.md §4.F "piece"): strays are dropped silently, recognized
// chunks are handed to the committer and, in endgame, trigger a cancel
// broadcast to any sibling assignees.
func (s *Session) handlePiece(ctx context.Context, pm peerprotocol.PieceMessage) error {
	key := chunkKey{pm.Index, pm.Begin, uint32(len(pm.Data))}
	s.mu.Lock()
	_, inFlight := s.inFlight[key]
	if inFlight {
		delete(s.inFlight, key)
	}
	s.mu.Unlock()
	if !inFlight {
		return nil // stray (spec.md §7 Stray), not an error
	}

	s.downloadRate.Update(int64(len(pm.Data)))
	s.mu.Lock()
	s.bytesDownloadedInChokePeriod += int64(len(pm.Data))
	s.mu.Unlock()

	chunk := piece.Chunk{PieceIndex: pm.Index, Offset: pm.Begin, Length: uint32(len(pm.Data))}
	ok, cancel := s.deps.Registry.MarkFetched(s.id, pm.Index, pm.Begin, chunk.Length)
	if ok {
		if err := s.deps.Committer.WriteChunk(ctx, chunk, pm.Data); err != nil {
			return nil // TransientIO: the committer has reset the piece's chunks to NotRequested; the piece stays Chunked
		}
	}
	if cancel != nil && s.hooks.DeliverCancel != nil {
		s.hooks.DeliverCancel(*cancel)
	}
	s.tryFillQueue()
	return nil
}

func (s *Session) handleReject(m peerprotocol.RejectMessage) {
	key := chunkKey{m.Index, m.Begin, m.Length}
	s.mu.Lock()
	_, present := s.inFlight[key]
	if present {
		delete(s.inFlight, key)
	}
	s.mu.Unlock()
	if present {
		s.deps.Registry.MarkDropped(s.id, m.Index, m.Begin, m.Length)
		s.tryFillQueue()
	}
}
