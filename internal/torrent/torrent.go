// Package torrent implements module H: the torrent coordinator. It owns
// the authoritative local bitfield, the counters spec.md §3 names
// (left/downloaded/uploaded), the chunk registry (D), the piece
// committer (E), the file-directory (B/C) and the peer registry (G),
// and wires them together per the data flow in spec.md §2: incoming
// bytes -> peer session (F) -> chunk registry (D) -> committer (E) ->
// peer registry (G) -> peer session (F) outgoing.
//
// Grounded on the teacher's session/torrent.go torrent struct (bitfield,
// info, peers map, incoming/outgoingHandshakers, resumerStats-style
// counters) collapsed from rain's multi-torrent Session down to this
// module's single-torrent scope (spec.md §1 treats the multi-torrent
// session, tracker, and CLI layers as external collaborators).
package torrent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/torrentkit/peerengine/internal/bitfield"
	"github.com/torrentkit/peerengine/internal/chunkregistry"
	"github.com/torrentkit/peerengine/internal/engineerr"
	"github.com/torrentkit/peerengine/internal/handshaker/incominghandshaker"
	"github.com/torrentkit/peerengine/internal/handshaker/outgoinghandshaker"
	"github.com/torrentkit/peerengine/internal/logger"
	"github.com/torrentkit/peerengine/internal/metainfo"
	"github.com/torrentkit/peerengine/internal/peer"
	"github.com/torrentkit/peerengine/internal/peerconn"
	"github.com/torrentkit/peerengine/internal/peerregistry"
	"github.com/torrentkit/peerengine/internal/piece"
	"github.com/torrentkit/peerengine/internal/piecewriter"
	"github.com/torrentkit/peerengine/internal/storage"
)

// Config carries the operator-facing knobs spec.md §6 requires to exist.
type Config struct {
	DownloadDir       string
	MaxOpenFiles      int
	ChunkLength       uint32
	HandshakeTimeout  time.Duration
	ConnectTimeout    time.Duration
	ClientVersion     string
	MaxPeers          int
}

// DefaultConfig mirrors the teacher's config.go defaults, expanded with
// the extra knobs SPEC_FULL.md's ambient config section adds.
var DefaultConfig = Config{
	MaxOpenFiles:     100,
	ChunkLength:      piece.DefaultChunkLength,
	HandshakeTimeout: 2 * time.Minute,
	ConnectTimeout:   30 * time.Second,
	ClientVersion:    "PE0001",
	MaxPeers:         200,
}

// ourFastExtension and ourExtensionProtocol are always offered; both are
// negotiated down to the AND of both sides per spec.md §4.F.
const (
	ourFastExtension     = true
	ourExtensionProtocol = true
)

// Torrent is module H.
type Torrent struct {
	log      logger.Logger
	cfg      Config
	infoHash [20]byte
	peerID   [20]byte
	info     *metainfo.Info
	pieceMap *piece.Map

	dir       *storage.Directory
	registry  *chunkregistry.Registry
	committer *piecewriter.Committer
	peers     *peerregistry.Registry

	mu         sync.Mutex
	bitfield   *bitfield.Bitfield
	downloaded int64
	uploaded   int64

	incomingHandshakers map[*incominghandshaker.Handshaker]struct{}
	outgoingHandshakers map[*outgoinghandshaker.Handshaker]struct{}
	incomingResultC     chan *incominghandshaker.Handshaker
	outgoingResultC     chan *outgoinghandshaker.Handshaker
	incomingConnC       chan net.Conn
	dialC               chan *net.TCPAddr

	hsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a torrent coordinator for info under cfg.DownloadDir,
// pre-allocating files (spec.md §6) and constructing the chunk registry
// and piece committer over the computed piece map.
func New(cfg Config, info *metainfo.Info, infoHash, peerID [20]byte) (*Torrent, error) {
	if cfg.ChunkLength == 0 {
		cfg.ChunkLength = piece.DefaultChunkLength
	}
	pm, err := piece.BuildMap(info.Files, info.Hashes, info.PieceLength)
	if err != nil {
		return nil, fmt.Errorf("torrent: %w", err)
	}
	dir, err := storage.New(cfg.DownloadDir, info, cfg.MaxOpenFiles)
	if err != nil {
		return nil, fmt.Errorf("torrent: %w", err)
	}

	t := &Torrent{
		log:                 logger.New("torrent"),
		cfg:                 cfg,
		infoHash:            infoHash,
		peerID:              peerID,
		info:                info,
		pieceMap:            pm,
		dir:                 dir,
		bitfield:            bitfield.New(info.NumPieces()),
		incomingHandshakers: make(map[*incominghandshaker.Handshaker]struct{}),
		outgoingHandshakers: make(map[*outgoinghandshaker.Handshaker]struct{}),
		incomingResultC:     make(chan *incominghandshaker.Handshaker, 8),
		outgoingResultC:     make(chan *outgoinghandshaker.Handshaker, 8),
		incomingConnC:       make(chan net.Conn, 8),
		dialC:               make(chan *net.TCPAddr, 8),
	}
	t.registry = chunkregistry.New(pm.Pieces, cfg.ChunkLength, nil)
	t.committer = piecewriter.New(dir, pm.Pieces, t.registry, t.onPieceComplete)
	t.peers = peerregistry.New(nil)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// NumPieces returns N, the torrent's piece count.
func (t *Torrent) NumPieces() uint32 { return t.info.NumPieces() }

// IsSeeding reports whether every piece has been verified and stored.
func (t *Torrent) IsSeeding() bool { return t.Bitfield().Full() }

// Bitfield returns a consistent snapshot of the local piece-set. Only
// the piece committer (via onPieceComplete) mutates the authoritative
// copy (spec.md §3 Ownership); readers always see a clone.
func (t *Torrent) Bitfield() *bitfield.Bitfield {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitfield.Clone()
}

// CheckInterest reports whether peerPieces contains any piece we lack,
// i.e. whether we should declare ourselves interested to that peer
// (spec.md §4.A difference(local, remote)).
func (t *Torrent) CheckInterest(peerPieces *bitfield.Bitfield) bool {
	return t.Bitfield().Difference(peerPieces).HasAny()
}

// IsEndgame reports whether the chunk registry has entered endgame mode.
func (t *Torrent) IsEndgame() bool { return t.registry.IsEndgame() }

// Left returns the number of bytes not yet verified and stored, the
// tracker-facing "left" counter (spec.md §4.H).
func (t *Torrent) Left() int64 {
	bf := t.Bitfield()
	var left int64
	for _, p := range t.pieceMap.Pieces {
		if !bf.Test(p.Index) {
			left += p.Length
		}
	}
	return left
}

// Run starts the coordinator's event loop: draining handshake results
// into live peer sessions, and incoming connections/outgoing dial
// requests into handshake attempts. It blocks until ctx is cancelled.
func (t *Torrent) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, t.cancel)
	defer stop()
	defer t.cancel()
	for {
		select {
		case <-t.ctx.Done():
			t.closeAll()
			return
		case conn := <-t.incomingConnC:
			t.beginIncoming(conn)
		case addr := <-t.dialC:
			t.beginOutgoing(addr)
		case ih := <-t.incomingResultC:
			t.hsMu.Lock()
			delete(t.incomingHandshakers, ih)
			t.hsMu.Unlock()
			if ih.Error != nil {
				t.log.Debugln("incoming handshake failed:", ih.Error)
				continue
			}
			t.spawnSession(ih.Conn, ih.PeerID, ih.FastExtension, ih.ExtensionProtocol, "incoming")
		case oh := <-t.outgoingResultC:
			t.hsMu.Lock()
			delete(t.outgoingHandshakers, oh)
			t.hsMu.Unlock()
			if oh.Error != nil {
				t.log.Debugln("outgoing handshake failed:", oh.Error)
				continue
			}
			t.spawnSession(oh.Conn, oh.PeerID, oh.FastExtension, oh.ExtensionProtocol, "outgoing")
		}
	}
}

// Close stops the coordinator and releases its resources.
func (t *Torrent) Close() error {
	t.cancel()
	t.wg.Wait()
	return t.dir.Close()
}

func (t *Torrent) closeAll() {
	t.hsMu.Lock()
	for h := range t.incomingHandshakers {
		h.Close()
	}
	for h := range t.outgoingHandshakers {
		h.Close()
	}
	t.hsMu.Unlock()
	for _, s := range t.peers.Sessions() {
		s.Close()
	}
}

// AcceptIncoming hands an already-accepted connection to the handshake
// pipeline (spec.md §6's Listener collaborator delivers connections
// here after reserved-byte capability detection has decided which
// extensions to attempt).
func (t *Torrent) AcceptIncoming(conn net.Conn) {
	select {
	case t.incomingConnC <- conn:
	case <-t.ctx.Done():
		conn.Close()
	}
}

// Dial requests an outgoing connection attempt to addr (normally driven
// by the tracker-discovery collaborator, out of scope per spec.md §1).
func (t *Torrent) Dial(addr *net.TCPAddr) {
	select {
	case t.dialC <- addr:
	case <-t.ctx.Done():
	}
}

func (t *Torrent) beginIncoming(conn net.Conn) {
	if t.peers.Len() >= t.cfg.MaxPeers {
		t.log.Debugln("peer limit reached, rejecting", conn.RemoteAddr())
		conn.Close()
		return
	}
	h := incominghandshaker.New(conn)
	t.hsMu.Lock()
	t.incomingHandshakers[h] = struct{}{}
	t.hsMu.Unlock()
	go h.Run(t.peerID, t.checkInfoHash, t.incomingResultC, t.cfg.HandshakeTimeout, ourFastExtension, ourExtensionProtocol)
}

func (t *Torrent) beginOutgoing(addr *net.TCPAddr) {
	if t.peers.Len() >= t.cfg.MaxPeers {
		return
	}
	h := outgoinghandshaker.New(addr)
	t.hsMu.Lock()
	t.outgoingHandshakers[h] = struct{}{}
	t.hsMu.Unlock()
	go h.Run(t.cfg.ConnectTimeout, t.cfg.HandshakeTimeout, t.peerID, t.infoHash, t.outgoingResultC, ourFastExtension, ourExtensionProtocol)
}

func (t *Torrent) checkInfoHash(infoHash [20]byte) bool {
	return infoHash == t.infoHash
}

func (t *Torrent) spawnSession(conn net.Conn, peerID [20]byte, fastExt, extProto bool, direction string) {
	log := logger.New("peer " + direction + " " + conn.RemoteAddr().String())
	pc := peerconn.New(conn, peerID, fastExt, extProto, log)

	sess := peer.New(pc, peer.ID(peerID), direction, peer.Deps{
		Registry:      t.registry,
		Committer:     t.committer,
		Directory:     t.dir,
		Pieces:        t.pieceMap.Pieces,
		NumPieces:     t.info.NumPieces(),
		LocalBitfield: t.Bitfield,
	}, peer.Hooks{
		OnBadPeer: t.peers.EnterBad,
		OnDisconnect: func(s *peer.Session) {
			t.peers.Remove(s)
		},
		DeliverCancel: t.peers.DeliverCancel,
	})

	if !t.peers.Add(sess) {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		pc.Run()
	}()
	sess.SendInitialMessages(t.cfg.ClientVersion)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		sess.Run(t.ctx)
	}()
}

// onPieceComplete is the piece committer's OnComplete callback
// (internal/piecewriter.OnComplete): it is the only path that mutates
// the authoritative bitfield, per spec.md §3 Ownership.
func (t *Torrent) onPieceComplete(index uint32, verified bool) {
	if !verified {
		t.log.Warningln("piece failed verification, requeued:", index)
		return
	}
	t.mu.Lock()
	if t.bitfield.Test(index) {
		t.mu.Unlock()
		t.log.Errorln(engineerr.New(engineerr.KindFatalProtocol, "piece-complete", fmt.Errorf("piece %d already marked complete", index)))
		return
	}
	t.bitfield.Set(index)
	t.mu.Unlock()
	t.peers.BroadcastHave(index)
}
