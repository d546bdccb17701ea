// Package piecewriter implements module E: the verify-and-commit
// pipeline. A received chunk is written to disk and handed to the chunk
// registry as Stored; once every chunk of a piece is Stored, the
// assembled piece is SHA-1-verified against its expected hash from
// metainfo and either committed (piece Fetched, bit set, HAVE broadcast)
// or rolled back to Chunked with its chunks reset for re-request.
//
// Grounded on the teacher's piecewriter/verifier split (session/run.go's
// pieceWriterResultC handling) and the pack's single-file verify+flush
// pattern in prxssh-rabbit/pkg/storage (VerifyAndFlushPiece).
package piecewriter

import (
	"context"
	"crypto/sha1"
	"sync"

	"github.com/torrentkit/peerengine/internal/chunkregistry"
	"github.com/torrentkit/peerengine/internal/engineerr"
	"github.com/torrentkit/peerengine/internal/logger"
	"github.com/torrentkit/peerengine/internal/piece"
	"github.com/torrentkit/peerengine/internal/storage"
)

// OnComplete is invoked exactly once per successful piece_complete event,
// after verification has run. verified is false on a hash mismatch. The
// torrent coordinator (module H) is the only thing allowed to mutate the
// local bitfield (spec.md §3 Ownership), so it supplies this callback to
// do so and to trigger the HAVE broadcast.
type OnComplete func(pieceIndex uint32, verified bool)

// Committer is module E.
type Committer struct {
	log      logger.Logger
	dir      *storage.Directory
	pieces   []piece.Piece
	registry *chunkregistry.Registry
	onComp   OnComplete

	// verifyMu serializes verification+commit so that "piece Fetched" is
	// observable atomically to other components (spec.md §5).
	verifyMu sync.Mutex
}

// New constructs a Committer over pieces, backed by dir for reads/writes
// and registry for Stored/piece_complete bookkeeping.
func New(dir *storage.Directory, pieces []piece.Piece, registry *chunkregistry.Registry, onComplete OnComplete) *Committer {
	return &Committer{
		log:      logger.New("piecewriter"),
		dir:      dir,
		pieces:   pieces,
		registry: registry,
		onComp:   onComplete,
	}
}

// WriteChunk durably writes a received chunk's payload to disk and
// records it as Stored. If this was the piece's last outstanding chunk,
// it triggers verification and the OnComplete callback.
func (c *Committer) WriteChunk(ctx context.Context, chunk piece.Chunk, data []byte) error {
	if int(chunk.PieceIndex) >= len(c.pieces) {
		return engineerr.New(engineerr.KindFatalProtocol, "write-chunk", engineerr.ErrPeerSentInvalidIndex)
	}
	p := &c.pieces[chunk.PieceIndex]
	spans, err := piece.ChunkPositions(p.Spans, int64(chunk.Offset), int64(chunk.Length))
	if err != nil {
		return engineerr.New(engineerr.KindFatalProtocol, "chunk-positions", err)
	}
	if err := c.dir.WriteSpans(ctx, spans, data); err != nil {
		// A write failure leaves the piece partially on disk with no way
		// to tell which chunks landed, so drop the whole piece back to
		// NotRequested for lazy re-request instead of leaving it stuck
		// Fetched-but-not-Stored.
		c.log.Errorln("transient write failure for piece", chunk.PieceIndex, err)
		c.registry.ResetPiece(chunk.PieceIndex)
		return err
	}
	if c.registry.MarkStored(chunk.PieceIndex, chunk.Offset, chunk.Length) {
		c.verifyAndFinalize(ctx, chunk.PieceIndex)
	}
	return nil
}

// verifyAndFinalize assembles the piece, checks its SHA-1, and either
// commits or resets it. One piece is processed at a time per torrent.
func (c *Committer) verifyAndFinalize(ctx context.Context, pieceIndex uint32) {
	c.verifyMu.Lock()
	defer c.verifyMu.Unlock()

	p := &c.pieces[pieceIndex]
	data, err := c.dir.ReadSpans(ctx, p.Spans)
	if err != nil {
		c.log.Errorln("cannot read back completed piece", pieceIndex, err)
		c.registry.ResetPiece(pieceIndex)
		if c.onComp != nil {
			c.onComp(pieceIndex, false)
		}
		return
	}
	sum := sha1.Sum(data)
	if sum != p.Hash {
		c.log.Warningln("hash mismatch for piece", pieceIndex)
		c.registry.ResetPiece(pieceIndex)
		if c.onComp != nil {
			c.onComp(pieceIndex, false)
		}
		return
	}
	if c.onComp != nil {
		c.onComp(pieceIndex, true)
	}
}
