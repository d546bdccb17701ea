// Package piece implements the piece-map: mapping a piece index to the
// ordered list of (file, offset, length) spans it occupies across an
// arbitrary multi-file layout, and resolving a chunk's sub-range within
// a piece down to the same spans. This is module B (minus the
// open-handle LRU, which lives in internal/storage) and the Piece/Chunk
// data model from spec.md §3.
package piece

import (
	"fmt"

	"github.com/torrentkit/peerengine/internal/metainfo"
)

// DefaultChunkLength is the default chunk size used to sub-divide a
// piece into peer-request units (spec.md §3).
const DefaultChunkLength = 16 * 1024

// State is the lifecycle of a piece as tracked by the chunk registry and
// committer.
type State int

const (
	NotFetched State = iota
	Chunked
	Fetched
	Invalid
)

func (s State) String() string {
	switch s {
	case NotFetched:
		return "not_fetched"
	case Chunked:
		return "chunked"
	case Fetched:
		return "fetched"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Span is a contiguous byte range within a single file.
type Span struct {
	FileIndex int
	Offset    int64
	Length    int64
}

// Piece describes one fixed-size (except possibly the last) unit of the
// torrent payload.
type Piece struct {
	Index  uint32
	Hash   [20]byte
	Length int64
	Spans  []Span
}

// Chunk is a sub-range of a piece: the unit of peer request.
type Chunk struct {
	PieceIndex uint32
	Offset     uint32
	Length     uint32
}

// Map holds the piece list and the file list they were computed from.
type Map struct {
	Files       []metainfo.File
	PieceLength int64
	Pieces      []Piece
}

// BuildMap computes the piece-to-span mapping for a file list and piece
// length, following spec.md §4.B's sweep algorithm: walk files in order,
// maintaining a fill cursor, emitting one span per piece unless the
// piece's remaining bytes overflow the current file, in which case a
// span is emitted for the remainder of the file and the sweep advances.
func BuildMap(files []metainfo.File, hashes [][20]byte, pieceLength int64) (*Map, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("piece: invalid piece length %d", pieceLength)
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	numPieces := uint32(len(hashes))
	if numPieces == 0 {
		return &Map{Files: files, PieceLength: pieceLength}, nil
	}

	m := &Map{Files: files, PieceLength: pieceLength, Pieces: make([]Piece, numPieces)}

	fileIdx := 0
	fileOff := int64(0)
	for pi := uint32(0); pi < numPieces; pi++ {
		remaining := pieceLength
		if pi == numPieces-1 {
			if mod := total % pieceLength; mod != 0 {
				remaining = mod
			}
		}
		p := Piece{Index: pi, Hash: hashes[pi], Length: remaining}
		for remaining > 0 {
			if fileIdx >= len(files) {
				return nil, fmt.Errorf("piece: file list shorter than declared piece hashes (total=%d, pieceLength=%d)", total, pieceLength)
			}
			avail := files[fileIdx].Size - fileOff
			if avail <= 0 {
				fileIdx++
				fileOff = 0
				continue
			}
			take := remaining
			if take > avail {
				take = avail
			}
			p.Spans = append(p.Spans, Span{FileIndex: fileIdx, Offset: fileOff, Length: take})
			fileOff += take
			remaining -= take
			if fileOff == files[fileIdx].Size {
				fileIdx++
				fileOff = 0
			}
		}
		m.Pieces[pi] = p
	}
	return m, nil
}

// ChunkPositions resolves a (offset, length) sub-range within a piece's
// spans to the list of (file, fileOffset, subLength) ranges it touches,
// per spec.md §4.B: walk spans skipping while offset >= span length
// (decrementing offset), then emit spans until length is exhausted,
// truncating the first and last as needed.
func ChunkPositions(spans []Span, offset, length int64) ([]Span, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("piece: negative offset/length")
	}
	var out []Span
	remaining := length
	for _, s := range spans {
		if offset >= s.Length {
			offset -= s.Length
			continue
		}
		if remaining <= 0 {
			break
		}
		start := s.Offset + offset
		avail := s.Length - offset
		take := remaining
		if take > avail {
			take = avail
		}
		out = append(out, Span{FileIndex: s.FileIndex, Offset: start, Length: take})
		remaining -= take
		offset = 0
	}
	if remaining > 0 {
		return nil, fmt.Errorf("piece: chunk range exceeds piece spans (short by %d bytes)", remaining)
	}
	return out, nil
}

// Chunks splits a piece into chunkLength-sized chunks (DefaultChunkLength
// when chunkLength is 0), with the final chunk shorter if the piece
// length isn't a multiple of it.
func (p *Piece) Chunks(chunkLength uint32) []Chunk {
	if chunkLength == 0 {
		chunkLength = DefaultChunkLength
	}
	var chunks []Chunk
	var off int64
	for off < p.Length {
		l := int64(chunkLength)
		if off+l > p.Length {
			l = p.Length - off
		}
		chunks = append(chunks, Chunk{PieceIndex: p.Index, Offset: uint32(off), Length: uint32(l)})
		off += l
	}
	return chunks
}
