package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/torrentkit/peerengine/internal/metainfo"
)

func TestBuildMapCoverage(t *testing.T) {
	files := []metainfo.File{
		{Path: []string{"a.dat"}, Size: 3},
		{Path: []string{"b.dat"}, Size: 5},
	}
	hashes := make([][20]byte, 2)
	m, err := BuildMap(files, hashes, 4)
	require.NoError(t, err)
	require.Len(t, m.Pieces, 2)

	p0 := m.Pieces[0]
	assert.Equal(t, int64(4), p0.Length)
	require.Len(t, p0.Spans, 2)
	assert.Equal(t, Span{FileIndex: 0, Offset: 0, Length: 3}, p0.Spans[0])
	assert.Equal(t, Span{FileIndex: 1, Offset: 0, Length: 1}, p0.Spans[1])

	p1 := m.Pieces[1]
	assert.Equal(t, int64(4), p1.Length)
	require.Len(t, p1.Spans, 1)
	assert.Equal(t, Span{FileIndex: 1, Offset: 1, Length: 4}, p1.Spans[0])

	var total int64
	for _, p := range m.Pieces {
		for _, s := range p.Spans {
			total += s.Length
		}
	}
	assert.EqualValues(t, 8, total)
}

func TestBuildMapLastPieceShort(t *testing.T) {
	files := []metainfo.File{{Size: 10}}
	hashes := make([][20]byte, 3)
	m, err := BuildMap(files, hashes, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Pieces[0].Length)
	assert.Equal(t, int64(4), m.Pieces[1].Length)
	assert.Equal(t, int64(2), m.Pieces[2].Length)
}

func TestChunkPositions(t *testing.T) {
	spans := []Span{
		{FileIndex: 0, Offset: 100, Length: 3},
		{FileIndex: 1, Offset: 0, Length: 5},
	}
	// chunk covering [2,6) of the piece: last byte of span0, first three bytes of span1.
	out, err := ChunkPositions(spans, 2, 4)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, Span{FileIndex: 0, Offset: 102, Length: 1}, out[0])
	assert.Equal(t, Span{FileIndex: 1, Offset: 0, Length: 3}, out[1])

	var sum int64
	for _, s := range out {
		sum += s.Length
	}
	assert.EqualValues(t, 4, sum)
}

func TestChunkPositionsExceedsSpans(t *testing.T) {
	spans := []Span{{FileIndex: 0, Offset: 0, Length: 4}}
	_, err := ChunkPositions(spans, 0, 5)
	assert.Error(t, err)
}

func TestChunksDefaultLength(t *testing.T) {
	p := &Piece{Index: 0, Length: DefaultChunkLength*2 + 100}
	chunks := p.Chunks(0)
	require.Len(t, chunks, 3)
	assert.Equal(t, uint32(DefaultChunkLength), chunks[0].Length)
	assert.Equal(t, uint32(DefaultChunkLength), chunks[1].Length)
	assert.Equal(t, uint32(100), chunks[2].Length)
}
