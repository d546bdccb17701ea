package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/torrentkit/peerengine/internal/metainfo"
	"github.com/torrentkit/peerengine/internal/piece"
)

func testInfo() *metainfo.Info {
	return &metainfo.Info{
		Name: "t",
		Files: []metainfo.File{
			{Path: []string{"a.dat"}, Size: 8},
			{Path: []string{"b.dat"}, Size: 8},
			{Path: []string{"c.dat"}, Size: 8},
		},
	}
}

func TestDirectoryLRUEviction(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, testInfo(), 2)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	_, err = d.ScheduleIO(ctx, 0) // A
	require.NoError(t, err)
	_, err = d.ScheduleIO(ctx, 1) // B
	require.NoError(t, err)
	_, err = d.ScheduleIO(ctx, 0) // A again (touch)
	require.NoError(t, err)
	_, err = d.ScheduleIO(ctx, 2) // C, should evict B (LRU)
	require.NoError(t, err)

	require.LessOrEqual(t, d.OpenCount(), 2)
	require.True(t, d.workers[2].isOpen())
}

func TestWriteReadSpansRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, testInfo(), 2)
	require.NoError(t, err)
	defer d.Close()

	spans := []piece.Span{
		{FileIndex: 0, Offset: 4, Length: 4},
		{FileIndex: 1, Offset: 0, Length: 2},
	}
	ctx := context.Background()
	require.NoError(t, d.WriteSpans(ctx, spans, []byte("abcdef")))
	got, err := d.ReadSpans(ctx, spans)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), got)
}

func TestPreallocation(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, testInfo(), 2)
	require.NoError(t, err)
	fi, err := os.Stat(dir + "/t/a.dat")
	require.NoError(t, err)
	require.EqualValues(t, 8, fi.Size())
}

func TestSingleFileLayout(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{Name: "movie.mkv", Files: []metainfo.File{{Size: 16}}}
	d, err := New(dir, info, 1)
	require.NoError(t, err)
	defer d.Close()
	_, err = os.Stat(dir + "/movie.mkv")
	require.NoError(t, err)
}
