package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default, *c)
}

func TestLoadOverlaysFileOntoDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\nmax_peers: 50\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 7000, c.Port)
	require.Equal(t, 50, c.MaxPeers)
	// Fields absent from the file keep their Default value.
	require.Equal(t, Default.ChunkLength, c.ChunkLength)
	require.Equal(t, Default.HandshakeTimeout, c.HandshakeTimeout)
}

func TestTorrentConfigProjection(t *testing.T) {
	c := Default
	c.DownloadDir = "/tmp/downloads"
	c.ConnectTimeout = 5 * time.Second
	tc := c.TorrentConfig()
	require.Equal(t, c.DownloadDir, tc.DownloadDir)
	require.Equal(t, c.ConnectTimeout, tc.ConnectTimeout)
	require.Equal(t, c.ChunkLength, tc.ChunkLength)
	require.Equal(t, c.MaxPeers, tc.MaxPeers)
}
