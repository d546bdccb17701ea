// Package config loads the operator-facing knobs SPEC_FULL.md's ambient
// configuration section names: download directory, listen port, the
// open-file-handle bound K, chunk size, and handshake/connect timeouts.
// The request-queue watermarks are not configurable here: they are the
// constants peer.HighWatermark (30) and peer.LowWatermark (5).
//
// Grounded on the teacher's root config.go (LoadConfig reading YAML over
// a DefaultConfig baseline) generalized from rain's single Port/
// Encryption pair to the full knob set this engine's modules need,
// using the same gopkg.in/yaml dependency.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torrentkit/peerengine/internal/piece"
	"github.com/torrentkit/peerengine/internal/torrent"
)

// Config is the top-level on-disk shape.
type Config struct {
	DownloadDir      string        `yaml:"download_dir"`
	Port             uint16        `yaml:"port"`
	MaxOpenFiles     int           `yaml:"max_open_files"`
	ChunkLength      uint32        `yaml:"chunk_length"`
	MaxPeers         int           `yaml:"max_peers"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ClientVersion    string        `yaml:"client_version"`
}

// Default mirrors the teacher's DefaultConfig pattern: a baseline struct
// that Load overlays a file on top of.
var Default = Config{
	DownloadDir:      ".",
	Port:             6881,
	MaxOpenFiles:     100,
	ChunkLength:      piece.DefaultChunkLength,
	MaxPeers:         200,
	HandshakeTimeout: 2 * time.Minute,
	ConnectTimeout:   30 * time.Second,
	ClientVersion:    "PE0001",
}

// Load reads filename as YAML over Default. A missing file is not an
// error; Default is returned unchanged, matching the teacher's
// LoadConfig behavior for an absent config file.
func Load(filename string) (*Config, error) {
	c := Default
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// TorrentConfig projects this config onto the subset internal/torrent
// needs, keeping that package ignorant of the on-disk file shape.
func (c *Config) TorrentConfig() torrent.Config {
	return torrent.Config{
		DownloadDir:      c.DownloadDir,
		MaxOpenFiles:     c.MaxOpenFiles,
		ChunkLength:      c.ChunkLength,
		HandshakeTimeout: c.HandshakeTimeout,
		ConnectTimeout:   c.ConnectTimeout,
		ClientVersion:    c.ClientVersion,
		MaxPeers:         c.MaxPeers,
	}
}
