// Command peerengine is a minimal runnable example wiring the library
// packages together: load a .torrent file, build the piece map and
// on-disk storage, start the torrent coordinator, and listen for
// incoming connections while dialing any peer addresses passed on the
// command line.
//
// Grounded on the teacher's top-level composition pattern (config.Load
// then constructing a session) generalized to this module's
// single-torrent scope; peer discovery (tracker/DHT) is out of scope
// (spec.md §1), so peers are supplied directly as addresses.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/torrentkit/peerengine/internal/config"
	"github.com/torrentkit/peerengine/internal/logger"
	"github.com/torrentkit/peerengine/internal/metainfo"
	"github.com/torrentkit/peerengine/internal/torrent"
)

var log = logger.New("main")

func main() {
	if err := run(); err != nil {
		log.Errorln(err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	peersFlag := flag.String("peers", "", "comma-separated host:port peers to dial")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	info, err := loadMetainfo(*torrentPath)
	if err != nil {
		return err
	}
	infoHash := sha1.Sum(info.Raw)

	peerID, err := newPeerID()
	if err != nil {
		return err
	}

	t, err := torrent.New(cfg.TorrentConfig(), info, infoHash, peerID)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	defer ln.Close()

	go acceptLoop(ctx, ln, t)
	dialPeers(t, *peersFlag)

	log.Infof("listening on %s, %d pieces", ln.Addr(), t.NumPieces())
	t.Run(ctx)
	return t.Close()
}

func loadMetainfo(path string) (*metainfo.Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return metainfo.New(f)
}

// newPeerID generates an Azureus-style 20-byte peer ID, the convention
// the teacher's handshake and tracker layers both expect.
func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-PE0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}

func acceptLoop(ctx context.Context, ln net.Listener, t *torrent.Torrent) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Errorln("accept:", err)
				return
			}
		}
		t.AcceptIncoming(conn)
	}
}

func dialPeers(t *torrent.Torrent, peers string) {
	if peers == "" {
		return
	}
	for _, addr := range splitCSV(peers) {
		tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			log.Warningln("bad peer address", addr, err)
			continue
		}
		t.Dial(tcpAddr)
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
