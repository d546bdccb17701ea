// Package tracker defines the collaborator boundary between this engine
// and tracker communication. Announcing over HTTP/UDP and discovering
// peers via DHT are out of scope (spec.md §1); this package only
// specifies the interface the torrent coordinator calls against, so a
// concrete implementation can be supplied by the embedding application.
//
// Grounded on the teacher's internal/tracker.Torrent (the per-torrent
// counters an announce request carries) expanded into the request/
// response/interface shape of the pack's prxssh-rabbit/pkg/tracker
// TrackerProtocol, trimmed to only what this engine's scope needs:
// InfoHash/PeerID/Uploaded/Downloaded/Left/Event in, a peer address list
// and re-announce interval out.
package tracker

import (
	"context"
	"net"
	"time"
)

// Event signals a lifecycle transition to the tracker.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams mirrors the counters internal/torrent.Torrent already
// tracks (InfoHash, peer ID, Left via Torrent.Left, Uploaded/Downloaded
// via the per-peer ChokePeriodBytes accumulators), so the embedding
// application can read them straight off a *torrent.Torrent.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// AnnounceResponse is what the torrent coordinator needs back: a peer
// list to dial (fed to Torrent.Dial) and how long to wait before the
// next announce.
type AnnounceResponse struct {
	Interval time.Duration
	Peers    []*net.TCPAddr
}

// Announcer is the collaborator interface internal/torrent's caller
// implements. This package ships no HTTP/UDP/DHT client; wiring one up
// is the embedding application's responsibility.
type Announcer interface {
	Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error)
}
