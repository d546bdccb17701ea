package peerprotocol

import (
	"net"

	"github.com/zeebo/bencode"
)

// ExtensionIDHandshake is the reserved extended-message ID for the
// BEP-10 handshake itself; all other IDs are assigned by the m
// dictionary it carries.
const ExtensionIDHandshake = 0

// ExtensionHandshake is the bencoded payload of the BEP-10 handshake,
// supplementing spec.md's base protocol per SPEC_FULL.md's
// metadata_size/yourip plumbing. Grounded on the teacher's
// peerprotocol.NewExtensionHandshake call in session/run.go, which
// takes a metadata size, a client version string, and the peer's
// observed IP.
type ExtensionHandshake struct {
	M            map[string]int `bencode:"m"`
	V            string         `bencode:"v,omitempty"`
	MetadataSize uint32         `bencode:"metadata_size,omitempty"`
	YourIP       []byte         `bencode:"yourip,omitempty"`
}

// NewExtensionHandshake builds the local BEP-10 handshake payload.
// metadataSize is 0 when metainfo isn't fully known yet (magnet-link
// style); peerIP is the remote address we observed them connect from,
// echoed back per BEP-10 so they can learn their own external IP.
func NewExtensionHandshake(metadataSize uint32, clientVersion string, peerIP net.IP) *ExtensionHandshake {
	h := &ExtensionHandshake{
		M:            map[string]int{},
		V:            clientVersion,
		MetadataSize: metadataSize,
	}
	if ip4 := peerIP.To4(); ip4 != nil {
		h.YourIP = []byte(ip4)
	} else if peerIP != nil {
		h.YourIP = []byte(peerIP.To16())
	}
	return h
}

// Marshal bencodes the handshake payload for embedding in an
// ExtensionMessage.
func (h *ExtensionHandshake) Marshal() ([]byte, error) {
	return bencode.EncodeBytes(h)
}

// UnmarshalExtensionHandshake decodes a received BEP-10 handshake
// payload.
func UnmarshalExtensionHandshake(b []byte) (*ExtensionHandshake, error) {
	var h ExtensionHandshake
	if err := bencode.DecodeBytes(b, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
