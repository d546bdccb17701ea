package peerprotocol

import (
	"errors"
	"io"
)

const (
	protocolString = "BitTorrent protocol"
	reservedLength = 8

	// reserved byte/bit positions per BEP-6 (FAST) and BEP-10 (extension
	// protocol); DHT's bit (reserved[7]&0x01) is neither set nor
	// inspected since DHT is out of scope.
	fastByte, fastMask           = 7, 0x04
	extensionByte, extensionMask = 5, 0x10
)

var (
	ErrBadProtocolString = errors.New("peerprotocol: protocol string mismatch")
	ErrShortHandshake    = errors.New("peerprotocol: short read")
)

// Handshake is the 68-byte record exchanged before any framed message,
// spec.md §4.F: <pstrlen=19><pstr><reserved:8><info_hash:20><peer_id:20>.
type Handshake struct {
	Reserved [reservedLength]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds an outgoing handshake, setting the FAST and
// extension-protocol reserved bits per negotiation flags.
func NewHandshake(infoHash, peerID [20]byte, fastExtension, extensionProtocol bool) Handshake {
	var h Handshake
	h.InfoHash = infoHash
	h.PeerID = peerID
	if fastExtension {
		h.Reserved[fastByte] |= fastMask
	}
	if extensionProtocol {
		h.Reserved[extensionByte] |= extensionMask
	}
	return h
}

// SupportsFast reports whether the FAST extension (BEP-6) bit is set.
func (h Handshake) SupportsFast() bool { return h.Reserved[fastByte]&fastMask != 0 }

// SupportsExtensionProtocol reports whether the BEP-10 bit is set.
func (h Handshake) SupportsExtensionProtocol() bool {
	return h.Reserved[extensionByte]&extensionMask != 0
}

// WriteTo writes the handshake's wire representation.
func (h Handshake) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 1+len(protocolString)+reservedLength+20+20)
	buf[0] = byte(len(protocolString))
	off := 1
	off += copy(buf[off:], protocolString)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadHandshake reads and parses a handshake from r, blocking until the
// full 68-byte record (for the standard 19-byte pstr) arrives.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return h, err
	}
	pstrlen := int(lenByte[0])
	if pstrlen == 0 {
		return h, ErrShortHandshake
	}
	rest := make([]byte, pstrlen+reservedLength+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return h, ErrShortHandshake
		}
		return h, err
	}
	if string(rest[:pstrlen]) != protocolString {
		return h, ErrBadProtocolString
	}
	off := pstrlen
	copy(h.Reserved[:], rest[off:off+reservedLength])
	off += reservedLength
	copy(h.InfoHash[:], rest[off:off+20])
	off += 20
	copy(h.PeerID[:], rest[off:off+20])
	return h, nil
}
