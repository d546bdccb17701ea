// Package metainfo decodes the torrent metainfo dictionary into the
// shape the piece-map (internal/piece) needs: piece length, the ordered
// file list, and the per-piece SHA-1 hashes. Full metainfo parsing
// (announce lists, creation metadata) is an external collaborator per
// spec.md §1; this package keeps just enough of the teacher's
// metainfo.go to feed module B and the handshake's info hash.
package metainfo

import (
	"errors"
	"io"

	"github.com/zeebo/bencode"
)

const hashLen = 20

// File describes one file within a (possibly multi-file) torrent, in
// the order it appears in the metainfo file list.
type File struct {
	Path []string // empty for single-file torrents
	Size int64
}

// Info is the subset of the metainfo "info" dictionary the piece-map
// needs to compute piece-to-file spans.
type Info struct {
	Name        string
	PieceLength int64
	Files       []File
	Hashes      [][hashLen]byte // one SHA-1 per piece, in order
	Private     bool

	// Raw is the bencoded info dictionary, used to derive the info hash
	// by external collaborators (tracker announce, handshake).
	Raw []byte
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
	Private     int       `bencode:"private"`
}

type rawMetaInfo struct {
	Info bencode.RawMessage `bencode:"info"`
}

// New decodes a .torrent metainfo stream into Info.
func New(r io.Reader) (*Info, error) {
	var mi rawMetaInfo
	if err := bencode.NewDecoder(r).Decode(&mi); err != nil {
		return nil, err
	}
	if len(mi.Info) == 0 {
		return nil, errors.New("metainfo: no info dict")
	}
	return NewInfo(mi.Info)
}

// NewInfo decodes a standalone bencoded "info" dictionary, the form
// magnet-link metadata exchange (out of scope here) eventually produces.
func NewInfo(raw []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.DecodeBytes(raw, &ri); err != nil {
		return nil, err
	}
	if ri.PieceLength <= 0 {
		return nil, errors.New("metainfo: invalid piece length")
	}
	if len(ri.Pieces)%hashLen != 0 {
		return nil, errors.New("metainfo: pieces field is not a multiple of 20 bytes")
	}

	info := &Info{
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		Private:     ri.Private == 1,
		Raw:         append([]byte(nil), raw...),
	}

	numHashes := len(ri.Pieces) / hashLen
	info.Hashes = make([][hashLen]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(info.Hashes[i][:], ri.Pieces[i*hashLen:(i+1)*hashLen])
	}

	if len(ri.Files) == 0 {
		info.Files = []File{{Path: nil, Size: ri.Length}}
	} else {
		info.Files = make([]File, len(ri.Files))
		for i, f := range ri.Files {
			info.Files[i] = File{Path: f.Path, Size: f.Length}
		}
	}
	return info, nil
}

// TotalLength returns the sum of all file sizes.
func (i *Info) TotalLength() int64 {
	var total int64
	for _, f := range i.Files {
		total += f.Size
	}
	return total
}

// NumPieces returns the piece count implied by the hash list.
func (i *Info) NumPieces() uint32 {
	return uint32(len(i.Hashes))
}

// LastPieceLength returns the length of the final piece, which may be
// shorter than PieceLength.
func (i *Info) LastPieceLength() int64 {
	total := i.TotalLength()
	if total == 0 {
		return 0
	}
	mod := total % i.PieceLength
	if mod == 0 {
		return i.PieceLength
	}
	return mod
}
