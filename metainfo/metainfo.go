// Package metainfo loads a .torrent metainfo file: it decodes the bencode
// bytes, validates the required fields, and computes the info-hash from
// the exact byte span of the "info" dictionary as it appeared on disk.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"gotorrent/bencode"
)

// --------------------------------------------------------------------------------------------- //

// ErrMalformed is returned (wrapped) when a metainfo file is missing a
// required field, has a field of the wrong kind, or violates the
// len(pieces) % 20 == 0 invariant.
var ErrMalformed = errors.New("metainfo: malformed torrent file")

const pieceHashLen = 20

// Info is the decoded "info" dictionary of a single-file torrent.
type Info struct {
	Name        string
	Length      int64
	PieceLength int64
	Pieces      []byte
	PieceHashes [][pieceHashLen]byte
}

// Metainfo is the decoded, validated top-level dictionary of a .torrent
// file, immutable once loaded.
type Metainfo struct {
	Announce string
	Info     Info
	InfoHash [20]byte
}

// --------------------------------------------------------------------------------------------- //

// PieceCount returns the number of 20-byte hashes in "pieces", which is
// ceil(length/piece_length) for a well-formed torrent (Load does not check
// that equality).
func (m *Metainfo) PieceCount() int {
	return len(m.Info.PieceHashes)
}

// PieceLen returns the expected byte length of piece index, accounting for
// a possibly-shorter final piece.
func (m *Metainfo) PieceLen(index int) int64 {
	if index == m.PieceCount()-1 {
		last := m.Info.Length % m.Info.PieceLength
		if last != 0 {
			return last
		}
	}
	return m.Info.PieceLength
}

// --------------------------------------------------------------------------------------------- //

/*
Load reads and parses a .torrent file at path, populating a Metainfo and
its info-hash.
*/
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}
	return LoadBytes(data)
}

/*
LoadBytes parses a metainfo byte stream already in memory; Load reads the
file and hands its bytes to it.
*/
func LoadBytes(data []byte) (*Metainfo, error) {
	top, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if top.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: top level is not a dictionary", ErrMalformed)
	}

	announce, ok := top.Get("announce")
	if !ok || announce.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing or invalid \"announce\"", ErrMalformed)
	}

	infoVal, ok := top.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: missing or invalid \"info\" dictionary", ErrMalformed)
	}

	infoSpan, err := findInfoSpan(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	info, err := decodeInfo(infoVal)
	if err != nil {
		return nil, err
	}

	return &Metainfo{
		Announce: string(announce.Str),
		Info:     info,
		InfoHash: sha1.Sum(infoSpan),
	}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
findInfoSpan locates the raw bencoded bytes of the top-level "info" value.
Decoding already validated the whole buffer is canonical bencode (dict
keys are rejected if out of order), so re-walking the top-level dictionary
by hand with bencode.DecodeAt and slicing out the "info" value's span
avoids re-encoding the decoded Value entirely — it can never diverge from
what was actually on the wire.
*/
func findInfoSpan(data []byte) ([]byte, error) {
	v, pos, err := bencode.DecodeAt(data, 0)
	if err != nil {
		return nil, err
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("top level is not a dictionary")
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%d trailing byte(s) after top-level dictionary", len(data)-pos)
	}

	// Re-walk the dictionary's wire bytes directly rather than trusting
	// map iteration order, which Go randomizes.
	cur := 1 // skip leading 'd'
	for {
		if data[cur] == 'e' {
			break
		}

		keyVal, next, err := bencode.DecodeAt(data, cur)
		if err != nil {
			return nil, err
		}
		key := string(keyVal.Str)

		valStart := next
		_, valEnd, err := bencode.DecodeAt(data, next)
		if err != nil {
			return nil, err
		}

		if key == "info" {
			return data[valStart:valEnd], nil
		}

		cur = valEnd
	}

	return nil, fmt.Errorf("no \"info\" key found")
}

// --------------------------------------------------------------------------------------------- //

func decodeInfo(v bencode.Value) (Info, error) {
	name, ok := v.Get("name")
	if !ok || name.Kind != bencode.KindString {
		return Info{}, fmt.Errorf("%w: missing or invalid \"name\"", ErrMalformed)
	}

	length, ok := v.Get("length")
	if !ok || length.Kind != bencode.KindInt {
		return Info{}, fmt.Errorf("%w: missing or invalid \"length\"", ErrMalformed)
	}

	pieceLength, ok := v.Get("piece length")
	if !ok || pieceLength.Kind != bencode.KindInt || pieceLength.Int64Value() <= 0 {
		return Info{}, fmt.Errorf("%w: missing or invalid \"piece length\"", ErrMalformed)
	}

	pieces, ok := v.Get("pieces")
	if !ok || pieces.Kind != bencode.KindString {
		return Info{}, fmt.Errorf("%w: missing or invalid \"pieces\"", ErrMalformed)
	}
	if len(pieces.Str)%pieceHashLen != 0 {
		return Info{}, fmt.Errorf("%w: pieces length %d is not a multiple of %d", ErrMalformed, len(pieces.Str), pieceHashLen)
	}

	numPieces := len(pieces.Str) / pieceHashLen
	hashes := make([][pieceHashLen]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], pieces.Str[i*pieceHashLen:(i+1)*pieceHashLen])
	}

	return Info{
		Name:        string(name.Str),
		Length:      length.Int64Value(),
		PieceLength: pieceLength.Int64Value(),
		Pieces:      pieces.Str,
		PieceHashes: hashes,
	}, nil
}
