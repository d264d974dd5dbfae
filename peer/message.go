// Package peer implements the BitTorrent peer wire protocol: the 68-byte
// handshake, length-prefixed message framing, and a per-connection
// session state machine that pipelines block requests and assembles
// verified pieces.
package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// --------------------------------------------------------------------------------------------- //

// ErrProtocolViolation is returned (wrapped) for an unexpected message id,
// an impossible payload length, or an out-of-range offset on the wire.
var ErrProtocolViolation = errors.New("peer: protocol violation")

// MessageID identifies the nine message kinds the core speaks.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// maxMessageLength bounds how large a single message's length prefix may
// claim to be, guarding against a hostile peer advertising a multi-
// gigabyte payload.
const maxMessageLength = 1 << 20 // 1 MiB

// BlockSize is the fixed sub-piece unit requested over the wire.
const BlockSize = 1 << 14 // 16 KiB

// --------------------------------------------------------------------------------------------- //

// Message is one parsed peer-wire message. A keep-alive decodes to the
// zero Message (ID == Choke, Payload == nil) with KeepAlive true.
type Message struct {
	ID        MessageID
	Payload   []byte
	KeepAlive bool
}

// --------------------------------------------------------------------------------------------- //

/*
writeMessage frames and writes msg to w: a 4-byte big-endian length prefix
(covering the id byte plus payload), the id byte, then the payload.
*/
func writeMessage(w io.Writer, id MessageID, payload []byte) error {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(id)
	copy(buf[5:], payload)

	_, err := w.Write(buf)
	return err
}

func writeKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

// --------------------------------------------------------------------------------------------- //

/*
readMessage reads one length-prefixed message from r. A zero-length
prefix is a keep-alive and returns a Message with KeepAlive set.
*/
func readMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length == 0 {
		return Message{KeepAlive: true}, nil
	}
	if length > maxMessageLength {
		return Message{}, fmt.Errorf("%w: message length %d exceeds %d byte limit", ErrProtocolViolation, length, maxMessageLength)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("reading %d-byte message body: %w", length, err)
	}

	return Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// --------------------------------------------------------------------------------------------- //

// requestPayload encodes the (index, begin, length) triple shared by
// Request and Cancel messages.
func requestPayload(index, begin, length uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return buf
}

// parsePiecePayload splits a Piece message's payload into (index, begin,
// block data).
func parsePiecePayload(payload []byte) (index, begin uint32, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload too short (%d bytes)", ErrProtocolViolation, len(payload))
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	return index, begin, payload[8:], nil
}

// parseHavePayload extracts the 4-byte piece index from a Have message.
func parseHavePayload(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: have payload is %d bytes, want 4", ErrProtocolViolation, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// --------------------------------------------------------------------------------------------- //

// HasPiece reports whether a bitfield (MSB-first per byte) marks index as
// available. A nil bitfield has no pieces.
func HasPiece(bitfield []byte, index int) bool {
	byteIndex := index / 8
	bitIndex := uint(index % 8)
	if byteIndex < 0 || byteIndex >= len(bitfield) {
		return false
	}
	return (bitfield[byteIndex]>>(7-bitIndex))&1 == 1
}
