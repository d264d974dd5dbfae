package peer

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"time"
)

// --------------------------------------------------------------------------------------------- //

// ErrPeerUnavailable is returned (wrapped) for connect/read/write failures,
// timeouts, and EOF — anything that means "try a different peer".
var ErrPeerUnavailable = errors.New("peer: unavailable")

// ErrHashMismatch is returned (wrapped) when an assembled piece's digest
// does not match its expected hash.
var ErrHashMismatch = errors.New("peer: piece hash mismatch")

const (
	idleReadTimeout   = 30 * time.Second
	blockTotalTimeout = 2 * time.Minute

	// DefaultPipelineDepth is how many Request messages a session keeps
	// in flight at once. 5 is a reasonable default; higher improves
	// throughput, depth 1 is correct but slow.
	DefaultPipelineDepth = 5
)

// --------------------------------------------------------------------------------------------- //

// State is a peer session's lifecycle.
type State int

const (
	StateConnecting State = iota
	StateHandshaked
	StateReady
	StateUnchoked
	StateClosed
)

// --------------------------------------------------------------------------------------------- //

// Conn wraps a handshaked TCP connection to one peer and tracks the
// per-peer protocol state: choke/interest flags and
// the peer's claimed bitfield.
type Conn struct {
	conn         net.Conn
	RemotePeerID [20]byte

	state        State
	amChoked     bool
	amInterested bool
	bitfield     []byte

	PipelineDepth int
}

// Addr returns the remote endpoint's string form, for logging.
func (c *Conn) Addr() string {
	return c.conn.RemoteAddr().String()
}

// Close tears down the TCP connection; any in-flight requests are
// implicitly abandoned without sending an explicit cancel message.
func (c *Conn) Close() error {
	c.state = StateClosed
	return c.conn.Close()
}

// --------------------------------------------------------------------------------------------- //

/*
Ready reads the first non-keep-alive message (normally the optional
Bitfield), then sends Interested and waits for Unchoke, advancing the
session from Handshaked through Ready to Unchoked. A peer that never sends
a bitfield is trusted for no pieces until an explicit "have" arrives.
*/
func (c *Conn) Ready() error {
	c.state = StateHandshaked
	c.amChoked = true

	for {
		msg, err := c.receive()
		if err != nil {
			return err
		}
		if msg.KeepAlive {
			continue
		}

		switch msg.ID {
		case Bitfield:
			c.bitfield = append([]byte(nil), msg.Payload...)
		case Have:
			idx, err := parseHavePayload(msg.Payload)
			if err != nil {
				return err
			}
			c.markHave(int(idx))
		case Choke:
			c.amChoked = true
		case Unchoke:
			c.amChoked = false
		default:
			// Anything else this early is simply not acted on yet; the
			// caller hasn't declared interest so pieces/requests aren't
			// expected.
		}

		c.state = StateReady
		break
	}

	if err := c.send(Interested, nil); err != nil {
		return err
	}
	c.amInterested = true

	for c.amChoked {
		msg, err := c.receive()
		if err != nil {
			return err
		}
		if msg.KeepAlive {
			continue
		}
		switch msg.ID {
		case Unchoke:
			c.amChoked = false
		case Choke:
			c.amChoked = true
		case Bitfield:
			c.bitfield = append([]byte(nil), msg.Payload...)
		case Have:
			idx, err := parseHavePayload(msg.Payload)
			if err != nil {
				return err
			}
			c.markHave(int(idx))
		}
	}

	c.state = StateUnchoked
	return nil
}

func (c *Conn) markHave(index int) {
	byteIndex := index / 8
	for len(c.bitfield) <= byteIndex {
		c.bitfield = append(c.bitfield, 0)
	}
	c.bitfield[byteIndex] |= 1 << uint(7-index%8)
}

// HasPiece reports whether the peer has claimed piece index, via bitfield
// or a later "have".
func (c *Conn) HasPiece(index int) bool {
	return HasPiece(c.bitfield, index)
}

// --------------------------------------------------------------------------------------------- //

/*
DownloadPiece issues pipelined block requests covering the whole piece,
collects the responses (which may arrive out of order — matched by
(index, offset)), verifies the digest, and returns the
assembled bytes.
*/
func (c *Conn) DownloadPiece(index int, length int64, expectedHash [20]byte) ([]byte, error) {
	if c.amChoked {
		return nil, fmt.Errorf("%w: cannot request while choked", ErrProtocolViolation)
	}

	depth := c.PipelineDepth
	if depth <= 0 {
		depth = DefaultPipelineDepth
	}

	type block struct {
		begin, length uint32
	}
	var blocks []block
	for begin := int64(0); begin < length; begin += BlockSize {
		blen := int64(BlockSize)
		if remaining := length - begin; remaining < blen {
			blen = remaining
		}
		blocks = append(blocks, block{begin: uint32(begin), length: uint32(blen)})
	}

	data := make([]byte, length)
	received := make([]bool, len(blocks))
	next := 0
	inFlight := 0
	remaining := len(blocks)

	deadline := time.Now().Add(blockTotalTimeout)

	for remaining > 0 {
		for inFlight < depth && next < len(blocks) {
			b := blocks[next]
			if err := c.send(Request, requestPayload(uint32(index), b.begin, b.length)); err != nil {
				return nil, err
			}
			next++
			inFlight++
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: piece %d timed out with %d block(s) outstanding", ErrPeerUnavailable, index, remaining)
		}

		msg, err := c.receive()
		if err != nil {
			return nil, err
		}
		if msg.KeepAlive {
			continue
		}

		switch msg.ID {
		case Piece:
			pIndex, begin, block, err := parsePiecePayload(msg.Payload)
			if err != nil {
				return nil, err
			}
			if int(pIndex) != index {
				continue // stray reply for a piece we've moved on from
			}
			if int64(begin)+int64(len(block)) > length {
				return nil, fmt.Errorf("%w: block at offset %d length %d runs past piece length %d", ErrProtocolViolation, begin, len(block), length)
			}

			copy(data[begin:], block)

			blockIdx := int(begin / BlockSize)
			if blockIdx < len(received) && !received[blockIdx] {
				received[blockIdx] = true
				remaining--
				inFlight--
				deadline = time.Now().Add(blockTotalTimeout)
			}

		case Choke:
			c.amChoked = true
			return nil, fmt.Errorf("%w: choked mid-piece with %d block(s) outstanding", ErrPeerUnavailable, remaining)

		case Have:
			idx, err := parseHavePayload(msg.Payload)
			if err != nil {
				return nil, err
			}
			c.markHave(int(idx))

		default:
			// Ignore unrelated chatter (further bitfields, keep-alives
			// already filtered above) while a piece is in flight.
		}
	}

	hash := sha1.Sum(data)
	if hash != expectedHash {
		return nil, fmt.Errorf("%w: piece %d", ErrHashMismatch, index)
	}

	return data, nil
}

// --------------------------------------------------------------------------------------------- //

func (c *Conn) send(id MessageID, payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(idleReadTimeout))
	if err := writeMessage(c.conn, id, payload); err != nil {
		return fmt.Errorf("%w: sending %s: %v", ErrPeerUnavailable, id, err)
	}
	return nil
}

func (c *Conn) receive() (Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
	msg, err := readMessage(c.conn)
	if err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	return msg, nil
}
