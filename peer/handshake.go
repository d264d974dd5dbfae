package peer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// --------------------------------------------------------------------------------------------- //

// ErrHandshakeMismatch is returned (wrapped) when a peer's handshake does
// not carry the expected protocol header or info-hash.
var ErrHandshakeMismatch = errors.New("peer: handshake mismatch")

const (
	protocolName   = "BitTorrent protocol"
	handshakeLen   = 68
	dialTimeout    = 5 * time.Second
	handshakeTimeo = 5 * time.Second
)

// --------------------------------------------------------------------------------------------- //

/*
Handshake is the fixed 68-byte message exchanged at TCP connect:

	byte 0      protocol name length (always 19)
	bytes 1-19  "BitTorrent protocol"
	bytes 20-27 reserved, all zero
	bytes 28-47 info-hash
	bytes 48-67 peer-id
*/
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) marshal() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	// bytes 20-27 stay zero (reserved)
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

func unmarshalHandshake(buf []byte) (Handshake, error) {
	if len(buf) != handshakeLen {
		return Handshake{}, fmt.Errorf("%w: handshake is %d bytes, want %d", ErrHandshakeMismatch, len(buf), handshakeLen)
	}
	if buf[0] != byte(len(protocolName)) || string(buf[1:20]) != protocolName {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol header %q", ErrHandshakeMismatch, buf[1:20])
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// --------------------------------------------------------------------------------------------- //

/*
Dial connects to addr and performs the handshake: send first, then read
exactly 68 bytes back. The remote's protocol header and info-hash must
match; the remote's peer-id is returned in the resulting *Conn.
*/
func Dial(addr string, infoHash [20]byte, localPeerID [20]byte) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrPeerUnavailable, addr, err)
	}

	c, err := handshakeOver(conn, infoHash, localPeerID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func handshakeOver(conn net.Conn, infoHash, localPeerID [20]byte) (*Conn, error) {
	local := Handshake{InfoHash: infoHash, PeerID: localPeerID}

	conn.SetDeadline(time.Now().Add(handshakeTimeo))

	if _, err := conn.Write(local.marshal()); err != nil {
		return nil, fmt.Errorf("%w: sending handshake: %v", ErrPeerUnavailable, err)
	}

	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("%w: reading handshake: %v", ErrPeerUnavailable, err)
	}

	remote, err := unmarshalHandshake(buf)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(remote.InfoHash[:], infoHash[:]) {
		return nil, fmt.Errorf("%w: info hash %x, want %x", ErrHandshakeMismatch, remote.InfoHash, infoHash)
	}

	conn.SetDeadline(time.Time{})

	return &Conn{conn: conn, RemotePeerID: remote.PeerID}, nil
}
