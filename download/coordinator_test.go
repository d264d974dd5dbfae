package download

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"gotorrent/metainfo"
)

// --------------------------------------------------------------------------------------------- //

func TestQueuePopPushFIFO(t *testing.T) {
	q := newQueue(3)
	for want := 0; want < 3; want++ {
		got, ok := q.pop()
		if !ok || got != want {
			t.Fatalf("pop() = (%d, %v), want (%d, true)", got, ok, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatalf("pop() on empty queue should return ok=false")
	}

	q.push(2)
	got, ok := q.pop()
	if !ok || got != 2 {
		t.Fatalf("pop() after push = (%d, %v), want (2, true)", got, ok)
	}
}

// --------------------------------------------------------------------------------------------- //

func TestVerifyAllDetectsMismatch(t *testing.T) {
	piece0 := []byte("aaaaaaaaaa")
	piece1 := []byte("bbbbb")
	m := &metainfo.Metainfo{
		Info: metainfo.Info{
			Length:      int64(len(piece0) + len(piece1)),
			PieceLength: int64(len(piece0)),
			PieceHashes: [][20]byte{sha1.Sum(piece0), sha1.Sum(piece1)},
		},
	}

	good := append(append([]byte{}, piece0...), piece1...)
	if err := VerifyAll(m, good); err != nil {
		t.Fatalf("VerifyAll on correct buffer: %v", err)
	}

	tampered := append([]byte{}, good...)
	tampered[0] ^= 0xFF
	if err := VerifyAll(m, tampered); err == nil {
		t.Fatalf("VerifyAll should reject tampered buffer")
	}
}

// --------------------------------------------------------------------------------------------- //

// fakePeer serves one handshake, a bitfield claiming every piece, an
// unchoke, and then answers every Request with the matching Piece,
// simulating a single well-behaved seed.
func fakePeer(t *testing.T, infoHash [20]byte, pieceData map[int][]byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 68)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		reply := make([]byte, 68)
		reply[0] = 19
		copy(reply[1:20], "BitTorrent protocol")
		copy(reply[28:48], infoHash[:])
		copy(reply[48:68], bytes.Repeat([]byte{0x42}, 20))
		conn.Write(reply)

		writeMsg := func(id byte, payload []byte) {
			length := uint32(1 + len(payload))
			out := make([]byte, 4+length)
			binary.BigEndian.PutUint32(out[0:4], length)
			out[4] = id
			copy(out[5:], payload)
			conn.Write(out)
		}

		writeMsg(5, []byte{0xFF, 0xFF}) // bitfield: all pieces present
		writeMsg(1, nil)                // unchoke

		for {
			var lenBuf [4]byte
			if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
				return
			}
			length := binary.BigEndian.Uint32(lenBuf[:])
			if length == 0 {
				continue
			}
			body := make([]byte, length)
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
			if body[0] != 6 { // Request
				continue
			}
			index := binary.BigEndian.Uint32(body[1:5])
			begin := binary.BigEndian.Uint32(body[5:9])
			reqLen := binary.BigEndian.Uint32(body[9:13])

			data := pieceData[int(index)]
			block := data[begin : begin+reqLen]

			payload := make([]byte, 8+len(block))
			binary.BigEndian.PutUint32(payload[0:4], index)
			binary.BigEndian.PutUint32(payload[4:8], begin)
			copy(payload[8:], block)
			writeMsg(7, payload) // Piece
		}
	}()

	return ln
}

func buildTestMetainfo(announce string, pieces [][]byte) *metainfo.Metainfo {
	pieceLen := int64(len(pieces[0]))
	var hashes [][20]byte
	var total int64
	for _, p := range pieces {
		hashes = append(hashes, sha1.Sum(p))
		total += int64(len(p))
	}
	return &metainfo.Metainfo{
		Announce: announce,
		Info: metainfo.Info{
			Name:        "test.bin",
			Length:      total,
			PieceLength: pieceLen,
			PieceHashes: hashes,
		},
	}
}

func TestDownloadPieceEndToEnd(t *testing.T) {
	infoHash := sha1.Sum([]byte("integration test torrent"))
	piece0 := bytes.Repeat([]byte{0xAB}, 20000) // spans more than one 16 KiB block
	pieces := map[int][]byte{0: piece0}

	ln := fakePeer(t, infoHash, pieces)
	defer ln.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		portNum, _ := strconv.Atoi(port)
		peerBytes := []byte{127, 0, 0, 1, byte(portNum >> 8), byte(portNum)}
		body := "d8:intervali1800e5:peers6:" + string(peerBytes) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	m := buildTestMetainfo(srv.URL, [][]byte{piece0})
	m.InfoHash = infoHash

	var localID [20]byte
	copy(localID[:], "-GT0001-testpeerid1")

	data, err := DownloadPiece(m, 0, localID, 6881)
	if err != nil {
		t.Fatalf("DownloadPiece: %v", err)
	}
	if !bytes.Equal(data, piece0) {
		t.Fatalf("downloaded piece does not match expected content")
	}
}

func TestDownloadFullFileEndToEnd(t *testing.T) {
	infoHash := sha1.Sum([]byte("full file torrent"))
	piece0 := bytes.Repeat([]byte{0x11}, 16384)
	piece1 := bytes.Repeat([]byte{0x22}, 5000)
	pieces := map[int][]byte{0: piece0, 1: piece1}

	ln := fakePeer(t, infoHash, pieces)
	defer ln.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		portNum, _ := strconv.Atoi(port)
		peerBytes := []byte{127, 0, 0, 1, byte(portNum >> 8), byte(portNum)}
		body := "d8:intervali1800e5:peers6:" + string(peerBytes) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	m := buildTestMetainfo(srv.URL, [][]byte{piece0, piece1})
	m.InfoHash = infoHash

	var localID [20]byte
	copy(localID[:], "-GT0001-testpeerid2")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := Download(ctx, m, localID, 6881, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	want := append(append([]byte{}, piece0...), piece1...)
	if !bytes.Equal(data, want) {
		t.Fatalf("downloaded file does not match expected content")
	}
	if err := VerifyAll(m, data); err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
}
