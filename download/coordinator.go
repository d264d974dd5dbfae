// Package download implements the piece-queue coordinator that turns a
// parsed metainfo file and a swarm of peers into a verified file on disk:
// one worker per peer session, claiming piece indices from a shared queue
// and writing verified pieces directly into a pre-sized output buffer.
package download

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	"gotorrent/internal/torrentlog"
	"gotorrent/metainfo"
	"gotorrent/peer"
	"gotorrent/tracker"
)

// --------------------------------------------------------------------------------------------- //

// ErrIncomplete is returned by Download when every peer has failed at
// least one remaining piece and no worker can make further progress.
var ErrIncomplete = errors.New("download: could not complete all pieces")

// --------------------------------------------------------------------------------------------- //

// Piece downloads and verifies a single piece from one peer connection
// already in the Unchoked state. It is the shared core used by both
// DownloadPiece and the per-worker loop inside Download.
func Piece(c *peer.Conn, m *metainfo.Metainfo, index int) ([]byte, error) {
	length := m.PieceLen(index)
	data, err := c.DownloadPiece(index, length, m.Info.PieceHashes[index])
	if err != nil {
		return nil, err
	}
	return data, nil
}

// --------------------------------------------------------------------------------------------- //

/*
DownloadPiece performs the full single-piece flow: announce to the
tracker, dial the first reachable peer, complete the handshake and
Ready/Unchoked sequence, then download and verify one piece.
*/
func DownloadPiece(m *metainfo.Metainfo, index int, localPeerID [20]byte, port uint16) ([]byte, error) {
	if index < 0 || index >= m.PieceCount() {
		return nil, fmt.Errorf("piece index %d out of range [0,%d)", index, m.PieceCount())
	}

	resp, err := tracker.Announce(m, tracker.Request{PeerID: localPeerID, Port: port})
	if err != nil {
		return nil, err
	}
	if len(resp.Peers) == 0 {
		return nil, fmt.Errorf("%w: tracker returned no peers", peer.ErrPeerUnavailable)
	}

	var lastErr error
	for _, p := range resp.Peers {
		c, err := peer.Dial(p.String(), m.InfoHash, localPeerID)
		if err != nil {
			torrentlog.Fail("peer %s: dial/handshake failed: %v", p, err)
			lastErr = err
			continue
		}

		data, err := tryPiece(c, m, index)
		c.Close()
		if err != nil {
			torrentlog.Fail("peer %s: piece %d failed: %v", p, index, err)
			lastErr = err
			continue
		}
		return data, nil
	}

	if lastErr == nil {
		lastErr = peer.ErrPeerUnavailable
	}
	return nil, fmt.Errorf("%w: exhausted %d peer(s): %v", peer.ErrPeerUnavailable, len(resp.Peers), lastErr)
}

func tryPiece(c *peer.Conn, m *metainfo.Metainfo, index int) ([]byte, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	return Piece(c, m, index)
}

// --------------------------------------------------------------------------------------------- //

// queue is the shared multi-producer/multi-consumer piece index queue: a
// mutexed slice is enough at this scale, no channel-close complexity
// needed since items are pushed back on failure.
type queue struct {
	mu      sync.Mutex
	pending []int
}

func newQueue(pieceCount int) *queue {
	q := &queue{pending: make([]int, pieceCount)}
	for i := range q.pending {
		q.pending[i] = i
	}
	return q
}

func (q *queue) pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0, false
	}
	index := q.pending[0]
	q.pending = q.pending[1:]
	return index, true
}

func (q *queue) push(index int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, index)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// --------------------------------------------------------------------------------------------- //

// Progress is invoked once per verified piece so a caller can drive a
// progress bar; it may be nil.
type Progress func(completed, total int, pieceBytes int)

/*
Download fetches every piece of m's single file and assembles it into a
pre-allocated buffer of m.Info.Length bytes. One worker goroutine is
spawned per peer the tracker returns; each worker claims piece indices
from a shared queue, downloads and verifies them over its own session,
and writes the verified bytes at their absolute offset. A piece whose
peer fails is pushed back onto the queue for another worker to retry; the
download only fails once the queue cannot drain because every worker
has exited.
*/
func Download(ctx context.Context, m *metainfo.Metainfo, localPeerID [20]byte, port uint16, onProgress Progress) ([]byte, error) {
	resp, err := tracker.Announce(m, tracker.Request{PeerID: localPeerID, Port: port})
	if err != nil {
		return nil, err
	}
	if len(resp.Peers) == 0 {
		return nil, fmt.Errorf("%w: tracker returned no peers", peer.ErrPeerUnavailable)
	}

	total := m.PieceCount()
	q := newQueue(total)
	buf := make([]byte, m.Info.Length)

	var mu sync.Mutex
	completed := 0

	var wg sync.WaitGroup
	for _, p := range resp.Peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			runWorker(ctx, addr, m, localPeerID, q, buf, &mu, &completed, total, onProgress)
		}(p.String())
	}
	wg.Wait()

	if remaining := q.len(); remaining > 0 {
		return nil, fmt.Errorf("%w: %d of %d piece(s) unclaimed, every peer exhausted", ErrIncomplete, remaining, total)
	}

	return buf, nil
}

func runWorker(
	ctx context.Context,
	addr string,
	m *metainfo.Metainfo,
	localPeerID [20]byte,
	q *queue,
	buf []byte,
	mu *sync.Mutex,
	completed *int,
	total int,
	onProgress Progress,
) {
	c, err := peer.Dial(addr, m.InfoHash, localPeerID)
	if err != nil {
		torrentlog.Fail("peer %s: dial/handshake failed: %v", addr, err)
		return
	}
	defer c.Close()

	if err := c.Ready(); err != nil {
		torrentlog.Fail("peer %s: not ready: %v", addr, err)
		return
	}
	torrentlog.Info("peer %s: unchoked, ready to claim pieces", addr)

	consecutiveMisses := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		index, ok := q.pop()
		if !ok {
			return
		}
		if !c.HasPiece(index) {
			q.push(index)
			consecutiveMisses++
			// Every piece currently queued has been re-offered to this
			// worker without a match; it has nothing left to contribute.
			if consecutiveMisses > total {
				return
			}
			continue
		}
		consecutiveMisses = 0

		data, err := Piece(c, m, index)
		if err != nil {
			torrentlog.Fail("peer %s: piece %d failed: %v", addr, index, err)
			q.push(index)
			// PeerUnavailable, ProtocolViolation, and HashMismatch are all
			// recovered the same way: close this session and let another
			// worker retry the piece. Continuing on the same connection
			// would just hand a bad peer its own piece back forever.
			return
		}

		offset := int64(index) * m.Info.PieceLength
		copy(buf[offset:], data)

		mu.Lock()
		*completed++
		n := *completed
		mu.Unlock()

		if onProgress != nil {
			onProgress(n, total, len(data))
		}
		torrentlog.Info("peer %s: verified piece %d (%d/%d)", addr, index, n, total)
	}
}

// --------------------------------------------------------------------------------------------- //

// VerifyAll checks every entry of buf against m's recorded piece hashes,
// used by the CLI after a full download to report the aggregate result.
func VerifyAll(m *metainfo.Metainfo, buf []byte) error {
	for i := 0; i < m.PieceCount(); i++ {
		start := int64(i) * m.Info.PieceLength
		end := start + m.PieceLen(i)
		if end > int64(len(buf)) {
			return fmt.Errorf("%w: piece %d runs past buffer end", peer.ErrHashMismatch, i)
		}
		sum := sha1.Sum(buf[start:end])
		if sum != m.Info.PieceHashes[i] {
			return fmt.Errorf("%w: piece %d", peer.ErrHashMismatch, i)
		}
	}
	return nil
}
