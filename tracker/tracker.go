// Package tracker builds the HTTP GET request BitTorrent's tracker
// protocol requires — including its specialized percent-encoding of
// info_hash and peer_id — and parses the bencoded peer list it returns.
package tracker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gotorrent/bencode"
	"gotorrent/metainfo"
)

// --------------------------------------------------------------------------------------------- //

// ErrTracker is returned (wrapped) for a non-2xx HTTP status or a
// "failure reason" key in the tracker's bencoded response.
var ErrTracker = errors.New("tracker: request failed")

const clientPrefix = "-GT0001-"

// Peer is one (IPv4 address, port) endpoint returned by the tracker.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// --------------------------------------------------------------------------------------------- //

/*
NewPeerID generates a 20-byte client peer-id: an 8-byte identifying
prefix followed by 12 bytes sourced from a random UUIDv4. Each call
returns a different id.
*/
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)

	u := uuid.New()
	copy(id[len(clientPrefix):], u[:20-len(clientPrefix)])

	return id
}

// --------------------------------------------------------------------------------------------- //

/*
percentEncode applies the tracker's custom URL-encoding rule:
unreserved bytes (ASCII letters, digits, '-', '_', '.', '~') are emitted
verbatim; every other byte is emitted as '%' followed by two lowercase hex
digits. This is NOT the same as url.QueryEscape, which treats a space as
'+' and has its own, different unreserved set — the tracker protocol's
rule must be applied by hand.
*/
func percentEncode(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	const hex = "0123456789abcdef"

	for _, c := range b {
		if isUnreserved(c) {
			out = append(out, c)
			continue
		}
		out = append(out, '%', hex[c>>4], hex[c&0x0f])
	}

	return string(out)
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------------------------- //

// Request is the set of parameters sent to the tracker beyond what the
// metainfo file already supplies.
type Request struct {
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Client     *http.Client
}

// Response is the decoded tracker reply.
type Response struct {
	Interval int64
	Peers    []Peer
}

// --------------------------------------------------------------------------------------------- //

/*
Announce builds the GET request for m's announce URL and the given
request parameters, sends it, and parses the compact peer list out of the
bencoded response.
*/
func Announce(m *metainfo.Metainfo, req Request) (*Response, error) {
	client := req.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	left := m.Info.Length

	query := "info_hash=" + percentEncode(m.InfoHash[:]) +
		"&peer_id=" + percentEncode(req.PeerID[:]) +
		"&port=" + strconv.Itoa(int(req.Port)) +
		"&uploaded=" + strconv.FormatInt(req.Uploaded, 10) +
		"&downloaded=" + strconv.FormatInt(req.Downloaded, 10) +
		"&left=" + strconv.FormatInt(left, 10) +
		"&compact=1"

	u, err := url.Parse(m.Announce)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid announce URL %q: %v", ErrTracker, m.Announce, err)
	}
	if u.RawQuery != "" {
		u.RawQuery += "&" + query
	} else {
		u.RawQuery = query
	}

	resp, err := client.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: tracker returned HTTP %d", ErrTracker, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrTracker, err)
	}

	return parseResponse(body)
}

// --------------------------------------------------------------------------------------------- //

func parseResponse(body []byte) (*Response, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrTracker, err)
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: response is not a dictionary", ErrTracker)
	}

	if failure, ok := v.Get("failure reason"); ok && failure.Kind == bencode.KindString {
		return nil, fmt.Errorf("%w: %s", ErrTracker, failure.Str)
	}

	peersVal, ok := v.Get("peers")
	if !ok || peersVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing or invalid \"peers\"", ErrTracker)
	}
	peers, err := parseCompactPeers(peersVal.Str)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTracker, err)
	}

	var interval int64
	if iv, ok := v.Get("interval"); ok && iv.Kind == bencode.KindInt {
		interval = iv.Int64Value()
	}

	return &Response{Interval: interval, Peers: peers}, nil
}

/*
parseCompactPeers splits the tracker's compact peer string into
(IPv4, port) endpoints: each 6-byte group is 4 bytes of network-order IPv4
followed by 2 bytes of network-order port.
*/
func parseCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("peers string length %d is not a multiple of 6", len(b))
	}

	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}

	return peers, nil
}
