// Command gotorrent is a minimal BitTorrent client: decode bencode,
// inspect a .torrent file, list its swarm, handshake a single peer, or
// pull one piece / the whole file.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"gotorrent/bencode"
	"gotorrent/download"
	"gotorrent/internal/cliutil"
	"gotorrent/internal/torrentlog"
	"gotorrent/metainfo"
	"gotorrent/peer"
	"gotorrent/tracker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "decode":
		err = cmdDecode(os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "peers":
		err = cmdPeers(os.Args[2:])
	case "handshake":
		err = cmdHandshake(os.Args[2:])
	case "download_piece":
		err = cmdDownloadPiece(os.Args[2:])
	case "download":
		err = cmdDownload(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		torrentlog.Error("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gotorrent <decode|info|peers|handshake|download_piece|download> [args]")
}

// --------------------------------------------------------------------------------------------- //

func cmdDecode(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gotorrent decode <bencoded-string>")
	}

	v, err := bencode.Decode([]byte(args[0]))
	if err != nil {
		return err
	}

	out, err := json.Marshal(bencode.ToJSON(v))
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// --------------------------------------------------------------------------------------------- //

func cmdInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gotorrent info <path>")
	}

	m, err := metainfo.Load(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Tracker URL: %s\n", m.Announce)
	fmt.Printf("Length: %d\n", m.Info.Length)
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(m.InfoHash[:]))
	fmt.Printf("Piece Length: %d\n", m.Info.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, h := range m.Info.PieceHashes {
		fmt.Println(hex.EncodeToString(h[:]))
	}
	return nil
}

// --------------------------------------------------------------------------------------------- //

func cmdPeers(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gotorrent peers <path>")
	}

	m, err := metainfo.Load(args[0])
	if err != nil {
		return err
	}

	resp, err := tracker.Announce(m, tracker.Request{PeerID: tracker.NewPeerID(), Port: 6881})
	if err != nil {
		return err
	}

	for _, p := range resp.Peers {
		fmt.Println(p.String())
	}
	return nil
}

// --------------------------------------------------------------------------------------------- //

func cmdHandshake(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: gotorrent handshake <path> <ip:port>")
	}

	m, err := metainfo.Load(args[0])
	if err != nil {
		return err
	}

	c, err := peer.Dial(args[1], m.InfoHash, tracker.NewPeerID())
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(c.RemotePeerID[:]))
	return nil
}

// --------------------------------------------------------------------------------------------- //

func cmdDownloadPiece(args []string) error {
	fs := flag.NewFlagSet("download_piece", flag.ExitOnError)
	outPath := fs.String("o", "", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 || *outPath == "" {
		return fmt.Errorf("usage: gotorrent download_piece -o <outpath> <path> <piece_index>")
	}

	var index int
	if _, err := fmt.Sscanf(fs.Arg(1), "%d", &index); err != nil {
		return fmt.Errorf("invalid piece index %q: %w", fs.Arg(1), err)
	}

	m, err := metainfo.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	data, err := download.DownloadPiece(m, index, tracker.NewPeerID(), 6881)
	if err != nil {
		return err
	}

	torrentlog.Info("piece %d verified (%d bytes)", index, len(data))
	return writeFile(*outPath, data)
}

// --------------------------------------------------------------------------------------------- //

func cmdDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	outPath := fs.String("o", "", "output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *outPath == "" {
		return fmt.Errorf("usage: gotorrent download -o <outpath> <path>")
	}

	m, err := metainfo.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	bar := cliutil.NewProgressBar(m.PieceCount(), m.Info.Name)
	onProgress := func(completed, total, pieceBytes int) {
		bar.Add(1)
	}

	data, err := download.Download(context.Background(), m, tracker.NewPeerID(), 6881, onProgress)
	bar.Finish()
	if err != nil {
		return err
	}

	if err := download.VerifyAll(m, data); err != nil {
		return err
	}

	torrentlog.Info("download complete: %s (%d bytes)", m.Info.Name, len(data))
	return writeFile(*outPath, data)
}

// --------------------------------------------------------------------------------------------- //

func writeFile(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
