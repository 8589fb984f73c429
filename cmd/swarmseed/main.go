// Command swarmseed builds a .torrent metainfo file from a source file,
// hashing it into fixed-size pieces.
package main

import (
	"crypto/sha1"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lanswarm/lanswarm/internal/config"
	"github.com/lanswarm/lanswarm/internal/meta"
)

func main() {
	pieceLength := flag.Int("piece-length", config.DefaultPieceLength, "bytes per piece")
	announce := flag.String("announce", "", "tracker announce URL")
	out := flag.String("out", "", "output .torrent path (default: <source>.torrent)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: swarmseed [-piece-length N] [-announce URL] [-out FILE.torrent] <source-file>")
		os.Exit(1)
	}
	source := flag.Arg(0)

	outPath := *out
	if outPath == "" {
		outPath = source + ".torrent"
	}

	m, err := build(source, *announce, int32(*pieceLength))
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmseed: %s\n", err)
		os.Exit(1)
	}

	data, err := m.Encode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmseed: encode: %s\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "swarmseed: write: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s (%d pieces)\n", outPath, len(m.Info.Pieces))
}

func build(source, announce string, pieceLength int32) (*meta.Metainfo, error) {
	f, err := os.Open(source)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	n := int((size + int64(pieceLength) - 1) / int64(pieceLength))
	if size == 0 {
		n = 0
	}
	pieces := make([][sha1.Size]byte, n)

	buf := make([]byte, pieceLength)
	for i := 0; i < n; i++ {
		nread, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading piece %d: %w", i, err)
		}
		pieces[i] = sha1.Sum(buf[:nread])
	}

	return &meta.Metainfo{
		Announce: announce,
		Info: &meta.Info{
			Name:        filepath.Base(source),
			PieceLength: pieceLength,
			Pieces:      pieces,
			Length:      size,
		},
	}, nil
}
