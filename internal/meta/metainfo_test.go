package meta

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/lanswarm/lanswarm/internal/bencode"
)

func buildTorrent(t *testing.T, infoOverrides map[string]any) []byte {
	t.Helper()

	info := map[string]any{
		"name":         "file.bin",
		"piece length": int64(262144),
		"pieces":       string(make([]byte, 40)),
		"length":       int64(300000),
	}
	for k, v := range infoOverrides {
		info[k] = v
	}

	root := map[string]any{
		"announce": "http://tracker.local/announce",
		"info":     info,
	}

	b, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func TestParseMetainfo_SingleFile(t *testing.T) {
	data := buildTorrent(t, nil)

	m, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	if m.Info.Name != "file.bin" {
		t.Fatalf("Name = %q", m.Info.Name)
	}
	if m.Info.TotalLength() != 300000 {
		t.Fatalf("TotalLength = %d", m.Info.TotalLength())
	}
	if len(m.Info.Pieces) != 2 {
		t.Fatalf("Pieces = %d, want 2", len(m.Info.Pieces))
	}
}

func TestParseMetainfo_InfoHashUsesOriginalBytes(t *testing.T) {
	data := buildTorrent(t, nil)

	m, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	d := bencode.NewDecoder(data)
	_, spans, err := d.DecodeDictWithSpans()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	span := spans["info"]
	want := sha1.Sum(data[span[0]:span[1]])

	if m.InfoHash != want {
		t.Fatalf("InfoHash = %x, want %x", m.InfoHash, want)
	}
}

func TestParseMetainfo_RejectsMismatchedPieceCount(t *testing.T) {
	data := buildTorrent(t, map[string]any{"pieces": string(make([]byte, 20))})

	if _, err := ParseMetainfo(data); err == nil {
		t.Fatalf("expected error for piece count mismatch")
	}
}

func TestParseMetainfo_RejectsMissingAnnounce(t *testing.T) {
	info := map[string]any{
		"name":         "file.bin",
		"piece length": int64(262144),
		"pieces":       string(make([]byte, 40)),
		"length":       int64(300000),
	}
	root := map[string]any{"info": info}
	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if _, err := ParseMetainfo(data); err == nil {
		t.Fatalf("expected error for missing announce")
	}
}

func TestMetainfo_EncodeDecodeRoundTrip(t *testing.T) {
	data := buildTorrent(t, nil)

	m, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	encoded, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	m2, err := ParseMetainfo(encoded)
	if err != nil {
		t.Fatalf("re-ParseMetainfo: %v", err)
	}
	if m2.Info.Name != m.Info.Name || m2.Info.TotalLength() != m.Info.TotalLength() {
		t.Fatalf("round trip mismatch: %+v vs %+v", m2.Info, m.Info)
	}
	if !bytes.Equal(flattenPieces(m2.Info.Pieces), flattenPieces(m.Info.Pieces)) {
		t.Fatalf("pieces mismatch after round trip")
	}
}
