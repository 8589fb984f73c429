package piece

import (
	"crypto/sha1"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/lanswarm/lanswarm/internal/meta"
)

func testMetainfo(t *testing.T, name string, data []byte, pieceLen int32) *meta.Metainfo {
	t.Helper()

	var hashes [][sha1.Size]byte
	for off := 0; off < len(data); off += int(pieceLen) {
		end := off + int(pieceLen)
		if end > len(data) {
			end = len(data)
		}
		hashes = append(hashes, sha1.Sum(data[off:end]))
	}

	return &meta.Metainfo{
		Info: &meta.Info{
			Name:        name,
			PieceLength: pieceLen,
			Pieces:      hashes,
			Length:      int64(len(data)),
		},
	}
}

func peerAddr(t *testing.T) netip.AddrPort {
	t.Helper()
	return netip.MustParseAddrPort("127.0.0.1:6881")
}

func TestOpenFreshStore(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 3*MaxBlockLength+10)
	for i := range data {
		data[i] = byte(i + 1)
	}
	m := testMetainfo(t, "file.bin", data, int32(MaxBlockLength))

	s, err := Open(m, &Config{DownloadDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.PieceCount() != uint32(len(m.Info.Pieces)) {
		t.Fatalf("PieceCount = %d, want %d", s.PieceCount(), len(m.Info.Pieces))
	}
	if s.Have() {
		t.Fatalf("fresh store should have no pieces")
	}
	if _, err := os.Stat(filepath.Join(dir, "file.bin")); err != nil {
		t.Fatalf("expected backing file to be created: %v", err)
	}
}

func TestDepositBlockVerifiesAndPersists(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 1)
	for i := range data {
		data[i] = byte(i + 1)
	}
	m := testMetainfo(t, "f.bin", data, int32(MaxBlockLength))

	s, err := Open(m, &Config{DownloadDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	peer := peerAddr(t)
	bf := s.Bitfield()
	for i := range bf.Len() {
		bf.Set(i)
	}
	_ = s.NextRequests(peer, bf, 1)

	complete, verified, _, err := s.DepositBlock(peer, 0, 0, data)
	if err != nil {
		t.Fatalf("DepositBlock: %v", err)
	}
	if !complete || !verified {
		t.Fatalf("DepositBlock: complete=%v verified=%v, want true/true", complete, verified)
	}
	if !s.PieceComplete(0) {
		t.Fatalf("piece 0 should be complete")
	}
	got, err := s.ReadBlock(0, 0, uint32(len(data)))
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("ReadBlock = %v, want %v", got, data)
	}
}

func TestDepositBlockRejectsBadHash(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello world")
	m := testMetainfo(t, "f.bin", data, int32(len(data)))
	// Corrupt the expected hash so verification fails.
	m.Info.Pieces[0] = sha1.Sum([]byte("not the same bytes"))

	s, err := Open(m, &Config{DownloadDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	peer := peerAddr(t)
	bf := s.Bitfield()
	for i := range bf.Len() {
		bf.Set(i)
	}
	s.NextRequests(peer, bf, 1)

	complete, verified, _, err := s.DepositBlock(peer, 0, 0, data)
	if err == nil {
		t.Fatalf("expected hash mismatch error")
	}
	if !complete || verified {
		t.Fatalf("DepositBlock: complete=%v verified=%v, want true/false", complete, verified)
	}
	if s.PieceComplete(0) {
		t.Fatalf("piece 0 should not be complete after hash mismatch")
	}
}

func TestResumeFromDisk(t *testing.T) {
	dir := t.TempDir()
	data := []byte("0123456789abcdef0123456789abcdef")
	pieceLen := int32(16)
	m := testMetainfo(t, "resume.bin", data, pieceLen)

	path := filepath.Join(dir, "resume.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s, err := Open(m, &Config{DownloadDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !s.Have() {
		t.Fatalf("expected resumed pieces to be marked complete")
	}
	for i := uint32(0); i < s.PieceCount(); i++ {
		if !s.PieceComplete(i) {
			t.Fatalf("piece %d should have resumed as complete", i)
		}
	}
}

func TestNextRequestsPrefersInProgressPiece(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 2*MaxBlockLength*2)
	for i := range data {
		data[i] = byte(i + 1)
	}
	m := testMetainfo(t, "f.bin", data, int32(MaxBlockLength*2))

	s, err := Open(m, &Config{DownloadDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	peer := peerAddr(t)
	bf := s.Bitfield()
	for i := range bf.Len() {
		bf.Set(i)
	}

	first := s.NextRequests(peer, bf, 1)
	if len(first) != 1 || first[0].PieceIdx != 0 {
		t.Fatalf("expected first request to target piece 0, got %+v", first)
	}

	second := s.NextRequests(peer, bf, 1)
	if len(second) != 1 || second[0].PieceIdx != 0 {
		t.Fatalf("expected second request to still prefer in-progress piece 0, got %+v", second)
	}
}

func TestReadBlockRequiresVerifiedPiece(t *testing.T) {
	dir := t.TempDir()
	data := []byte("abcdefgh")
	m := testMetainfo(t, "f.bin", data, int32(len(data)))

	s, err := Open(m, &Config{DownloadDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.ReadBlock(0, 0, uint32(len(data))); err == nil {
		t.Fatalf("expected error reading unverified piece")
	}
}
