// Package piece owns everything about a torrent's pieces: which blocks are
// wanted, in flight, or done; which blocks to hand out next; and the single
// on-disk file (or file set, for a multi-file layout) those pieces land in.
// No other package touches the data file directly.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/lanswarm/lanswarm/internal/bitfield"
	"github.com/lanswarm/lanswarm/internal/meta"
	"github.com/lanswarm/lanswarm/internal/xerrors"
)

const MaxBlockLength = 16 * 1024 // 16KB

// Config parameterizes where a Store keeps its backing file(s).
type Config struct {
	DownloadDir string
}

// WithDefaultConfig returns a Config pointed at a platform-appropriate
// downloads directory.
func WithDefaultConfig() *Config {
	return &Config{DownloadDir: defaultDownloadDir()}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "lanswarm")
	default:
		return filepath.Join(home, ".local", "share", "lanswarm", "downloads")
	}
}

type BlockInfo struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

type Status uint8

const (
	StatusWant Status = iota
	StatusInflight
	StatusDone
)

type blockOwner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	requests uint32
	status   Status
	owners   []*blockOwner
}

type piece struct {
	index         uint32
	status        Status
	length        uint32
	blockCount    uint32
	lastBlockSize uint32
	doneBlocks    uint32
	verified      bool
	blocks        []*block
	hash          [sha1.Size]byte
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// Store is the piece store: it tracks the state of every block of every
// piece and owns the on-disk file(s) those pieces are written to and read
// from. It is the only thing in the engine that opens the data file.
type Store struct {
	logger *slog.Logger

	mut             sync.RWMutex
	pieces          []*piece
	pieceCount      uint32
	nextPiece       uint32
	nextBlock       uint32
	remainingBlocks uint32
	lastPieceLength uint32

	pieceLen  int32
	totalSize int64
	files     []*datafile

	bufMut  sync.Mutex
	buffers map[uint32]*pieceBuffer
}

type pieceBuffer struct {
	blocks   map[uint32][]byte
	size     uint32
	received uint32
}

// Open builds a Store for metainfo backed by files under cfg.DownloadDir,
// creating them (sized, sparse where the platform allows it) if absent.
// Every piece of every file that already exists on disk is rehashed: pieces
// whose bytes already match the metainfo's digest come back Done, so a
// peer engine can be killed and restarted against the same download
// directory and resume exactly where it left off, with no sidecar
// metadata file.
func Open(m *meta.Metainfo, cfg *Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "piece_store")

	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	files, err := setupFiles(m, cfg.DownloadDir)
	if err != nil {
		return nil, &xerrors.DiskFault{Err: fmt.Errorf("setup files: %w", err)}
	}

	size := m.Info.TotalLength()
	pieceLen := uint32(m.Info.PieceLength)

	lastPieceLen, ok := LastPieceLength(uint64(size), pieceLen)
	if !ok {
		return nil, errors.New("piece: invalid piece length for size")
	}

	n := len(m.Info.Pieces)
	pieces := make([]*piece, n)
	var totalBlocks uint32

	for i := 0; i < n; i++ {
		currLen, _ := PieceLengthAt(uint32(i), uint64(size), pieceLen)
		blockCount, _ := BlocksInPiece(currLen)
		lastBlockLen, _ := LastBlockInPiece(currLen)

		blocks := make([]*block, blockCount)
		for j := range blocks {
			blocks[j] = &block{status: StatusWant, owners: make([]*blockOwner, 0, 2)}
		}
		totalBlocks += blockCount

		pieces[i] = &piece{
			index:         uint32(i),
			length:        currLen,
			blocks:        blocks,
			blockCount:    blockCount,
			hash:          m.Info.Pieces[i],
			lastBlockSize: lastBlockLen,
		}
	}

	s := &Store{
		logger:          logger,
		pieces:          pieces,
		pieceCount:      uint32(n),
		remainingBlocks: totalBlocks,
		lastPieceLength: lastPieceLen,
		pieceLen:        m.Info.PieceLength,
		totalSize:       size,
		files:           files,
		buffers:         make(map[uint32]*pieceBuffer),
	}

	if err := s.resumeFromDisk(); err != nil {
		return nil, err
	}

	return s, nil
}

// resumeFromDisk hashes every piece's on-disk bytes against the metainfo
// digest and marks matches Done, giving resume-without-metadata for free.
func (s *Store) resumeFromDisk() error {
	buf := make([]byte, s.pieceLen)

	var resumed int
	for _, p := range s.pieces {
		data := buf[:p.length]
		if err := s.readPiece(int(p.index), data); err != nil {
			continue
		}

		if sha1.Sum(data) != p.hash {
			continue
		}

		p.verified = true
		p.status = StatusDone
		p.doneBlocks = p.blockCount
		for _, b := range p.blocks {
			b.status = StatusDone
		}
		s.remainingBlocks -= p.blockCount
		resumed++
	}

	s.ResetSequentialState()

	if resumed > 0 {
		s.logger.Info("resumed pieces from disk", "pieces", resumed, "total", len(s.pieces))
	}

	return nil
}

func (s *Store) PieceCount() uint32 {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.pieceCount
}

// ResetSequentialState rewinds the ascending-scan cursor to the first
// not-yet-verified piece. Called once at Open after resume.
func (s *Store) ResetSequentialState() {
	s.nextPiece = 0
	s.nextBlock = 0
	for s.nextPiece < s.pieceCount && s.pieces[s.nextPiece].verified {
		s.nextPiece++
	}
}

func (s *Store) PieceLength(pieceIdx uint32) uint32 {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.pieces[pieceIdx].length
}

func (s *Store) PieceHash(pieceIdx uint32) [sha1.Size]byte {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.pieces[pieceIdx].hash
}

func (s *Store) PieceComplete(pieceIdx uint32) bool {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.pieces[pieceIdx].verified
}

func (s *Store) PieceStatus() []Status {
	s.mut.RLock()
	defer s.mut.RUnlock()

	states := make([]Status, s.pieceCount)
	for i, p := range s.pieces {
		states[i] = p.status
	}
	return states
}

// Bitfield returns a snapshot of which pieces are complete, suitable for
// sending as a Bitfield message.
func (s *Store) Bitfield() bitfield.Bitfield {
	s.mut.RLock()
	defer s.mut.RUnlock()

	bf := bitfield.New(int(s.pieceCount))
	for _, p := range s.pieces {
		if p.verified {
			bf.Set(int(p.index))
		}
	}
	return bf
}

func (s *Store) Have() bool {
	s.mut.RLock()
	defer s.mut.RUnlock()

	for _, p := range s.pieces {
		if p.verified {
			return true
		}
	}
	return false
}

// ReadBlock returns the bytes of one block for serving an upload request.
func (s *Store) ReadBlock(pieceIdx, begin, length uint32) ([]byte, error) {
	s.mut.RLock()
	if pieceIdx >= s.pieceCount || !s.pieces[pieceIdx].verified {
		s.mut.RUnlock()
		return nil, fmt.Errorf("piece %d not available", pieceIdx)
	}
	pieceLen := s.pieces[pieceIdx].length
	s.mut.RUnlock()

	if begin+length > pieceLen {
		return nil, &xerrors.ProtocolViolation{
			Err: fmt.Errorf("block [%d,%d) out of bounds for piece %d (len %d)", begin, begin+length, pieceIdx, pieceLen),
		}
	}

	data := make([]byte, pieceLen)
	if err := s.readPiece(int(pieceIdx), data); err != nil {
		return nil, &xerrors.DiskFault{Err: err}
	}

	return data[begin : begin+length], nil
}

// DepositBlock buffers one downloaded block in memory. Once every block of
// the piece has arrived it is hashed against the metainfo digest: a match
// is flushed to disk and the piece store marks the piece Done; a mismatch
// discards the buffer and resets every block of the piece back to Want so
// the scheduler re-requests it. complete reports whether this call finished
// the piece (regardless of verify outcome); redundant lists peers whose
// in-flight request for this exact block can now be cancelled.
func (s *Store) DepositBlock(
	peer netip.AddrPort,
	pieceIdx, begin uint32,
	data []byte,
) (complete, verified bool, redundant []netip.AddrPort, err error) {
	s.mut.Lock()
	if pieceIdx >= s.pieceCount {
		s.mut.Unlock()
		return false, false, nil, fmt.Errorf("block for unknown piece %d", pieceIdx)
	}
	p := s.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, p.length)
	if !ok {
		s.mut.Unlock()
		return false, false, nil, fmt.Errorf("bad begin %d for piece %d", begin, pieceIdx)
	}
	b := p.blocks[blockIdx]
	if b.status == StatusDone {
		s.mut.Unlock()
		return false, false, nil, nil
	}
	b.status = StatusDone
	p.doneBlocks++

	for _, owner := range b.owners {
		if owner.peer != peer {
			redundant = append(redundant, owner.peer)
		}
	}
	b.owners = nil
	pieceDone := p.doneBlocks == p.blockCount
	s.mut.Unlock()

	s.bufMut.Lock()
	buf, exists := s.buffers[pieceIdx]
	if !exists {
		buf = &pieceBuffer{blocks: make(map[uint32][]byte), size: p.length}
		s.buffers[pieceIdx] = buf
	}
	if _, dup := buf.blocks[begin]; !dup {
		cp := make([]byte, len(data))
		copy(cp, data)
		buf.blocks[begin] = cp
		buf.received += uint32(len(data))
	}
	s.bufMut.Unlock()

	if !pieceDone {
		return false, false, redundant, nil
	}

	assembled := make([]byte, p.length)
	s.bufMut.Lock()
	for off, blk := range buf.blocks {
		copy(assembled[off:], blk)
	}
	delete(s.buffers, pieceIdx)
	s.bufMut.Unlock()

	ok = sha1.Sum(assembled) == p.hash
	if !ok {
		s.logger.Warn("piece failed hash verification, re-requesting", "piece", pieceIdx)
		s.markPieceVerified(pieceIdx, false)
		return true, false, redundant, &xerrors.PieceCorrupt{Piece: int(pieceIdx)}
	}

	if err := s.writePiece(int(pieceIdx), assembled); err != nil {
		s.markPieceVerified(pieceIdx, false)
		return true, false, redundant, &xerrors.DiskFault{Err: err}
	}

	s.markPieceVerified(pieceIdx, true)
	return true, true, redundant, nil
}

func (s *Store) markPieceVerified(pieceIdx uint32, ok bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	p := s.pieces[pieceIdx]
	if p.verified {
		return
	}

	if ok {
		p.verified = true
		p.status = StatusDone
		if s.nextPiece == pieceIdx {
			s.nextPiece++
			s.nextBlock = 0
		}
		return
	}

	for _, b := range p.blocks {
		if b.status == StatusDone {
			s.remainingBlocks++
		}
		b.status = StatusWant
		b.owners = nil
	}
	p.doneBlocks = 0
	p.status = StatusWant
}

// UnassignBlock releases peer's reservation on a block, e.g. after a
// timeout or a cancel, so another peer can claim it.
func (s *Store) UnassignBlock(peer netip.AddrPort, pieceIdx, begin uint32) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if pieceIdx >= s.pieceCount {
		return
	}
	p := s.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, p.length)
	if !ok {
		return
	}
	b := p.blocks[blockIdx]
	n := len(b.owners)
	for i := 0; i < n; i++ {
		if b.owners[i].peer == peer {
			b.owners[i] = b.owners[n-1]
			b.owners = b.owners[:n-1]
			s.remainingBlocks++
			break
		}
	}
	if len(b.owners) == 0 && b.status != StatusDone {
		b.status = StatusWant
	}
}

// NextRequests selects up to capacity blocks to request from peer, given
// the peer's advertised bitfield. It prefers blocks of pieces already in
// flight (doneBlocks > 0), and of pieces behind the ascending cursor whose
// blocks are back in Want (after a failed hash check or a released
// reservation), before starting a new piece, and otherwise scans
// piece indices ascending, taking the lowest unreserved block offset within
// a piece — never rarest-first, never endgame duplication.
func (s *Store) NextRequests(peer netip.AddrPort, peerBF bitfield.Bitfield, capacity uint32) []*BlockInfo {
	s.mut.Lock()
	defer s.mut.Unlock()

	assigned := make([]*BlockInfo, 0, capacity)

	for i := uint32(0); i < s.pieceCount && capacity > 0; i++ {
		p := s.pieces[i]
		if p.verified || (p.doneBlocks == 0 && i >= s.nextPiece) || !peerBF.Has(int(p.index)) {
			continue
		}
		for j := uint32(0); j < p.blockCount && capacity > 0; j++ {
			if p.blocks[j].status != StatusWant {
				continue
			}
			if bi, ok := s.safeAssignBlock(peer, i, j); ok {
				assigned = append(assigned, bi)
				capacity--
			}
			break
		}
	}

	for s.nextPiece < s.pieceCount && capacity > 0 {
		for s.nextPiece < s.pieceCount && s.pieces[s.nextPiece].verified {
			s.nextPiece++
			s.nextBlock = 0
		}
		if s.nextPiece >= s.pieceCount {
			break
		}
		if !peerBF.Has(int(s.nextPiece)) {
			break
		}

		p := s.pieces[s.nextPiece]
		for bi := s.nextBlock; bi < p.blockCount && capacity > 0; bi++ {
			block, ok := s.safeAssignBlock(peer, p.index, bi)
			if ok {
				assigned = append(assigned, block)
				capacity--
				s.nextBlock = bi + 1
			}
		}
		if s.nextBlock >= p.blockCount {
			s.nextPiece++
			s.nextBlock = 0
		}
		break
	}

	return assigned
}

func (s *Store) safeAssignBlock(peer netip.AddrPort, pieceIdx, blockIdx uint32) (*BlockInfo, bool) {
	p := s.pieces[pieceIdx]
	b := p.blocks[blockIdx]

	begin, length, ok := BlockBounds(p.length, blockIdx)
	if !ok {
		return nil, false
	}
	if len(b.owners) >= 1 {
		return nil, false
	}

	p.status = StatusInflight
	b.status = StatusInflight
	b.owners = append(b.owners, &blockOwner{peer: peer, requestedAt: time.Now()})
	s.remainingBlocks--

	return &BlockInfo{PieceIdx: pieceIdx, Begin: begin, Length: length}, true
}

func (s *Store) writePiece(index int, data []byte) error {
	pieceAbsStart := int64(index) * int64(s.pieceLen)
	pieceAbsEnd := pieceAbsStart + int64(len(data))

	for _, file := range s.files {
		overlapStart := max(pieceAbsStart, file.offset)
		overlapEnd := min(pieceAbsEnd, file.offset+file.length)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - file.offset
		offsetInData := overlapStart - pieceAbsStart

		n, err := file.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("write %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("short write to %s: wrote %d want %d", file.path, n, writeLen)
		}
	}
	return nil
}

func (s *Store) readPiece(index int, data []byte) error {
	pieceAbsStart := int64(index) * int64(s.pieceLen)
	pieceAbsEnd := pieceAbsStart + int64(len(data))

	for _, file := range s.files {
		overlapStart := max(pieceAbsStart, file.offset)
		overlapEnd := min(pieceAbsEnd, file.offset+file.length)
		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - file.offset
		offsetInData := overlapStart - pieceAbsStart

		n, err := file.f.ReadAt(data[offsetInData:offsetInData+readLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", file.path, err)
		}
		if int64(n) != readLen {
			return fmt.Errorf("short read from %s: read %d want %d", file.path, n, readLen)
		}
	}
	return nil
}

func setupFiles(m *meta.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	var (
		offset int64
		out    []*datafile
	)

	if len(m.Info.Files) == 0 {
		df, err := createFileMapping(filepath.Join(downloadDir, m.Info.Name), m.Info.Length, 0)
		if err != nil {
			return nil, err
		}
		return append(out, df), nil
	}

	for _, f := range m.Info.Files {
		fp := filepath.Join(downloadDir, m.Info.Name)
		for _, part := range f.Path {
			fp = filepath.Join(fp, part)
		}

		df, err := createFileMapping(fp, f.Length, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, df)
		offset += f.Length
	}

	return out, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	return &datafile{path: path, length: size, offset: offset, f: f}, nil
}

// Close releases the underlying file handles.
func (s *Store) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
