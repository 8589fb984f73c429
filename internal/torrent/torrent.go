// Package torrent wires the piece store, peer swarm, and tracker client
// together into one downloadable/shareable torrent.
package torrent

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/lanswarm/lanswarm/internal/bitfield"
	"github.com/lanswarm/lanswarm/internal/config"
	"github.com/lanswarm/lanswarm/internal/meta"
	"github.com/lanswarm/lanswarm/internal/peer"
	"github.com/lanswarm/lanswarm/internal/piece"
	"github.com/lanswarm/lanswarm/internal/tracker"
	"github.com/lanswarm/lanswarm/internal/xerrors"
	"golang.org/x/sync/errgroup"
)

// Torrent is one info-hash's worth of state: the piece store backing its
// data on disk, the swarm of peer connections trading it, and the tracker
// client that feeds the swarm new addresses.
type Torrent struct {
	Metainfo *meta.Metainfo `json:"metainfo"`

	clientID [sha1.Size]byte
	cfg      *Config
	logger   *slog.Logger
	tracker  *tracker.Tracker
	swarm    *peer.Swarm
	store    *piece.Store
	cancel   context.CancelFunc
}

func NewTorrent(clientID [sha1.Size]byte, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("torrent", metainfo.Info.Name)

	store, err := piece.Open(metainfo, cfg.Piece, logger)
	if err != nil {
		return nil, fmt.Errorf("open piece store: %w", err)
	}

	t := &Torrent{
		Metainfo: metainfo,
		clientID: clientID,
		cfg:      cfg,
		logger:   logger,
		store:    store,
	}

	swarm, err := peer.NewSwarm(&peer.SwarmOpts{
		Config:      cfg.Peer,
		Logger:      logger,
		InfoHash:    metainfo.InfoHash,
		ClientID:    clientID,
		PieceCount:  int(store.PieceCount()),
		ListenAddr:  cfg.ListenAddr,
		OnHandshake: t.onHandshake,
		OnBitfield:  t.onBitfield,
		OnHave:      t.onHave,
		OnPiece:     t.onPiece,
		OnRequest:   t.onRequest,
		RequestWork: t.requestWork,
	})
	if err != nil {
		return nil, fmt.Errorf("start swarm: %w", err)
	}
	t.swarm = swarm

	tr, err := tracker.NewTracker(metainfo.Announce, metainfo.AnnounceList, &tracker.TrackerOpts{
		Log:               logger,
		OnAnnounceStart:   t.buildAnnounceParams,
		OnAnnounceSuccess: swarm.AdmitPeers,
	})
	if err != nil {
		return nil, fmt.Errorf("start tracker: %w", err)
	}
	t.tracker = tr

	return t, nil
}

func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer t.store.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.swarm.Run(gctx) })
	g.Go(func() error { return t.tracker.Run(gctx) })

	return g.Wait()
}

func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

type Stats struct {
	peer.SwarmMetrics
	tracker.TrackerMetrics
	Progress    float64            `json:"progress"`
	Peers       []peer.PeerMetrics `json:"peers"`
	PieceStates []int              `json:"pieceStates"`
}

func (t *Torrent) GetStats() *Stats {
	swarmStats := t.swarm.Stats()
	trackerStats := t.tracker.Stats()

	rawStates := t.store.PieceStatus()
	pieceStates := make([]int, len(rawStates))
	for i, status := range rawStates {
		pieceStates[i] = int(status)
	}

	s := &Stats{
		Progress:    0.0,
		Peers:       t.swarm.PeerMetrics(),
		PieceStates: pieceStates,
	}
	s.SwarmMetrics = swarmStats
	s.TrackerMetrics = trackerStats

	if total := len(s.PieceStates); total > 0 {
		completed := 0
		for _, st := range s.PieceStates {
			if st == int(piece.StatusDone) {
				completed++
			}
		}
		s.Progress = (float64(completed) / float64(total)) * 100.0
	}
	return s
}

func (t *Torrent) GetConfig() *Config { return t.cfg }

// GetPeerMessageHistory returns up to limit of the most recent protocol
// events exchanged with the peer at addr, for diagnostics.
func (t *Torrent) GetPeerMessageHistory(addr netip.AddrPort, limit int) ([]*peer.Event, error) {
	p, ok := t.swarm.GetPeer(addr)
	if !ok {
		return nil, fmt.Errorf("peer not found: %s", addr)
	}
	return p.GetMessageHistory(limit)
}

// onHandshake fires once a peer connection is usable: we announce what we
// have and declare interest unless we're already complete.
func (t *Torrent) onHandshake(addr netip.AddrPort) {
	p, ok := t.swarm.GetPeer(addr)
	if !ok {
		return
	}

	bf := t.store.Bitfield()
	if bf.Any() {
		p.SendBitfield(bf)
	}
	if !bf.All() {
		p.SendInterested()
	}
}

func (t *Torrent) onBitfield(addr netip.AddrPort, _ bitfield.Bitfield) {
	t.requestWork(addr)
}

func (t *Torrent) onHave(addr netip.AddrPort, _ uint32) {
	t.requestWork(addr)
}

// onPiece hands a downloaded block to the piece store, cancels any
// redundant in-flight requests for the same block, and broadcasts Have
// once the piece verifies.
func (t *Torrent) onPiece(addr netip.AddrPort, pieceIdx, begin uint32, block []byte) {
	complete, verified, redundant, err := t.store.DepositBlock(addr, pieceIdx, begin, block)
	if err != nil {
		t.logger.Warn("deposit block failed", "piece", pieceIdx, "error", err.Error())
	}

	for _, owner := range redundant {
		if rp, ok := t.swarm.GetPeer(owner); ok {
			rp.SendCancel(pieceIdx, begin, uint32(len(block)))
		}
	}

	if complete && verified {
		t.swarm.BroadcastHave(pieceIdx)
	}
	if complete {
		t.requestWork(addr)
	}
}

func (t *Torrent) onRequest(addr netip.AddrPort, pieceIdx, begin, length uint32) {
	p, ok := t.swarm.GetPeer(addr)
	if !ok {
		return
	}

	// A request for more than twice a block is never legitimate traffic
	// from a conforming peer; treat it as a protocol violation and tear
	// down the session rather than serving it.
	if length > config.MaxBlockRequestSize {
		t.logger.Debug("closing peer for oversized request", "addr", addr, "length", length)
		p.Close()
		return
	}

	data, err := t.store.ReadBlock(pieceIdx, begin, length)
	if err != nil {
		var outOfRange *xerrors.ProtocolViolation
		if errors.As(err, &outOfRange) {
			p.Close()
			return
		}
		t.logger.Debug("cannot serve request", "piece", pieceIdx, "error", err.Error())
		return
	}

	p.SendPiece(pieceIdx, begin, data)
}

// requestWork asks the store for addr's next batch of block requests, up
// to the fixed pipeline depth, and sends them.
func (t *Torrent) requestWork(addr netip.AddrPort) {
	p, ok := t.swarm.GetPeer(addr)
	if !ok || p.PeerChoking() {
		return
	}

	reqs := t.store.NextRequests(addr, p.Bitfield(), config.MaxPipeline)
	for _, r := range reqs {
		p.SendRequest(r.PieceIdx, r.Begin, r.Length)
	}
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	stats := t.swarm.Stats()
	total := t.Metainfo.Info.TotalLength()
	left := total - int64(stats.TotalDownloaded)
	if left < 0 {
		left = 0
	}

	event := tracker.EventNone
	if left == 0 {
		event = tracker.EventCompleted
	} else if stats.TotalDownloaded == 0 {
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: stats.TotalDownloaded,
		Left:       uint64(left),
	}
}
