package peer

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanswarm/lanswarm/internal/bitfield"
	"github.com/lanswarm/lanswarm/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// Config parameterizes a single peer connection and the swarm that manages
// many of them. This design unchokes every peer on connect (see Peer.Run)
// and never chokes back, so there is no UploadSlots/RechokeInterval knob to
// carry here.
type Config struct {
	MaxPeers          int
	PeerOutboxBacklog int
	MaxFrameSize      uint32
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
}

func WithDefaultConfig() *Config {
	return &Config{
		MaxPeers:          50,
		PeerOutboxBacklog: 50,
		MaxFrameSize:      262144 + 9,
		ReadTimeout:       45 * time.Second,
		WriteTimeout:      30 * time.Second,
		DialTimeout:       45 * time.Second,
		KeepAliveInterval: 120 * time.Second,
		IdleTimeout:       240 * time.Second,
	}
}

// Swarm is the session supervisor: it accepts inbound connections, dials
// peers handed to it by the tracker client, and keeps the set of live
// sessions it owns.
type Swarm struct {
	cfg      *Config
	logger   *slog.Logger
	peerMut  sync.RWMutex
	peers    map[netip.AddrPort]*Peer
	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte
	stats    *SwarmStats

	pieceCount int

	onHandshake func(netip.AddrPort)
	onBitfield  func(netip.AddrPort, bitfield.Bitfield)
	onHave      func(netip.AddrPort, uint32)
	onPiece     func(netip.AddrPort, uint32, uint32, []byte)
	onRequest   func(netip.AddrPort, uint32, uint32, uint32)
	requestWork func(netip.AddrPort)

	listener      net.Listener
	peerConnectCh chan netip.AddrPort
}

type SwarmStats struct {
	TotalPeers       atomic.Uint32
	ConnectingPeers  atomic.Uint32
	FailedConnection atomic.Uint32
	InterestedPeers  atomic.Uint32
	UploadingTo      atomic.Uint32
	DownloadingFrom  atomic.Uint32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

// SwarmOpts wires the swarm to the piece store: OnBitfield/OnHave/OnPiece
// feed what peers report into the store's bookkeeping, OnRequest serves an
// upload, and RequestWork asks the store for this peer's next batch of
// block requests once it's known to be willing to send us data.
type SwarmOpts struct {
	Config      *Config
	Logger      *slog.Logger
	InfoHash    [sha1.Size]byte
	ClientID    [sha1.Size]byte
	PieceCount  int
	ListenAddr  string
	OnHandshake func(netip.AddrPort)
	OnBitfield  func(netip.AddrPort, bitfield.Bitfield)
	OnHave      func(netip.AddrPort, uint32)
	OnPiece     func(netip.AddrPort, uint32, uint32, []byte)
	OnRequest   func(netip.AddrPort, uint32, uint32, uint32)
	RequestWork func(netip.AddrPort)
}

type SwarmMetrics struct {
	TotalPeers       uint32 `json:"totalPeers"`
	ConnectingPeers  uint32 `json:"connectingPeers"`
	FailedConnection uint32 `json:"failedConnection"`
	InterestedPeers  uint32 `json:"interestedPeers"`
	UploadingTo      uint32 `json:"uploadingTo"`
	DownloadingFrom  uint32 `json:"downloadingFrom"`
	TotalDownloaded  uint64 `json:"totalDownloaded"`
	TotalUploaded    uint64 `json:"totalUploaded"`
	DownloadRate     uint64 `json:"downloadRate"`
	UploadRate       uint64 `json:"uploadRate"`
}

func NewSwarm(opts *SwarmOpts) (*Swarm, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	var listener net.Listener
	if opts.ListenAddr != "" {
		l, err := net.Listen("tcp", opts.ListenAddr)
		if err != nil {
			return nil, err
		}
		listener = l
	}

	return &Swarm{
		cfg:           cfg,
		infoHash:      opts.InfoHash,
		clientID:      opts.ClientID,
		pieceCount:    opts.PieceCount,
		stats:         &SwarmStats{},
		peers:         make(map[netip.AddrPort]*Peer),
		peerConnectCh: make(chan netip.AddrPort, cfg.MaxPeers),
		logger:        opts.Logger.With("component", "swarm"),
		onHandshake:   opts.OnHandshake,
		onBitfield:    opts.OnBitfield,
		onHave:        opts.OnHave,
		onPiece:       opts.OnPiece,
		onRequest:     opts.OnRequest,
		requestWork:   opts.RequestWork,
		listener:      listener,
	}, nil
}

func (s *Swarm) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.maintenanceLoop(gctx) })
	g.Go(func() error { return s.statsLoop(gctx) })
	if s.listener != nil {
		g.Go(func() error { return s.acceptLoop(gctx) })
	}
	for i := 0; i < 10; i++ {
		g.Go(func() error { return s.peerDialerLoop(gctx) })
	}

	<-gctx.Done()
	if s.listener != nil {
		_ = s.listener.Close()
	}

	return g.Wait()
}

func (s *Swarm) Stats() SwarmMetrics {
	ps := s.stats
	return SwarmMetrics{
		TotalPeers:       ps.TotalPeers.Load(),
		ConnectingPeers:  ps.ConnectingPeers.Load(),
		FailedConnection: ps.FailedConnection.Load(),
		InterestedPeers:  ps.InterestedPeers.Load(),
		UploadingTo:      ps.UploadingTo.Load(),
		DownloadingFrom:  ps.DownloadingFrom.Load(),
		TotalDownloaded:  ps.TotalDownloaded.Load(),
		TotalUploaded:    ps.TotalUploaded.Load(),
		DownloadRate:     ps.DownloadRate.Load(),
		UploadRate:       ps.UploadRate.Load(),
	}
}

func (s *Swarm) PeerMetrics() []PeerMetrics {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	metrics := make([]PeerMetrics, 0, len(s.peers))
	for _, peer := range s.peers {
		metrics = append(metrics, peer.Stats())
	}
	return metrics
}

// AdmitPeers queues addresses discovered via the tracker for an outbound
// dial. Duplicates and peers already connected are silently dropped once
// picked up by a dialer worker.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.peerConnectCh <- addr:
		default:
			s.logger.Warn("admit queue full; dropping", "addr", addr)
		}
	}
}

func (s *Swarm) peerOpts() *PeerOpts {
	return &PeerOpts{
		Log:         s.logger,
		Config:      s.cfg,
		PieceCount:   s.pieceCount,
		InfoHash:     s.infoHash,
		ClientID:     s.clientID,
		OnHandshake:  s.onHandshake,
		OnBitfield:   s.onBitfield,
		OnHave:       s.onHave,
		OnPiece:      s.onPiece,
		OnRequest:    s.onRequest,
		RequestWork:  s.requestWork,
		OnDisconnect: s.removePeer,
	}
}

func (s *Swarm) addOutbound(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	if !s.reserveSlot(addr) {
		return nil, nil
	}

	s.stats.ConnectingPeers.Add(1)
	p, err := Dial(ctx, addr, s.peerOpts())
	s.stats.ConnectingPeers.Add(^uint32(0))
	if err != nil {
		s.stats.FailedConnection.Add(1)
		return nil, err
	}

	s.register(p)
	return p, nil
}

func (s *Swarm) reserveSlot(addr netip.AddrPort) bool {
	s.peerMut.RLock()
	_, dup := s.peers[addr]
	total := len(s.peers)
	s.peerMut.RUnlock()

	return !dup && total < s.cfg.MaxPeers
}

func (s *Swarm) register(p *Peer) {
	s.peerMut.Lock()
	s.peers[p.Addr()] = p
	s.peerMut.Unlock()
	s.stats.TotalPeers.Add(1)
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	s.peerMut.Lock()
	if _, exists := s.peers[addr]; !exists {
		s.peerMut.Unlock()
		return
	}
	delete(s.peers, addr)
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(^uint32(0))
}

func (s *Swarm) GetPeer(addr netip.AddrPort) (*Peer, bool) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	peer, ok := s.peers[addr]
	return peer, ok
}

// BroadcastHave sends a Have message for pieceIdx to every connected peer.
func (s *Swarm) BroadcastHave(pieceIdx uint32) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	for _, peer := range s.peers {
		peer.SendHave(pieceIdx)
	}
}

func (s *Swarm) acceptLoop(ctx context.Context) error {
	l := s.logger.With("component", "accept loop")
	l.Debug("started")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		go s.handleInbound(ctx, conn)
	}
}

func (s *Swarm) handleInbound(ctx context.Context, conn net.Conn) {
	addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		_ = conn.Close()
		return
	}

	if !s.reserveSlot(addrPort) {
		_ = conn.Close()
		return
	}

	theirs, err := protocol.ReadHandshake(conn)
	if err != nil || theirs.InfoHash != s.infoHash {
		_ = conn.Close()
		return
	}
	if theirs.PeerID == s.clientID {
		_ = conn.Close()
		return
	}

	ours := protocol.NewHandshake(s.infoHash, s.clientID)
	if err := protocol.WriteHandshake(conn, *ours); err != nil {
		_ = conn.Close()
		return
	}

	p := Accept(conn, addrPort, s.peerOpts())
	s.register(p)
	go func() {
		defer s.removePeer(p.Addr())
		_ = p.Run(ctx)
	}()
}

func (s *Swarm) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			var inactive []netip.AddrPort

			s.peerMut.RLock()
			for addr, peer := range s.peers {
				if peer.Idleness() > s.cfg.IdleTimeout {
					inactive = append(inactive, addr)
				}
			}
			s.peerMut.RUnlock()

			for _, addr := range inactive {
				if peer, ok := s.GetPeer(addr); ok {
					peer.Close()
				}
				s.removePeer(addr)
			}
		}
	}
}

func (s *Swarm) peerDialerLoop(ctx context.Context) error {
	l := s.logger.With("component", "peer dialer")

	for {
		select {
		case <-ctx.Done():
			return nil

		case addr, ok := <-s.peerConnectCh:
			if !ok {
				return nil
			}

			peer, err := s.addOutbound(ctx, addr)
			if err != nil {
				l.Debug("dial failed", "addr", addr, "error", err.Error())
				continue
			}
			if peer == nil {
				continue
			}

			go func(p *Peer) {
				defer s.removePeer(p.Addr())
				_ = p.Run(ctx)
			}(peer)
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64
			var interested, uploadingTo, downloadingFrom uint32

			s.peerMut.RLock()
			for _, peer := range s.peers {
				st := peer.stats
				totUp += st.Uploaded.Load()
				totDown += st.Downloaded.Load()
				ru := st.UploadRate.Load()
				rd := st.DownloadRate.Load()
				upRate += ru
				downRate += rd

				if peer.AmInterested() {
					interested++
				}
				if ru > 0 {
					uploadingTo++
				}
				if rd > 0 {
					downloadingFrom++
				}
			}
			s.peerMut.RUnlock()

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(upRate)
			s.stats.DownloadRate.Store(downRate)
			s.stats.InterestedPeers.Store(interested)
			s.stats.UploadingTo.Store(uploadingTo)
			s.stats.DownloadingFrom.Store(downloadingFrom)
		}
	}
}
