package tracker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/lanswarm/lanswarm/internal/bencode"
	"golang.org/x/sync/errgroup"
)

// ServerConfig parameterizes the tracker HTTP service.
type ServerConfig struct {
	ListenAddr      string
	PeerTimeout     time.Duration
	SweepInterval   time.Duration
	DefaultInterval time.Duration
	MaxPeers        int
}

func WithDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      ":6969",
		PeerTimeout:     180 * time.Second,
		SweepInterval:   30 * time.Second,
		DefaultInterval: 120 * time.Second,
		MaxPeers:        50,
	}
}

type trackedPeer struct {
	addr     netip.AddrPort
	peerID   [20]byte
	left     uint64
	lastSeen time.Time
}

// swarmBucket is the set of peers announcing for one info_hash.
type swarmBucket struct {
	mu    sync.Mutex
	peers map[[20]byte]*trackedPeer
}

func (b *swarmBucket) counts() (seeders, leechers int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.peers {
		if p.left == 0 {
			seeders++
		} else {
			leechers++
		}
	}
	return seeders, leechers
}

// Server is the tracker service: a GET /announce endpoint bittorrent peers
// call periodically to find each other, and a GET /stats endpoint for
// operational visibility. Peer bookkeeping is entirely in memory and
// TTL-evicted; restarting the tracker process drops it, which is fine
// since peers re-announce on their own schedule.
type Server struct {
	cfg *ServerConfig
	log *slog.Logger

	mu     sync.RWMutex
	swarms map[[20]byte]*swarmBucket

	httpServer *http.Server
}

func NewServer(cfg *ServerConfig, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = WithDefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracker_server")

	s := &Server{
		cfg:    cfg,
		log:    logger,
		swarms: make(map[[20]byte]*swarmBucket),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /announce", s.handleAnnounce)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Run serves announces until ctx is cancelled, then shuts down cleanly.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("tracker listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return s.sweepLoop(gctx) })

	return g.Wait()
}

func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	cutoff := time.Now().Add(-s.cfg.PeerTimeout)

	s.mu.RLock()
	buckets := make([]*swarmBucket, 0, len(s.swarms))
	for _, b := range s.swarms {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	var evicted int
	for _, b := range buckets {
		b.mu.Lock()
		for id, p := range b.peers {
			if p.lastSeen.Before(cutoff) {
				delete(b.peers, id)
				evicted++
			}
		}
		b.mu.Unlock()
	}

	if evicted > 0 {
		s.log.Debug("evicted stale peers", "count", evicted)
	}
}

func (s *Server) bucketFor(infoHash [20]byte) *swarmBucket {
	s.mu.RLock()
	b, ok := s.swarms[infoHash]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.swarms[infoHash]; ok {
		return b
	}
	b = &swarmBucket{peers: make(map[[20]byte]*trackedPeer)}
	s.swarms[infoHash] = b
	return b
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	infoHash, err := queryHash20(q, "info_hash")
	if err != nil {
		writeFailure(w, "invalid info_hash")
		return
	}
	peerID, err := queryHash20(q, "peer_id")
	if err != nil {
		writeFailure(w, "invalid peer_id")
		return
	}

	port, err := strconv.ParseUint(q.Get("port"), 10, 16)
	if err != nil {
		writeFailure(w, "invalid port")
		return
	}
	left, _ := strconv.ParseUint(q.Get("left"), 10, 64)
	event := q.Get("event")

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := q.Get("ip"); ip != "" {
		host = ip
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		writeFailure(w, "unresolvable client address")
		return
	}
	peerAddr := netip.AddrPortFrom(addr, uint16(port))

	bucket := s.bucketFor(infoHash)

	if event == "stopped" {
		bucket.mu.Lock()
		delete(bucket.peers, peerID)
		bucket.mu.Unlock()
	} else {
		bucket.mu.Lock()
		bucket.peers[peerID] = &trackedPeer{
			addr:     peerAddr,
			peerID:   peerID,
			left:     left,
			lastSeen: time.Now(),
		}
		bucket.mu.Unlock()
	}

	numWant := s.cfg.MaxPeers
	if nw, err := strconv.Atoi(q.Get("numwant")); err == nil && nw > 0 && nw < numWant {
		numWant = nw
	}

	bucket.mu.Lock()
	peerList := make([]*trackedPeer, 0, len(bucket.peers))
	for id, p := range bucket.peers {
		if id == peerID {
			continue
		}
		if len(peerList) >= numWant {
			break
		}
		peerList = append(peerList, p)
	}
	bucket.mu.Unlock()

	seeders, leechers := bucket.counts()

	var peersField any
	if q.Get("compact") == "1" {
		peersField = compactPeers(peerList)
	} else {
		peersField = dictPeers(peerList)
	}

	resp := map[string]any{
		"interval":     int64(s.cfg.DefaultInterval / time.Second),
		"min interval": int64(s.cfg.SweepInterval / time.Second),
		"complete":     int64(seeders),
		"incomplete":   int64(leechers),
		"peers":        peersField,
	}

	body, err := bencode.Marshal(resp)
	if err != nil {
		writeFailure(w, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write(body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type torrentStats struct {
		Seeders  int `json:"seeders"`
		Leechers int `json:"leechers"`
	}

	out := make(map[string]torrentStats, len(s.swarms))
	for hash, bucket := range s.swarms {
		seeders, leechers := bucket.counts()
		out[fmt.Sprintf("%x", hash)] = torrentStats{Seeders: seeders, Leechers: leechers}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func writeFailure(w http.ResponseWriter, reason string) {
	body, _ := bencode.Marshal(map[string]any{"failure reason": reason})
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(body)
}

func queryHash20(q map[string][]string, key string) ([20]byte, error) {
	var out [20]byte
	vals, ok := q[key]
	if !ok || len(vals) == 0 {
		return out, fmt.Errorf("%s missing", key)
	}
	raw := vals[0]
	if len(raw) != 20 {
		return out, fmt.Errorf("%s must be 20 raw bytes, got %d", key, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func compactPeers(peers []*trackedPeer) []byte {
	out := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		if !p.addr.Addr().Is4() {
			continue
		}
		b4 := p.addr.Addr().As4()
		out = append(out, b4[:]...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.addr.Port())
		out = append(out, portBuf[:]...)
	}
	return out
}

// dictPeers renders the non-compact announce response form: a list of
// {peer id, ip, port} dictionaries, one per peer.
func dictPeers(peers []*trackedPeer) []any {
	out := make([]any, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]any{
			"peer id": string(p.peerID[:]),
			"ip":      p.addr.Addr().String(),
			"port":    int64(p.addr.Port()),
		})
	}
	return out
}
