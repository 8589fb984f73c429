// Command swarmtracker runs the HTTP tracker service: peer announce
// bookkeeping with TTL eviction, for a single LAN segment.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanswarm/lanswarm/internal/logging"
	"github.com/lanswarm/lanswarm/internal/tracker"
)

func main() {
	listenAddr := flag.String("listen", ":6969", "address to serve the tracker HTTP API on")
	peerTimeout := flag.Duration("peer-timeout", 180*time.Second, "how long a peer is kept after its last announce")
	sweepInterval := flag.Duration("sweep-interval", 30*time.Second, "how often stale peers are evicted")
	maxPeers := flag.Int("max-peers-per-announce", 50, "maximum peers returned per announce response")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := logging.New(level)
	slog.SetDefault(log)

	cfg := tracker.WithDefaultServerConfig()
	cfg.ListenAddr = *listenAddr
	cfg.PeerTimeout = *peerTimeout
	cfg.SweepInterval = *sweepInterval
	cfg.MaxPeers = *maxPeers

	srv := tracker.NewServer(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error("tracker exited", "error", err.Error())
			os.Exit(1)
		}
	}
}
