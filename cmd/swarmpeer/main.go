// Command swarmpeer downloads (and, once complete, seeds) a single torrent
// on the local network.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lanswarm/lanswarm/internal/logging"
	"github.com/lanswarm/lanswarm/internal/torrent"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent metainfo file")
	downloadDir := flag.String("download-dir", "", "directory to store downloaded data (default: platform download dir)")
	listenAddr := flag.String("listen", ":0", "address to accept inbound peer connections on")
	maxPeers := flag.Int("max-peers", 50, "maximum simultaneous peer connections")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := logging.New(level)
	slog.SetDefault(log)

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "swarmpeer: -torrent is required")
		os.Exit(1)
	}

	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		log.Error("failed to read torrent file", "path", *torrentPath, "error", err.Error())
		os.Exit(1)
	}

	client, err := torrent.NewClient()
	if err != nil {
		log.Error("failed to create client", "error", err.Error())
		os.Exit(1)
	}

	cfg := torrent.WithDefaultConfig()
	cfg.ListenAddr = *listenAddr
	cfg.Peer.MaxPeers = *maxPeers
	if *downloadDir != "" {
		cfg.Piece.DownloadDir = *downloadDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t, err := client.AddTorrent(ctx, data, cfg)
	if err != nil {
		log.Error("failed to add torrent", "error", err.Error())
		os.Exit(1)
	}
	log.Info("torrent started", "name", t.Metainfo.Info.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	t.Stop()
}
