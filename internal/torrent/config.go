package torrent

import (
	"github.com/lanswarm/lanswarm/internal/peer"
	"github.com/lanswarm/lanswarm/internal/piece"
)

// Config aggregates the per-package configs a Torrent needs. There is no
// torrent-level knob that doesn't belong to one of these — Peer governs
// connection behavior, Piece governs where downloaded data lands.
type Config struct {
	Peer  *peer.Config
	Piece *piece.Config

	// ListenAddr, if non-empty, is the address the swarm accepts inbound
	// peer connections on. Leaving it empty makes this torrent
	// outbound-only.
	ListenAddr string
}

func WithDefaultConfig() *Config {
	return &Config{
		Peer:       peer.WithDefaultConfig(),
		Piece:      piece.WithDefaultConfig(),
		ListenAddr: ":0",
	}
}
