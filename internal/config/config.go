// Package config holds the protocol-level constants shared across the
// engine — block size, pipeline depth, timeouts. Each component (piece
// store, swarm, tracker client/server) has its own Config type for the
// values it alone owns, built explicitly by its caller and threaded down;
// nothing here is package-level mutable state.
package config

import "time"

const (
	// DefaultPieceLength is used by the metainfo-authoring tool when the
	// caller doesn't request a specific piece size.
	DefaultPieceLength = 262144

	// BlockSize is the fixed unit of Request/Piece exchange.
	BlockSize = 16384

	// MaxPipeline caps how many block requests the download loop issues to
	// a peer in one scheduling call; requests already outstanding to that
	// peer are not counted against it.
	MaxPipeline = 5

	// KeepAliveInterval is the idle-send threshold before a keep-alive
	// frame is emitted.
	KeepAliveInterval = 120 * time.Second

	// PeerIdleTimeout is the idle-receive threshold before a session is
	// torn down (2x KeepAliveInterval).
	PeerIdleTimeout = 2 * KeepAliveInterval

	// DefaultAnnounceInterval is used when a tracker's response omits one.
	DefaultAnnounceInterval = 120 * time.Second

	// DefaultPeerTimeout is how long a tracker keeps a peer record after
	// its last announce before evicting it.
	DefaultPeerTimeout = 180 * time.Second

	// DefaultSweepInterval is how often the tracker's background eviction
	// sweep runs.
	DefaultSweepInterval = 30 * time.Second

	// MaxBlockRequestSize bounds a valid upload request; requests beyond
	// this close the session.
	MaxBlockRequestSize = 2 * BlockSize
)
