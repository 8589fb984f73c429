package torrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

// Client owns every torrent this process is a member of, keyed by info
// hash, and the single peer ID advertised to every tracker and peer.
type Client struct {
	log      *slog.Logger
	clientID [sha1.Size]byte

	mu       sync.RWMutex
	torrents map[[sha1.Size]byte]*Torrent
}

func NewClient() (*Client, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, err
	}

	return &Client{
		log:      slog.Default(),
		clientID: clientID,
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

// AddTorrent parses data as a metainfo file, opens its piece store, and
// starts running it in the background against ctx. The caller is
// responsible for cancelling ctx (or calling RemoveTorrent) to stop it.
func (c *Client) AddTorrent(ctx context.Context, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	t, err := NewTorrent(c.clientID, data, cfg)
	if err != nil {
		c.log.Error("failed to parse torrent", "error", err.Error(), "size", len(data))
		return nil, err
	}

	infoHashHex := hex.EncodeToString(t.Metainfo.InfoHash[:])
	c.log.Debug("adding torrent",
		"name", t.Metainfo.Info.Name,
		"info_hash", infoHashHex,
		"size", t.Metainfo.Info.TotalLength(),
		"pieces", len(t.Metainfo.Info.Pieces),
	)

	c.mu.Lock()
	c.torrents[t.Metainfo.InfoHash] = t
	c.mu.Unlock()

	go func() {
		if err := t.Run(ctx); err != nil {
			c.log.Warn("torrent stopped", "info_hash", infoHashHex, "error", err.Error())
		}
	}()

	return t, nil
}

func (c *Client) GetDefaultConfig() *Config { return WithDefaultConfig() }

func (c *Client) RemoveTorrent(infoHashHex string) error {
	infoHash, err := parseInfoHash(infoHashHex)
	if err != nil {
		c.log.Error("invalid info hash", "hash", infoHashHex, "error", err.Error())
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.torrents[infoHash]
	if !ok {
		c.log.Warn("torrent not found", "info_hash", infoHashHex)
		return nil
	}

	c.log.Debug("removing torrent", "name", t.Metainfo.Info.Name, "info_hash", infoHashHex)
	t.Stop()
	delete(c.torrents, infoHash)
	return nil
}

func (c *Client) GetTorrentStats(infoHashHex string) *Stats {
	infoHash, err := parseInfoHash(infoHashHex)
	if err != nil {
		return nil
	}

	c.mu.RLock()
	t, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	return t.GetStats()
}

func parseInfoHash(hexStr string) ([sha1.Size]byte, error) {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return infoHash, err
	}
	if len(raw) != sha1.Size {
		return infoHash, fmt.Errorf("info hash must be %d bytes, got %d", sha1.Size, len(raw))
	}
	copy(infoHash[:], raw)
	return infoHash, nil
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-LS0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
