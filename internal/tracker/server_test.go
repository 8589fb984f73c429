package tracker

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lanswarm/lanswarm/internal/bencode"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func announceURL(base, infoHash, peerID string, port int, extra map[string]string) string {
	q := url.Values{}
	q.Set("info_hash", infoHash)
	q.Set("peer_id", peerID)
	q.Set("port", itoa(port))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", "100")
	for k, v := range extra {
		q.Set(k, v)
	}
	return base + "/announce?" + q.Encode()
}

func itoa(n int) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := WithDefaultServerConfig()
	s := NewServer(cfg, discardLogger())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/announce"):
			s.handleAnnounce(w, r)
		case strings.HasPrefix(r.URL.Path, "/stats"):
			s.handleStats(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return s, ts
}

func decodeBencodeDict(t *testing.T, body []byte) map[string]any {
	t.Helper()
	v, err := bencode.Unmarshal(body)
	if err != nil {
		t.Fatalf("bencode.Unmarshal: %v", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("response is not a dict: %T", v)
	}
	return dict
}

func TestHandleAnnounce_MissingInfoHash(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/announce?peer_id=" + strings.Repeat("a", 20) + "&port=6881&left=0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	dict := decodeBencodeDict(t, body)
	if _, ok := dict["failure reason"]; !ok {
		t.Fatalf("expected failure reason in response: %v", dict)
	}
}

func TestHandleAnnounce_ExcludesRequester(t *testing.T) {
	_, ts := newTestServer(t)

	infoHash := strings.Repeat("x", 20)
	peerA := strings.Repeat("a", 20)
	peerB := strings.Repeat("b", 20)

	mustAnnounce := func(peerID string, port int) map[string]any {
		resp, err := http.Get(announceURL(ts.URL, infoHash, peerID, port, map[string]string{"compact": "0"}))
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return decodeBencodeDict(t, body)
	}

	mustAnnounce(peerA, 6881)
	dict := mustAnnounce(peerB, 6882)

	peers, ok := dict["peers"].([]any)
	if !ok {
		t.Fatalf("peers not a list: %#v", dict["peers"])
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1 (A only, excluding requester B)", len(peers))
	}
}

func TestHandleAnnounce_CompactForm(t *testing.T) {
	_, ts := newTestServer(t)

	infoHash := strings.Repeat("y", 20)
	peerA := strings.Repeat("a", 20)
	peerB := strings.Repeat("b", 20)

	get := func(peerID string, port int) map[string]any {
		resp, err := http.Get(announceURL(ts.URL, infoHash, peerID, port, map[string]string{"compact": "1"}))
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return decodeBencodeDict(t, body)
	}

	get(peerA, 6881)
	dict := get(peerB, 6882)

	peersRaw, ok := dict["peers"].(string)
	if !ok {
		t.Fatalf("compact peers should be a byte string, got %T", dict["peers"])
	}
	if len(peersRaw)%6 != 0 {
		t.Fatalf("compact peers length %d not a multiple of 6", len(peersRaw))
	}
	if len(peersRaw) != 6 {
		t.Fatalf("expected exactly one compact peer entry, got %d bytes", len(peersRaw))
	}
}

func TestHandleAnnounce_StoppedEventEvictsImmediately(t *testing.T) {
	_, ts := newTestServer(t)

	infoHash := strings.Repeat("z", 20)
	peerA := strings.Repeat("a", 20)
	peerB := strings.Repeat("b", 20)

	get := func(peerID string, port int, event string) map[string]any {
		extra := map[string]string{"compact": "0"}
		if event != "" {
			extra["event"] = event
		}
		resp, err := http.Get(announceURL(ts.URL, infoHash, peerID, port, extra))
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return decodeBencodeDict(t, body)
	}

	get(peerA, 6881, "started")
	get(peerA, 6881, "stopped")

	dict := get(peerB, 6882, "")
	peers, _ := dict["peers"].([]any)
	if len(peers) != 0 {
		t.Fatalf("peer A should have been evicted on stopped event, got %d peers", len(peers))
	}
}

func TestSweep_EvictsStalePeers(t *testing.T) {
	cfg := WithDefaultServerConfig()
	cfg.PeerTimeout = 10 * time.Millisecond
	s := NewServer(cfg, discardLogger())

	infoHash := [20]byte{1, 2, 3}
	bucket := s.bucketFor(infoHash)
	bucket.mu.Lock()
	bucket.peers[[20]byte{9}] = &trackedPeer{lastSeen: time.Now().Add(-time.Hour)}
	bucket.mu.Unlock()

	s.sweep()

	bucket.mu.Lock()
	n := len(bucket.peers)
	bucket.mu.Unlock()

	if n != 0 {
		t.Fatalf("expected stale peer to be evicted, got %d remaining", n)
	}
}

func TestBucketCounts_SeedersAndLeechers(t *testing.T) {
	b := &swarmBucket{peers: make(map[[20]byte]*trackedPeer)}
	b.peers[[20]byte{1}] = &trackedPeer{left: 0}
	b.peers[[20]byte{2}] = &trackedPeer{left: 500}
	b.peers[[20]byte{3}] = &trackedPeer{left: 0}

	seeders, leechers := b.counts()
	if seeders != 2 || leechers != 1 {
		t.Fatalf("counts = (%d, %d), want (2, 1)", seeders, leechers)
	}
}
