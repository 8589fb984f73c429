package peer

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/lanswarm/lanswarm/internal/bitfield"
	"github.com/lanswarm/lanswarm/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPeer(t *testing.T, conn net.Conn, pieceCount int) (*Peer, chan struct{ idx uint32 }) {
	t.Helper()

	haveCh := make(chan struct{ idx uint32 }, 4)
	p := newPeer(conn, netip.MustParseAddrPort("127.0.0.1:1"), &PeerOpts{
		Log:        discardLogger(),
		Config:     WithDefaultConfig(),
		PieceCount: pieceCount,
		OnHave: func(_ netip.AddrPort, idx uint32) {
			haveCh <- struct{ idx uint32 }{idx}
		},
	})
	return p, haveCh
}

func TestHandleMessageHaveUpdatesBitfield(t *testing.T) {
	client, _ := net.Pipe()
	p, haveCh := newTestPeer(t, client, 8)
	defer p.Close()

	if err := p.handleMessage(protocol.MessageHave(3)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	select {
	case ev := <-haveCh:
		if ev.idx != 3 {
			t.Fatalf("have index = %d, want 3", ev.idx)
		}
	case <-time.After(time.Second):
		t.Fatal("onHave was not called")
	}
}

func TestHandleMessageBitfieldRejectsBadLength(t *testing.T) {
	client, _ := net.Pipe()
	p, _ := newTestPeer(t, client, 8)
	defer p.Close()

	bad := &protocol.Message{ID: protocol.Bitfield, Payload: []byte{0x00, 0x00}}
	if err := p.handleMessage(bad); err == nil {
		t.Fatal("expected error for malformed bitfield payload")
	}
}

func TestHandleMessageBitfieldAccepted(t *testing.T) {
	client, _ := net.Pipe()
	p, _ := newTestPeer(t, client, 8)
	defer p.Close()

	bf := bitfield.New(8)
	bf.Set(0)
	bf.Set(7)

	if err := p.handleMessage(protocol.MessageBitfield(bf.Bytes())); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	p.bitfieldMu.RLock()
	got := p.bitfield
	p.bitfieldMu.RUnlock()

	if !got.Has(0) || !got.Has(7) || got.Has(1) {
		t.Fatalf("bitfield not applied correctly: %s", got.String())
	}
}

func TestUnchokeTogglesState(t *testing.T) {
	client, _ := net.Pipe()
	p, _ := newTestPeer(t, client, 1)
	defer p.Close()

	if !p.PeerChoking() {
		t.Fatal("peer should start choking us")
	}
	if err := p.handleMessage(protocol.MessageUnchoke()); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if p.PeerChoking() {
		t.Fatal("peer should no longer be choking us after Unchoke")
	}
}

func TestHandleMessageUnknownIDIgnored(t *testing.T) {
	client, _ := net.Pipe()
	p, _ := newTestPeer(t, client, 1)
	defer p.Close()

	unknown := &protocol.Message{ID: 200, Payload: []byte{1, 2, 3}}
	if err := p.handleMessage(unknown); err != nil {
		t.Fatalf("unknown message id should be ignored, got error: %v", err)
	}
}

func TestRecordEventTracksRequestHistory(t *testing.T) {
	client, _ := net.Pipe()
	p, _ := newTestPeer(t, client, 4)
	defer p.Close()

	if err := p.handleMessage(protocol.MessageRequest(1, 16384, 16384)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	events, err := p.GetMessageHistory(10)
	if err != nil {
		t.Fatalf("GetMessageHistory: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Direction != EventReceived || ev.MessageType != "Request" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.PieceIndex == nil || *ev.PieceIndex != 1 {
		t.Fatalf("event piece index = %v, want 1", ev.PieceIndex)
	}
	if ev.BlockOffset == nil || *ev.BlockOffset != 16384 {
		t.Fatalf("event block offset = %v, want 16384", ev.BlockOffset)
	}
}
