package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lanswarm/lanswarm/internal/bitfield"
	"github.com/lanswarm/lanswarm/internal/protocol"
	"github.com/lanswarm/lanswarm/internal/xerrors"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// messageHistoryCapacity bounds the per-peer ring buffer used for protocol
// introspection; it is intentionally small since it exists for diagnostics,
// not replay.
const messageHistoryCapacity = 256

// Peer is a single established connection to another member of the swarm.
// This design unchokes every peer on connect and never chokes back — there
// is no tit-for-tat rationing, so AmChoking exists only to mirror what the
// wire protocol requires us to track, not to gate uploads.
type Peer struct {
	log            *slog.Logger
	cfg            *Config
	conn           net.Conn
	addr           netip.AddrPort
	sessionID      uuid.UUID
	state          uint32
	stats          *PeerStats
	bitfieldMu     sync.RWMutex
	bitfield       bitfield.Bitfield
	lastActivityAt atomic.Int64
	history        *messageHistoryBuffer
	outbox         chan *protocol.Message
	closeOnce      sync.Once
	stopped        atomic.Bool
	cancel         context.CancelFunc

	onBitfield   func(netip.AddrPort, bitfield.Bitfield)
	onHave       func(netip.AddrPort, uint32)
	onDisconnect func(netip.AddrPort)
	onHandshake  func(netip.AddrPort)
	onPiece      func(netip.AddrPort, uint32, uint32, []byte)
	onRequest    func(netip.AddrPort, uint32, uint32, uint32)
	requestWork  func(netip.AddrPort)
}

// PeerStats holds per-connection counters/timestamps. All fields but the
// timestamps are atomic; the counters increase monotonically for the
// lifetime of a peer, while DownloadRate and UploadRate hold the latest
// moving-average rate.
type PeerStats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimeout   atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// PeerMetrics is a snapshot of a single peer's connection + transfer stats.
type PeerMetrics struct {
	Addr           netip.AddrPort
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	BlocksReceived uint64
	BlocksFailed   uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   time.Duration
	DownloadRate   uint64
	UploadRate     uint64
	IsChoked       bool
	IsInterested   bool
}

// PeerOpts are the fixed inputs for one connection; the swarm builds one
// per dial/accept and owns the callbacks that feed events back into the
// piece store and scheduler.
type PeerOpts struct {
	Log        *slog.Logger
	Config     *Config
	PieceCount int
	InfoHash   [sha1.Size]byte
	ClientID   [sha1.Size]byte

	// OnBitfield/OnHave update the swarm's view of what this peer has.
	OnBitfield func(netip.AddrPort, bitfield.Bitfield)
	OnHave     func(netip.AddrPort, uint32)

	// OnDisconnect lets the swarm drop its bookkeeping for addr.
	OnDisconnect func(netip.AddrPort)

	// OnHandshake fires once the connection is usable, so the swarm can
	// send our own bitfield.
	OnHandshake func(netip.AddrPort)

	// OnPiece delivers a downloaded block to the piece store.
	OnPiece func(netip.AddrPort, uint32, uint32, []byte)

	// OnRequest asks the piece store to serve an upload; the swarm is
	// expected to call peer.SendPiece with the result.
	OnRequest func(netip.AddrPort, uint32, uint32, uint32)

	// RequestWork is called once we learn the peer is willing to send us
	// blocks, so the scheduler can hand this peer its next requests.
	RequestWork func(netip.AddrPort)
}

// Dial opens a TCP connection to addr, performs the initiator handshake,
// and returns a Peer ready to Run.
func Dial(ctx context.Context, addr netip.AddrPort, opts *PeerOpts) (*Peer, error) {
	conn, err := (&net.Dialer{Timeout: opts.Config.DialTimeout}).DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &xerrors.TransientNetwork{Err: err}
	}

	hs := protocol.NewHandshake(opts.InfoHash, opts.ClientID)
	theirs, err := hs.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, &xerrors.BadHandshake{Err: err}
	}
	if theirs.PeerID == opts.ClientID {
		_ = conn.Close()
		return nil, errSelfConnection
	}

	return newPeer(conn, addr, opts), nil
}

// errSelfConnection is returned (and never logged loudly) when a dial or
// accept loops back to this same process; the wire protocol says to close
// such connections silently.
var errSelfConnection = errors.New("peer: self-connection")

// Accept wraps an already-handshaked inbound connection (the acceptor
// reads the handshake itself to learn which torrent is wanted before
// calling this).
func Accept(conn net.Conn, addr netip.AddrPort, opts *PeerOpts) *Peer {
	return newPeer(conn, addr, opts)
}

func newPeer(conn net.Conn, addr netip.AddrPort, opts *PeerOpts) *Peer {
	sessionID := uuid.New()
	p := &Peer{
		log:          opts.Log.With("component", "peer", "addr", addr, "session", sessionID),
		cfg:          opts.Config,
		conn:         conn,
		addr:         addr,
		sessionID:    sessionID,
		stats:        &PeerStats{ConnectedAt: time.Now()},
		bitfield:     bitfield.New(opts.PieceCount),
		onBitfield:   opts.OnBitfield,
		onHave:       opts.OnHave,
		onDisconnect: opts.OnDisconnect,
		onHandshake:  opts.OnHandshake,
		onPiece:      opts.OnPiece,
		onRequest:    opts.OnRequest,
		requestWork:  opts.RequestWork,
		outbox:       make(chan *protocol.Message, opts.Config.PeerOutboxBacklog),
		history:      newMessageHistoryBuffer(messageHistoryCapacity),
	}
	// The remote side chokes us until its Unchoke arrives. Our own AmChoking
	// flag stays false: under unchoke-all there is no rationing decision.
	p.setState(maskPeerChoking, true)
	p.lastActivityAt.Store(time.Now().UnixNano())

	return p
}

func (p *Peer) Addr() netip.AddrPort { return p.addr }

// SessionID is a random identifier distinct from the wire peer id, useful
// as a loggable correlation key since the wire peer id is attacker-chosen.
func (p *Peer) SessionID() uuid.UUID { return p.sessionID }

// Bitfield returns a snapshot of what this peer has reported it holds.
func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.bitfield.Clone()
}

func (p *Peer) Run(ctx context.Context) error {
	defer func() {
		p.Close()
		if p.onDisconnect != nil {
			p.onDisconnect(p.addr)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readMessagesLoop(gctx) })
	g.Go(func() error { return p.writeMessagesLoop(gctx) })
	g.Go(func() error { return p.downloadUploadRatesLoop(gctx) })

	return g.Wait()
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()
		p.log.Debug("peer closed")
	})
}

func (p *Peer) Idleness() time.Duration {
	return time.Since(time.Unix(0, p.lastActivityAt.Load()))
}

func (p *Peer) SendBitfield(bf bitfield.Bitfield) { p.enqueueMessage(protocol.MessageBitfield(bf.Bytes())) }
func (p *Peer) SendKeepAlive()                    { p.enqueueMessage(nil) }
func (p *Peer) SendChoke()                        { p.enqueueMessage(protocol.MessageChoke()) }
func (p *Peer) SendUnchoke()                      { p.enqueueMessage(protocol.MessageUnchoke()) }
func (p *Peer) SendInterested()                   { p.enqueueMessage(protocol.MessageInterested()) }
func (p *Peer) SendNotInterested()                { p.enqueueMessage(protocol.MessageNotInterested()) }
func (p *Peer) SendHave(piece uint32)              { p.enqueueMessage(protocol.MessageHave(piece)) }

func (p *Peer) SendCancel(piece, begin, length uint32) {
	p.enqueueMessage(protocol.MessageCancel(piece, begin, length))
}

func (p *Peer) SendRequest(piece, begin, length uint32) {
	if p.PeerChoking() {
		return
	}
	p.enqueueMessage(protocol.MessageRequest(piece, begin, length))
	p.stats.RequestsSent.Add(1)
}

func (p *Peer) SendPiece(piece, begin uint32, block []byte) {
	p.enqueueMessage(protocol.MessagePiece(piece, begin, block))
}

func (p *Peer) readMessagesLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			p.log.Debug("read failed, closing", "error", err.Error())
			return err
		}

		if err := p.handleMessage(message); err != nil {
			p.log.Debug("handle message failed, closing", "error", err.Error())
			return err
		}
	}
}

func (p *Peer) writeMessagesLoop(ctx context.Context) error {
	if p.onHandshake != nil {
		p.onHandshake(p.addr)
	}

	// Unchoke-all: tell the peer immediately, rather than waiting on any
	// rechoke cycle.
	p.SendUnchoke()

	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(message); err != nil {
				return err
			}

		case <-ticker.C:
			if p.Idleness() >= p.cfg.KeepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

// downloadUploadRatesLoop maintains a smoothed bytes/sec estimate for both
// directions: each tick takes the delta of the monotonic byte counters and
// folds it into an exponential moving average (alpha=0.2) to damp jitter.
func (p *Peer) downloadUploadRatesLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()

	const alpha = 0.2
	var upEMA, downEMA float64
	var inited bool

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()
			instUp := float64(curUp - lastUp)
			instDown := float64(curDown - lastDown)

			if !inited {
				upEMA, downEMA, inited = instUp, instDown, true
			} else {
				upEMA = alpha*instUp + (1-alpha)*upEMA
				downEMA = alpha*instDown + (1-alpha)*downEMA
			}

			p.stats.UploadRate.Store(uint64(upEMA))
			p.stats.DownloadRate.Store(uint64(downEMA))

			lastUp, lastDown = curUp, curDown
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	message, err := protocol.ReadMessageLimited(p.conn, p.cfg.MaxFrameSize)
	if err != nil {
		p.stats.Errors.Add(1)
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			return nil, &xerrors.ProtocolViolation{Err: err}
		}
		// Any other short/failed read (including a clean EOF mid-frame)
		// is treated as the peer having disconnected, not a crash.
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())
	return message, nil
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(message)
	return nil
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	if err := message.ValidatePayloadSize(); err != nil {
		return err
	}

	p.recordEvent(EventReceived, message)

	switch message.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)
	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		if p.requestWork != nil {
			p.requestWork(p.addr)
		}
	case protocol.Interested:
		p.setState(maskPeerInterested, true)
	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)
	case protocol.Bitfield:
		bf, ok := bitfield.FromBytes(message.Payload, p.bitfield.Len())
		if !ok {
			return errors.New("malformed bitfield message")
		}
		p.bitfieldMu.Lock()
		p.bitfield = bf
		p.bitfieldMu.Unlock()
		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}
	case protocol.Have:
		index, ok := message.ParseHave()
		if !ok {
			return errors.New("malformed have message")
		}
		p.bitfieldMu.Lock()
		p.bitfield.Set(int(index))
		p.bitfieldMu.Unlock()
		if p.onHave != nil {
			p.onHave(p.addr, index)
		}
	case protocol.Piece:
		index, begin, block, ok := message.ParsePiece()
		if !ok {
			return errors.New("malformed piece message")
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		if p.onPiece != nil {
			p.onPiece(p.addr, index, begin, block)
		}
		if p.requestWork != nil {
			p.requestWork(p.addr)
		}
	case protocol.Request:
		index, begin, length, ok := message.ParseRequest()
		if !ok {
			return errors.New("malformed request message")
		}
		p.stats.RequestsReceived.Add(1)
		if p.onRequest != nil {
			p.onRequest(p.addr, index, begin, length)
		}
	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	default:
		// Unknown message IDs are ignored; the payload was already
		// drained by the framer.
		p.log.Debug("ignoring unknown message id", "id", message.ID)
	}

	return nil
}

func (p *Peer) enqueueMessage(message *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten(message *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())

	if message == nil {
		return
	}

	p.recordEvent(EventSent, message)

	switch message.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)
	case protocol.Unchoke:
		p.setState(maskAmChoking, false)
	case protocol.Interested:
		p.setState(maskAmInterested, true)
	case protocol.NotInterested:
		p.setState(maskAmInterested, false)
	case protocol.Piece:
		if n := len(message.Payload); n >= 8 {
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(n - 8))
		}
	}
}

// recordEvent appends a diagnostic record of a sent or received message to
// this peer's rolling history. Request/Piece/Have/Cancel messages carry
// their piece index (and block offset, for Request/Piece/Cancel) for
// inspection.
func (p *Peer) recordEvent(direction string, message *protocol.Message) {
	if message == nil {
		p.history.Add(&Event{
			Timestamp:   time.Now(),
			Direction:   direction,
			MessageType: "KeepAlive",
		})
		return
	}

	ev := &Event{
		Timestamp:   time.Now(),
		Direction:   direction,
		MessageType: message.ID.String(),
		PayloadSize: len(message.Payload),
	}

	switch message.ID {
	case protocol.Have:
		if idx, ok := message.ParseHave(); ok {
			ev.PieceIndex = &idx
		}
	case protocol.Request:
		if idx, begin, _, ok := message.ParseRequest(); ok {
			ev.PieceIndex = &idx
			ev.BlockOffset = &begin
		}
	case protocol.Cancel:
		if idx, begin, _, ok := message.ParseCancel(); ok {
			ev.PieceIndex = &idx
			ev.BlockOffset = &begin
		}
	case protocol.Piece:
		if idx, begin, _, ok := message.ParsePiece(); ok {
			ev.PieceIndex = &idx
			ev.BlockOffset = &begin
		}
	}

	p.history.Add(ev)
}

// GetMessageHistory returns up to limit of the most recent protocol events
// exchanged with this peer, oldest first.
func (p *Peer) GetMessageHistory(limit int) ([]*Event, error) {
	return p.history.Get(limit)
}

// Stats returns a snapshot of metrics for this peer.
func (p *Peer) Stats() PeerMetrics {
	lastActive := time.Unix(0, p.lastActivityAt.Load())
	connectedAt := p.stats.ConnectedAt

	return PeerMetrics{
		Addr:           p.addr,
		Downloaded:     p.stats.Downloaded.Load(),
		Uploaded:       p.stats.Uploaded.Load(),
		RequestsSent:   p.stats.RequestsSent.Load(),
		BlocksReceived: p.stats.PiecesReceived.Load(),
		BlocksFailed:   p.stats.RequestsTimeout.Load(),
		LastActive:     lastActive,
		ConnectedAt:    connectedAt,
		ConnectedFor:   time.Since(connectedAt),
		DownloadRate:   p.stats.DownloadRate.Load(),
		UploadRate:     p.stats.UploadRate.Load(),
		IsChoked:       p.PeerChoking(),
		IsInterested:   p.AmInterested(),
	}
}
