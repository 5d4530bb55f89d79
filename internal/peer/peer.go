package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

const historyCapacity = 64

// Peer owns one TCP connection to a remote node and translates its wire
// messages into calls on the callbacks supplied at construction. It holds
// no piece data or scheduling policy of its own; both live one layer up
// (internal/piece.Storage and internal/piece.Picker) and are wired through
// PeerOpts.
type Peer struct {
	log           *slog.Logger
	conn          net.Conn
	addr          netip.AddrPort
	readTimeout   time.Duration
	writeTimeout  time.Duration
	keepAlive     time.Duration
	state         uint32
	stats         *PeerStats
	history       *eventRing
	bitfield      bitfield.Bitfield
	lastActivityAt atomic.Int64
	outbox        chan *protocol.Message
	closeOnce     sync.Once
	stopped       atomic.Bool
	cancel        context.CancelFunc

	onBitfield   func(netip.AddrPort, bitfield.Bitfield)
	onHave       func(netip.AddrPort, int)
	onUnchoke    func(netip.AddrPort)
	onDisconnect func(netip.AddrPort)
	onRequest    func(piece int, begin, length int32) ([]byte, bool)
	onPiece      func(addr netip.AddrPort, piece int, begin int32, block []byte)
}

// PeerStats holds per-connection counters/timestamps. All fields but the
// two timestamps are atomic; the byte and message counters only increase
// for the lifetime of a peer, while DownloadRate and UploadRate hold the
// latest smoothed rate.
type PeerStats struct {
	Downloaded   atomic.Uint64
	Uploaded     atomic.Uint64
	DownloadRate atomic.Uint64
	UploadRate   atomic.Uint64

	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// Metrics is a point-in-time snapshot of one peer connection.
type Metrics struct {
	Addr         netip.AddrPort
	Downloaded   uint64
	Uploaded     uint64
	RequestsSent uint64
	PiecesRecv   uint64
	LastActive   time.Time
	ConnectedAt  time.Time
	ConnectedFor time.Duration
	DownloadRate uint64
	UploadRate   uint64
	AmChoking    bool
	AmInterested bool
	PeerChoking  bool
}

// PeerOpts carries everything a Peer needs from its owner: connection limits,
// the torrent identity, and the callbacks that connect wire events to the
// piece storage/scheduler.
type PeerOpts struct {
	Log              *slog.Logger
	PieceCount       int
	InfoHash         [20]byte
	PeerID           [20]byte
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	OutboxSize       int

	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, int)
	OnUnchoke    func(netip.AddrPort)
	OnDisconnect func(netip.AddrPort)
	// OnRequest is called when the remote peer asks for a block. It
	// should return the block bytes and true if this node holds and has
	// verified that piece, or (nil, false) otherwise.
	OnRequest func(piece int, begin, length int32) ([]byte, bool)
	// OnPiece is called when a full block arrives from the peer.
	OnPiece func(addr netip.AddrPort, piece int, begin int32, block []byte)
}

// Dial connects to addr, performs the handshake, and returns a Peer ready
// for Run.
func Dial(ctx context.Context, addr netip.AddrPort, opts *PeerOpts) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	if opts.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout))
	}

	hs := protocol.NewHandshake(opts.InfoHash, opts.PeerID)
	if _, err := hs.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake %s: %w", addr, err)
	}

	_ = conn.SetDeadline(time.Time{})

	return newPeer(conn, addr, opts), nil
}

// Accept wraps an already-handshaken inbound connection.
func Accept(conn net.Conn, addr netip.AddrPort, opts *PeerOpts) *Peer {
	return newPeer(conn, addr, opts)
}

func newPeer(conn net.Conn, addr netip.AddrPort, opts *PeerOpts) *Peer {
	log := opts.Log.With("component", "peer", "addr", addr)

	outboxSize := opts.OutboxSize
	if outboxSize <= 0 {
		outboxSize = 64
	}

	p := &Peer{
		log:          log,
		conn:         conn,
		addr:         addr,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		keepAlive:    opts.KeepAlive,
		stats:        &PeerStats{ConnectedAt: time.Now()},
		history:      newEventRing(historyCapacity),
		bitfield:     bitfield.New(opts.PieceCount),
		outbox:       make(chan *protocol.Message, outboxSize),
		onBitfield:   opts.OnBitfield,
		onHave:       opts.OnHave,
		onUnchoke:    opts.OnUnchoke,
		onDisconnect: opts.OnDisconnect,
		onRequest:    opts.OnRequest,
		onPiece:      opts.OnPiece,
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActivityAt.Store(time.Now().UnixNano())

	return p
}

// Addr returns the remote endpoint.
func (p *Peer) Addr() netip.AddrPort { return p.addr }

// Run drives the connection's read/write/keep-alive loops until ctx is
// cancelled or the connection fails.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	err := g.Wait()
	if p.onDisconnect != nil {
		p.onDisconnect(p.addr)
	}
	return err
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

func (p *Peer) Bitfield() bitfield.Bitfield { return p.bitfield }

func (p *Peer) SendBitfield(bf bitfield.Bitfield) { p.enqueue(protocol.MessageBitfield(bf.Bytes())) }
func (p *Peer) SendKeepAlive()                    { p.enqueue(nil) }
func (p *Peer) SendChoke()                        { p.enqueue(protocol.MessageChoke()) }
func (p *Peer) SendUnchoke()                      { p.enqueue(protocol.MessageUnchoke()) }
func (p *Peer) SendInterested()                   { p.enqueue(protocol.MessageInterested()) }
func (p *Peer) SendNotInterested()                { p.enqueue(protocol.MessageNotInterested()) }
func (p *Peer) SendHave(piece int)                { p.enqueue(protocol.MessageHave(uint32(piece))) }

func (p *Peer) SendCancel(piece int, begin, length int32) {
	p.enqueue(protocol.MessageCancel(uint32(piece), uint32(begin), uint32(length)))
}

// SendRequest asks the peer for a block. It is a no-op if the peer is
// currently choking us, matching the wire-protocol rule that requests may
// only be sent while unchoked.
func (p *Peer) SendRequest(piece int, begin, length int32) {
	if p.PeerChoking() {
		return
	}
	p.enqueue(protocol.MessageRequest(uint32(piece), uint32(begin), uint32(length)))
}

// SendPiece answers a Request with the block's bytes. It is a no-op if we
// are currently choking this peer.
func (p *Peer) SendPiece(piece int, begin int32, block []byte) {
	if p.AmChoking() {
		return
	}
	p.enqueue(protocol.MessagePiece(uint32(piece), uint32(begin), block))
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			p.log.Debug("read failed, closing", "error", err)
			return err
		}

		if err := p.handleMessage(message); err != nil {
			p.log.Debug("handle message failed, closing", "error", err)
			return err
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.keepAlive)
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
				p.log.Debug("write failed, closing", "error", err)
				return err
			}

		case <-ticker.C:
			if time.Since(time.Unix(0, p.lastActivityAt.Load())) >= p.keepAlive {
				p.SendKeepAlive()
			}
		}
	}
}

// rateLoop maintains an exponentially-smoothed bytes/sec estimate for
// both directions from the raw monotonic byte counters.
func (p *Peer) rateLoop(ctx context.Context) error {
	const alpha = 0.2

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()
	var upEMA, downEMA float64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()

			instUp := float64(curUp - lastUp)
			instDown := float64(curDown - lastDown)
			upEMA = alpha*instUp + (1-alpha)*upEMA
			downEMA = alpha*instDown + (1-alpha)*downEMA

			p.stats.UploadRate.Store(uint64(upEMA))
			p.stats.DownloadRate.Store(uint64(downEMA))

			lastUp, lastDown = curUp, curDown
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	message, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())
	p.recordHistory(EventReceived, message)

	return message, nil
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
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
		next := old
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

// handleMessage updates connection flags and forwards content events to
// the owner's callbacks. There is no reciprocation accounting here: a
// request is served whenever am_choking is false for this connection,
// with no tit-for-tat scoring of the requester.
func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)

	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		if p.onUnchoke != nil {
			p.onUnchoke(p.addr)
		}

	case protocol.Interested:
		p.setState(maskPeerInterested, true)

	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(message.Payload)
		for i := 0; i < bf.Len(); i++ {
			if bf.Has(i) {
				p.bitfield.Set(i)
			}
		}
		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}

	case protocol.Have:
		piece, ok := message.ParseHave()
		if !ok {
			return errors.New("peer: malformed have message")
		}
		p.bitfield.Set(int(piece))
		if p.onHave != nil {
			p.onHave(p.addr, int(piece))
		}

	case protocol.Piece:
		piece, begin, block, ok := message.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece message")
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		if p.onPiece != nil {
			p.onPiece(p.addr, int(piece), int32(begin), block)
		}

	case protocol.Request:
		index, begin, length, ok := message.ParseRequest()
		if !ok {
			return errors.New("peer: malformed request message")
		}
		p.stats.RequestsReceived.Add(1)
		if p.onRequest == nil {
			return nil
		}
		if block, have := p.onRequest(int(index), int32(begin), int32(length)); have {
			p.SendPiece(int(index), int32(begin), block)
		}

	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)

	default:
		return fmt.Errorf("peer: unknown message id %d", message.ID)
	}

	return nil
}

func (p *Peer) enqueue(message *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- message:
		return true
	default:
		p.log.Debug("outbox full, dropping message")
		return false
	}
}

func (p *Peer) onMessageWritten(message *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())
	p.recordHistory(EventSent, message)

	if message == nil {
		return
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)
	case protocol.Unchoke:
		p.setState(maskAmChoking, false)
	case protocol.Interested:
		p.setState(maskAmInterested, true)
	case protocol.NotInterested:
		p.setState(maskAmInterested, false)
	case protocol.Request:
		p.stats.RequestsSent.Add(1)
	case protocol.Piece:
		if n := len(message.Payload); n >= 8 {
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(n - 8))
		}
	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	}
}

func (p *Peer) recordHistory(direction string, message *protocol.Message) {
	ev := &Event{Timestamp: time.Now(), Direction: direction}
	if message == nil {
		ev.MessageType = "KeepAlive"
	} else {
		ev.MessageType = message.ID.String()
		ev.PayloadSize = len(message.Payload)
		if idx, begin, _, ok := message.ParseRequest(); ok {
			ev.PieceIndex, ev.BlockOffset = &idx, &begin
		} else if idx, begin, _, ok := message.ParsePiece(); ok {
			ev.PieceIndex, ev.BlockOffset = &idx, &begin
		}
	}
	p.history.Add(ev)
}

// History returns up to n of the most recently exchanged wire events, for
// diagnostics.
func (p *Peer) History(n int) []*Event {
	return p.history.Recent(n)
}

// Stats returns a snapshot of this connection's counters.
func (p *Peer) Stats() Metrics {
	lastActive := time.Unix(0, p.lastActivityAt.Load())

	return Metrics{
		Addr:         p.addr,
		Downloaded:   p.stats.Downloaded.Load(),
		Uploaded:     p.stats.Uploaded.Load(),
		RequestsSent: p.stats.RequestsSent.Load(),
		PiecesRecv:   p.stats.PiecesReceived.Load(),
		LastActive:   lastActive,
		ConnectedAt:  p.stats.ConnectedAt,
		ConnectedFor: time.Since(p.stats.ConnectedAt),
		DownloadRate: p.stats.DownloadRate.Load(),
		UploadRate:   p.stats.UploadRate.Load(),
		AmChoking:    p.AmChoking(),
		AmInterested: p.AmInterested(),
		PeerChoking:  p.PeerChoking(),
	}
}
