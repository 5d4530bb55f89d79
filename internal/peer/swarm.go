package peer

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/piece"
	"golang.org/x/sync/errgroup"
)

// Config bounds one swarm's resource usage and timing. It is built by the
// owner (usually from internal/config.Config) and passed in explicitly;
// Swarm keeps no global state.
type Config struct {
	MaxPeers              int
	OutboxBacklog         int
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	DialTimeout           time.Duration
	HandshakeTimeout      time.Duration
	KeepAliveInterval     time.Duration
	PeerInactivityTimeout time.Duration
	MaxInflightPerPeer    int
	RequestBatchSize      int
	BlockTimeout          time.Duration
}

// Swarm owns every live PeerConnection for one torrent and drives requests
// from the shared Picker/Storage into them. There is no tit-for-tat
// optimistic-unchoke tournament here: a peer is unchoked as soon as it
// unchokes this node, and is not choked again while it stays connected.
type Swarm struct {
	cfg      Config
	logger   *slog.Logger
	infoHash [20]byte
	peerID   [20]byte

	storage *piece.Storage
	picker  *piece.Picker

	mu            sync.RWMutex
	peers         map[netip.AddrPort]*Peer
	stats         *Stats
	peerConnectCh chan netip.AddrPort
}

type Stats struct {
	TotalPeers       atomic.Uint32
	FailedConnection atomic.Uint32
	UnchokedPeers    atomic.Uint32
	InterestedPeers  atomic.Uint32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

// Metrics is a snapshot of swarm-wide counters.
type Metrics struct {
	TotalPeers       uint32
	FailedConnection uint32
	UnchokedPeers    uint32
	InterestedPeers  uint32
	TotalDownloaded  uint64
	TotalUploaded    uint64
	DownloadRate     uint64
	UploadRate       uint64
}

// SwarmOpts constructs a Swarm around a shared Storage/Picker pair; both
// are owned by the caller (typically one per active torrent).
type SwarmOpts struct {
	Config   Config
	Logger   *slog.Logger
	InfoHash [20]byte
	PeerID   [20]byte
	Storage  *piece.Storage
	Picker   *piece.Picker
}

func NewSwarm(opts SwarmOpts) *Swarm {
	return &Swarm{
		cfg:           opts.Config,
		logger:        opts.Logger.With("component", "swarm"),
		infoHash:      opts.InfoHash,
		peerID:        opts.PeerID,
		storage:       opts.Storage,
		picker:        opts.Picker,
		peers:         make(map[netip.AddrPort]*Peer),
		stats:         &Stats{},
		peerConnectCh: make(chan netip.AddrPort, opts.Config.MaxPeers),
	}
}

// Run drives peer admission, request dispatch, and idle-connection
// reaping until ctx is cancelled.
func (s *Swarm) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.maintenanceLoop(gctx) })
	g.Go(func() error { return s.statsLoop(gctx) })
	g.Go(func() error { return s.dispatchLoop(gctx) })
	g.Go(func() error { return s.timeoutLoop(gctx) })

	for i := 0; i < 8; i++ {
		g.Go(func() error { return s.peerDialerLoop(gctx) })
	}

	return g.Wait()
}

// AdmitPeers queues candidate addresses (from the DHT or a tracker) for
// outbound connection attempts.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.peerConnectCh <- addr:
		default:
			s.logger.Debug("admit queue full, dropping candidate", "addr", addr)
		}
	}
}

func (s *Swarm) Metrics() Metrics {
	return Metrics{
		TotalPeers:       s.stats.TotalPeers.Load(),
		FailedConnection: s.stats.FailedConnection.Load(),
		UnchokedPeers:    s.stats.UnchokedPeers.Load(),
		InterestedPeers:  s.stats.InterestedPeers.Load(),
		TotalDownloaded:  s.stats.TotalDownloaded.Load(),
		TotalUploaded:    s.stats.TotalUploaded.Load(),
		DownloadRate:     s.stats.DownloadRate.Load(),
		UploadRate:       s.stats.UploadRate.Load(),
	}
}

func (s *Swarm) PeerMetrics() []Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Metrics, 0, len(s.peers))
	for _, p := range s.peers {
		m := p.Stats()
		out = append(out, Metrics{
			TotalPeers:      1,
			TotalDownloaded: m.Downloaded,
			TotalUploaded:   m.Uploaded,
			DownloadRate:    m.DownloadRate,
			UploadRate:      m.UploadRate,
		})
	}
	return out
}

func (s *Swarm) addPeer(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	s.mu.RLock()
	_, dup := s.peers[addr]
	total := len(s.peers)
	s.mu.RUnlock()

	if dup || total >= s.cfg.MaxPeers {
		return nil, nil
	}

	p, err := Dial(ctx, addr, &PeerOpts{
		Log:              s.logger,
		PieceCount:       s.storage.PieceCount(),
		InfoHash:         s.infoHash,
		PeerID:           s.peerID,
		ReadTimeout:      s.cfg.ReadTimeout,
		WriteTimeout:     s.cfg.WriteTimeout,
		DialTimeout:      s.cfg.DialTimeout,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		KeepAlive:        s.cfg.KeepAliveInterval,
		OutboxSize:       s.cfg.OutboxBacklog,
		OnBitfield:       s.onBitfield,
		OnHave:           s.onHave,
		OnUnchoke:        s.onUnchoke,
		OnDisconnect:     s.onDisconnect,
		OnRequest:        s.onRequest,
		OnPiece:          s.onPiece,
	})
	if err != nil {
		s.stats.FailedConnection.Add(1)
		return nil, err
	}

	s.mu.Lock()
	s.peers[addr] = p
	s.mu.Unlock()
	s.stats.TotalPeers.Add(1)

	return p, nil
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	s.mu.Lock()
	_, ok := s.peers[addr]
	delete(s.peers, addr)
	s.mu.Unlock()

	if ok {
		s.picker.OnPeerGone(addr)
		s.stats.TotalPeers.Add(^uint32(0))
	}
}

func (s *Swarm) peerDialerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case addr, ok := <-s.peerConnectCh:
			if !ok {
				return nil
			}

			p, err := s.addPeer(ctx, addr)
			if err != nil || p == nil {
				continue
			}

			go func() {
				defer s.removePeer(p.Addr())
				_ = p.Run(ctx)
			}()
		}
	}
}

func (s *Swarm) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var stale []netip.AddrPort

			s.mu.RLock()
			for addr, p := range s.peers {
				if p.Idleness() > s.cfg.PeerInactivityTimeout {
					stale = append(stale, addr)
				}
			}
			s.mu.RUnlock()

			for _, addr := range stale {
				if p, ok := s.peers[addr]; ok {
					p.Close()
				}
			}
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var totUp, totDown, rateUp, rateDown uint64
			var unchoked, interested uint32

			s.mu.RLock()
			for _, p := range s.peers {
				m := p.Stats()
				totUp += m.Uploaded
				totDown += m.Downloaded
				rateUp += m.UploadRate
				rateDown += m.DownloadRate
				if !m.AmChoking {
					unchoked++
				}
				if m.AmInterested {
					interested++
				}
			}
			s.mu.RUnlock()

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(rateUp)
			s.stats.DownloadRate.Store(rateDown)
			s.stats.UnchokedPeers.Store(unchoked)
			s.stats.InterestedPeers.Store(interested)
		}
	}
}

// dispatchLoop periodically asks the Picker for more work for every peer
// that has room in its pipeline and turns the answer into Request
// messages.
func (s *Swarm) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	batch := s.cfg.RequestBatchSize
	if batch <= 0 {
		batch = 5
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.RLock()
			peers := make([]*Peer, 0, len(s.peers))
			for _, p := range s.peers {
				peers = append(peers, p)
			}
			s.mu.RUnlock()

			for _, p := range peers {
				if !p.AmInterested() {
					continue
				}
				view := &piece.PeerView{
					Addr:     p.Addr(),
					Bitfield: p.Bitfield(),
					Unchoked: !p.PeerChoking(),
				}
				for _, req := range s.picker.NextForPeer(view, batch) {
					p.SendRequest(req.Piece, req.Begin, req.Length)
				}
			}
		}
	}
}

// timeoutLoop periodically reclaims block requests that went unanswered.
func (s *Swarm) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.picker.CheckTimeouts(s.cfg.BlockTimeout)
		}
	}
}

// onBitfield handles a peer's bitfield: informs the Picker and, if we're
// interested in anything it has, expresses interest (which in turn, per
// the bare choke policy, makes the peer likely to unchoke us).
func (s *Swarm) onBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.picker.OnPeerBitfield(addr, bf)
	s.maybeExpressInterest(addr, bf)
}

func (s *Swarm) onHave(addr netip.AddrPort, piece int) {
	s.picker.OnPeerHave(addr, piece)

	s.mu.RLock()
	p, ok := s.peers[addr]
	s.mu.RUnlock()
	if ok {
		s.maybeExpressInterest(addr, p.Bitfield())
	}
}

func (s *Swarm) maybeExpressInterest(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.mu.RLock()
	p, ok := s.peers[addr]
	s.mu.RUnlock()
	if !ok {
		return
	}

	for i := 0; i < s.storage.PieceCount(); i++ {
		if bf.Has(i) && !s.storage.HasPiece(i) {
			p.SendInterested()
			return
		}
	}
	p.SendNotInterested()
}

// onUnchoke unchokes the peer back unconditionally: this node's choke
// policy is the bare flag described by the wire protocol, not a
// reciprocation algorithm.
func (s *Swarm) onUnchoke(addr netip.AddrPort) {
	s.mu.RLock()
	p, ok := s.peers[addr]
	s.mu.RUnlock()
	if ok {
		p.SendUnchoke()
	}
}

func (s *Swarm) onDisconnect(addr netip.AddrPort) {
	s.picker.OnPeerGone(addr)
}

// onRequest serves a block back to a requesting peer if we hold and have
// verified that piece. No fairness accounting beyond the choke flag
// itself is performed.
func (s *Swarm) onRequest(pieceIdx int, begin, length int32) ([]byte, bool) {
	if !s.storage.HasPiece(pieceIdx) {
		return nil, false
	}
	block, err := s.storage.ReadBlock(pieceIdx, begin, length)
	if err != nil {
		return nil, false
	}
	return block, true
}

// onPiece commits a received block and, once its piece verifies,
// broadcasts Have to every connected peer.
func (s *Swarm) onPiece(addr netip.AddrPort, pieceIdx int, begin int32, block []byte) {
	if err := s.storage.MarkBlockReceived(pieceIdx, begin, block); err != nil {
		s.logger.Debug("mark block received failed", "piece", pieceIdx, "error", err)
		return
	}

	blockIdx := int(begin / s.storage.BlockLength())
	s.picker.OnBlockReceived(addr, pieceIdx, blockIdx)

	complete, err := s.storage.IsPieceComplete(pieceIdx)
	if err != nil || !complete {
		return
	}

	if err := s.storage.VerifyAndCommit(pieceIdx); err != nil {
		s.logger.Warn("piece failed verification", "piece", pieceIdx, "error", err)
		return
	}

	s.broadcastHave(pieceIdx)
}

func (s *Swarm) broadcastHave(pieceIdx int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.peers {
		p.SendHave(pieceIdx)
	}
}
