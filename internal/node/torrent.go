package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/piece"
	"golang.org/x/sync/errgroup"
)

// dhtAnnounceInterval is how often a torrent re-queries the DHT for peers
// and re-announces itself, once bootstrapped.
const dhtAnnounceInterval = 15 * time.Minute

// Torrent drives one manifest's download: its piece storage and scheduler
// and its peer-wire swarm, fed with candidate addresses discovered through
// the owning Node's DHT.
type Torrent struct {
	node     *Node
	metainfo *meta.Metainfo
	logger   *slog.Logger
	peerPort int

	storage *piece.Storage
	picker  *piece.Picker
	swarm   *peer.Swarm

	cancel context.CancelFunc
}

func newTorrent(n *Node, data []byte, peerPort int) (*Torrent, error) {
	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, fmt.Errorf("node: parse metainfo: %w", err)
	}

	logger := n.logger.With("torrent", metainfo.Info.Name)

	storage := piece.NewStorage(
		metainfo.Info.Pieces,
		metainfo.Info.PieceLength,
		metainfo.Size(),
		n.cfg.BlockLength,
		logger,
	)

	picker := piece.NewPicker(
		storage,
		n.cfg.MaxPeers,
		n.cfg.MaxInflightRequestsPerPeer,
		n.cfg.EndgameThreshold,
	)

	swarm := peer.NewSwarm(peer.SwarmOpts{
		Config: peer.Config{
			MaxPeers:              n.cfg.MaxPeers,
			OutboxBacklog:         n.cfg.PeerOutboundQueueBacklog,
			ReadTimeout:           n.cfg.ReadTimeout,
			WriteTimeout:          n.cfg.WriteTimeout,
			DialTimeout:           n.cfg.DialTimeout,
			HandshakeTimeout:      n.cfg.HandshakeTimeout,
			KeepAliveInterval:     n.cfg.KeepAliveInterval,
			PeerInactivityTimeout: n.cfg.PeerInactivityTimeout,
			MaxInflightPerPeer:    n.cfg.MaxInflightRequestsPerPeer,
			RequestBatchSize:      n.cfg.MaxInflightRequestsPerPeer,
			BlockTimeout:          n.cfg.BlockTimeout,
		},
		Logger:   logger,
		InfoHash: metainfo.InfoHash,
		PeerID:   n.peerID,
		Storage:  storage,
		Picker:   picker,
	})

	return &Torrent{
		node:     n,
		metainfo: metainfo,
		logger:   logger,
		peerPort: peerPort,
		storage:  storage,
		picker:   picker,
		swarm:    swarm,
	}, nil
}

func (t *Torrent) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.swarm.Run(gctx) })
	g.Go(func() error { return t.dhtDiscoveryLoop(gctx) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		t.logger.Error("torrent stopped", "error", err)
	}
}

// Stop cancels the torrent's background work. The torrent is not usable
// again afterward.
func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Metainfo returns the parsed manifest this torrent is downloading.
func (t *Torrent) Metainfo() *meta.Metainfo { return t.metainfo }

// Progress returns the fraction of pieces verified so far, in [0, 1].
func (t *Torrent) Progress() float64 {
	n := t.storage.PieceCount()
	if n == 0 {
		return 0
	}

	done := 0
	for i := 0; i < n; i++ {
		if t.storage.HasPiece(i) {
			done++
		}
	}
	return float64(done) / float64(n)
}

// Metrics returns swarm-wide counters for this torrent.
func (t *Torrent) Metrics() peer.Metrics { return t.swarm.Metrics() }

func (t *Torrent) dhtDiscoveryLoop(ctx context.Context) error {
	t.queryAndAnnounce()

	ticker := time.NewTicker(dhtAnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.queryAndAnnounce()
		}
	}
}

func (t *Torrent) queryAndAnnounce() {
	peers, err := t.node.dht.GetPeers(t.metainfo.InfoHash)
	if err != nil {
		t.logger.Debug("dht peer lookup failed", "error", err)
	} else if len(peers) > 0 {
		t.swarm.AdmitPeers(toAddrPorts(peers))
	}

	if err := t.node.dht.AnnouncePeer(t.metainfo.InfoHash, t.peerPort); err != nil {
		t.logger.Debug("dht announce failed", "error", err)
	}
}

func toAddrPorts(addrs []net.Addr) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		udp, ok := a.(*net.UDPAddr)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(udp.IP)
		if !ok {
			continue
		}
		out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(udp.Port)))
	}
	return out
}
