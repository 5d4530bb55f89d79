// Package node implements the process-wide owner of one node's identity,
// its DHT participation, and the set of torrents it is currently serving.
// Exactly one Node exists per process; it owns the routing table and every
// active swarm directly rather than handing a back-reference to either, so
// neither ever needs to reach up through the other to get work done.
package node

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/dht"
)

// Node owns node_id, the DHT routing table and RPC transport, and every
// torrent's peer-wire swarm.
type Node struct {
	cfg    config.Config
	logger *slog.Logger
	peerID [sha1.Size]byte

	dht *dht.DHT

	mu       sync.RWMutex
	torrents map[[sha1.Size]byte]*Torrent
}

// New builds a Node from cfg, binding its DHT datagram listener at
// listenAddr (e.g. ":6881"). The DHT is constructed but not yet started;
// call Start to begin bootstrapping.
func New(cfg config.Config, listenAddr string, logger *slog.Logger) (*Node, error) {
	peerID, err := cfg.GeneratePeerID()
	if err != nil {
		return nil, fmt.Errorf("node: generate peer id: %w", err)
	}

	bootstrap := make([]string, 0, len(cfg.BootstrapNodes))
	for _, addr := range cfg.BootstrapNodes {
		bootstrap = append(bootstrap, addr.String())
	}

	d, err := dht.NewDHT(&dht.Config{
		Logger:         logger,
		LocalID:        cfg.NodeID,
		ListenAddr:     listenAddr,
		BootstrapNodes: bootstrap,
	})
	if err != nil {
		return nil, fmt.Errorf("node: create dht: %w", err)
	}

	return &Node{
		cfg:      cfg,
		logger:   logger,
		peerID:   peerID,
		dht:      d,
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

// Start begins DHT bootstrapping and maintenance. Torrents added
// afterward ride on the same routing table and RPC transport.
func (n *Node) Start() error {
	return n.dht.Start()
}

// Stop cancels every active torrent and shuts the DHT down.
func (n *Node) Stop() {
	n.mu.Lock()
	torrents := make([]*Torrent, 0, len(n.torrents))
	for _, t := range n.torrents {
		torrents = append(torrents, t)
	}
	n.torrents = make(map[[sha1.Size]byte]*Torrent)
	n.mu.Unlock()

	for _, t := range torrents {
		t.Stop()
	}
	n.dht.Stop()
}

// AddTorrent parses manifest data, builds its storage/picker/swarm, and
// starts it running in the background, fed with peer candidates
// discovered through this Node's DHT. peerPort is what this node
// advertises to other nodes via announce_peer for this torrent.
func (n *Node) AddTorrent(ctx context.Context, data []byte, peerPort int) (*Torrent, error) {
	t, err := newTorrent(n, data, peerPort)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.torrents[t.metainfo.InfoHash] = t
	n.mu.Unlock()

	go t.run(ctx)
	return t, nil
}

// RemoveTorrent stops and forgets the torrent for infoHash, if one is
// active.
func (n *Node) RemoveTorrent(infoHash [sha1.Size]byte) {
	n.mu.Lock()
	t, ok := n.torrents[infoHash]
	delete(n.torrents, infoHash)
	n.mu.Unlock()

	if ok {
		t.Stop()
	}
}

// Torrent looks up an active torrent by info hash.
func (n *Node) Torrent(infoHash [sha1.Size]byte) (*Torrent, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.torrents[infoHash]
	return t, ok
}

// Torrents returns every currently active torrent.
func (n *Node) Torrents() []*Torrent {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*Torrent, 0, len(n.torrents))
	for _, t := range n.torrents {
		out = append(out, t)
	}
	return out
}

// PeerID returns this node's 20-byte BitTorrent peer id.
func (n *Node) PeerID() [sha1.Size]byte {
	return n.peerID
}

// DHTStats reports this node's routing table composition.
func (n *Node) DHTStats() dht.RoutingTableStats {
	return n.dht.Stats()
}
