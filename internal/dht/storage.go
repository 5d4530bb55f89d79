package dht

import (
	"crypto/sha1"
	"encoding/binary"
	"net"
	"sync"
	"time"
)

const (
	MaxPeersPerInfoHash = 2000
	MaxInfoHashes       = 10000

	// PeerExpiration bounds the optional hardening sweep below: entries
	// are otherwise durable for the process lifetime, announce_peer
	// being the only thing that ever adds to the store.
	PeerExpiration = 2 * time.Hour
)

// Storage is a Node's local peer store: info_hash -> announced (ip, port)
// endpoints, grown only by announce_peer. The core never shrinks it; the
// background sweep below is an optional capacity-bounding layer on top,
// not part of the announce/lookup contract.
type Storage struct {
	swarms map[[sha1.Size]byte]*swarm
	mu     sync.RWMutex
}

// swarm is the set of peers announced for one info_hash.
type swarm struct {
	peers      map[string]*announcedPeer
	lastTouched time.Time
}

type announcedPeer struct {
	info     [6]byte // compact peer info: 4-byte IPv4 + 2-byte port
	lastSeen time.Time
}

func NewStorage() *Storage {
	s := &Storage{
		swarms: make(map[[sha1.Size]byte]*swarm),
	}

	go s.expirySweepLoop()

	return s
}

// StorePeer idempotently records peerInfo as an announced endpoint for
// infoHash. Re-announcing an existing (ip, port) only refreshes its
// lastSeen.
func (s *Storage) StorePeer(infoHash [sha1.Size]byte, peerInfo [6]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, exists := s.swarms[infoHash]
	if !exists {
		if len(s.swarms) >= MaxInfoHashes {
			s.evictStalestSwarm()
		}

		sw = &swarm{
			peers:       make(map[string]*announcedPeer),
			lastTouched: time.Now(),
		}
		s.swarms[infoHash] = sw
	}

	sw.lastTouched = time.Now()

	key := string(peerInfo[:])
	if _, alreadyIn := sw.peers[key]; !alreadyIn && len(sw.peers) >= MaxPeersPerInfoHash {
		return
	}

	sw.peers[key] = &announcedPeer{info: peerInfo, lastSeen: time.Now()}
}

// GetPeers returns every endpoint currently announced for infoHash.
func (s *Storage) GetPeers(infoHash [sha1.Size]byte) [][6]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sw, exists := s.swarms[infoHash]
	if !exists {
		return nil
	}

	sw.lastTouched = time.Now()

	peers := make([][6]byte, 0, len(sw.peers))
	for _, entry := range sw.peers {
		peers = append(peers, entry.info)
	}

	return peers
}

func (s *Storage) expirySweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.sweepExpired()
	}
}

func (s *Storage) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	for infoHash, sw := range s.swarms {
		for key, entry := range sw.peers {
			if now.Sub(entry.lastSeen) > PeerExpiration {
				delete(sw.peers, key)
			}
		}

		if len(sw.peers) == 0 {
			delete(s.swarms, infoHash)
		}
	}
}

// evictStalestSwarm drops the least-recently-touched info_hash's swarm
// once the store is at capacity, making room for a new announce_peer
// without growing without bound.
func (s *Storage) evictStalestSwarm() {
	var stalestHash [sha1.Size]byte
	var stalestTime time.Time
	first := true

	for hash, sw := range s.swarms {
		if first || sw.lastTouched.Before(stalestTime) {
			stalestHash = hash
			stalestTime = sw.lastTouched
			first = false
		}
	}

	delete(s.swarms, stalestHash)
}

func EncodePeerInfo(ip net.IP, port uint16) [6]byte {
	var info [6]byte
	ip4 := ip.To4()
	if ip4 == nil {
		return info
	}

	copy(info[:4], ip4)
	binary.BigEndian.PutUint16(info[4:6], port)
	return info
}

func DecodePeerInfo(info [6]byte) (net.IP, uint16) {
	ip := net.IPv4(info[0], info[1], info[2], info[3])
	port := binary.BigEndian.Uint16(info[4:6])
	return ip, port
}
