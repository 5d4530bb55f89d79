package piece

import (
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/availabilitybucket"
	"github.com/prxssh/rabbit/internal/bitfield"
)

// Request describes one block to send in a peer-wire `request` message.
type Request struct {
	Piece  int
	Begin  int32
	Length int32
}

// PeerView is the subset of a peer connection's state the Picker needs to
// decide what to request from it next.
type PeerView struct {
	Addr     netip.AddrPort
	Bitfield bitfield.Bitfield
	Unchoked bool
}

// Picker implements the swarm's download scheduling policy: rarest-first
// piece selection with a randomized tie-break among equally rare pieces,
// falling back to duplicate end-game requests once few blocks remain.
//
// Picker holds no piece bytes and no block-verification logic itself; it
// treats a Storage as the single source of truth for what has and hasn't
// been received, and layers request/assignment bookkeeping on top so the
// same block is not handed to the same peer twice.
type Picker struct {
	storage *Storage
	avail   *availabilitybucket.RarityIndex

	maxInflightPerPeer int
	endgameThreshold   int

	mu              sync.Mutex
	endgame         bool
	remainingBlocks int

	peerMu               sync.RWMutex
	peerBitfields        map[netip.AddrPort]bitfield.Bitfield
	peerInflightCount    map[netip.AddrPort]int
	peerBlockAssignments map[netip.AddrPort]map[blockKey]time.Time
}

type blockKey struct {
	piece, block int
}

// NewPicker builds a Picker over storage. maxPeers bounds the availability
// bucket's range, maxInflightPerPeer caps outstanding requests to any one
// peer, and endgameThreshold is the remaining-block count below which
// duplicate end-game requests are allowed.
func NewPicker(storage *Storage, maxPeers, maxInflightPerPeer, endgameThreshold int) *Picker {
	n := storage.PieceCount()

	total := 0
	for i := 0; i < n; i++ {
		nb, _ := storage.NumBlocks(i)
		total += nb
	}

	return &Picker{
		storage:              storage,
		avail:                availabilitybucket.NewRarityIndex(n, maxPeers),
		maxInflightPerPeer:   maxInflightPerPeer,
		endgameThreshold:     endgameThreshold,
		remainingBlocks:      total,
		peerBitfields:        make(map[netip.AddrPort]bitfield.Bitfield),
		peerInflightCount:    make(map[netip.AddrPort]int),
		peerBlockAssignments: make(map[netip.AddrPort]map[blockKey]time.Time),
	}
}

// OnPeerBitfield registers the full set of pieces a peer advertises right
// after handshake, via a `bitfield` message.
func (pk *Picker) OnPeerBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	pk.peerMu.Lock()
	pk.peerBitfields[peer] = bf
	pk.peerMu.Unlock()

	n := pk.storage.PieceCount()
	for i := 0; i < n; i++ {
		if bf.Has(i) && !pk.storage.HasPiece(i) {
			pk.avail.AdjustAvailability(i, 1)
		}
	}
}

// OnPeerHave registers a single new piece announced via `have`.
func (pk *Picker) OnPeerHave(peer netip.AddrPort, piece int) {
	if piece < 0 || piece >= pk.storage.PieceCount() {
		return
	}

	pk.peerMu.Lock()
	defer pk.peerMu.Unlock()

	bf, ok := pk.peerBitfields[peer]
	if !ok {
		bf = bitfield.New(pk.storage.PieceCount())
	}
	if bf.Has(piece) {
		return
	}
	bf.Set(piece)
	pk.peerBitfields[peer] = bf

	if !pk.storage.HasPiece(piece) {
		pk.avail.AdjustAvailability(piece, 1)
	}
}

// OnPeerGone releases everything Picker was tracking for peer: its
// advertised bitfield (removed from availability accounting) and any
// blocks it had outstanding (returned to the want pool).
func (pk *Picker) OnPeerGone(peer netip.AddrPort) {
	pk.peerMu.Lock()
	bf, hadBF := pk.peerBitfields[peer]
	assignments := pk.peerBlockAssignments[peer]
	delete(pk.peerBitfields, peer)
	delete(pk.peerBlockAssignments, peer)
	delete(pk.peerInflightCount, peer)
	pk.peerMu.Unlock()

	for key := range assignments {
		_ = pk.storage.ResetBlock(key.piece, key.block)
		pk.mu.Lock()
		pk.remainingBlocks++
		pk.mu.Unlock()
	}

	if hadBF {
		n := pk.storage.PieceCount()
		for i := 0; i < n; i++ {
			if bf.Has(i) && !pk.storage.HasPiece(i) {
				pk.avail.AdjustAvailability(i, -1)
			}
		}
	}
}

// CheckTimeouts scans outstanding requests and returns those that have
// been in flight longer than timeout so the caller can re-request them.
// Timed-out blocks are returned to the want pool.
func (pk *Picker) CheckTimeouts(timeout time.Duration) []Request {
	now := time.Now()
	var timedOut []Request

	pk.peerMu.Lock()
	for peer, assignments := range pk.peerBlockAssignments {
		for key, requestedAt := range assignments {
			if now.Sub(requestedAt) <= timeout {
				continue
			}
			begin, length, err := pk.storage.BlockBounds(key.piece, key.block)
			if err != nil {
				continue
			}
			timedOut = append(timedOut, Request{Piece: key.piece, Begin: begin, Length: length})

			delete(assignments, key)
			if pk.peerInflightCount[peer] > 0 {
				pk.peerInflightCount[peer]--
			}
			_ = pk.storage.ResetBlock(key.piece, key.block)
		}
		if len(assignments) == 0 {
			delete(pk.peerBlockAssignments, peer)
		}
	}
	pk.peerMu.Unlock()

	return timedOut
}

// OnBlockReceived clears a block's in-flight assignment once its data
// arrives. It does not itself write the bytes into Storage; callers still
// call Storage.MarkBlockReceived separately.
func (pk *Picker) OnBlockReceived(peer netip.AddrPort, piece, block int) {
	key := blockKey{piece, block}

	pk.peerMu.Lock()
	if assignments, ok := pk.peerBlockAssignments[peer]; ok {
		if _, had := assignments[key]; had {
			delete(assignments, key)
			if pk.peerInflightCount[peer] > 0 {
				pk.peerInflightCount[peer]--
			}
		}
		if len(assignments) == 0 {
			delete(pk.peerBlockAssignments, peer)
		}
	}
	pk.peerMu.Unlock()

	pk.mu.Lock()
	if pk.remainingBlocks > 0 {
		pk.remainingBlocks--
	}
	if pk.remainingBlocks <= pk.endgameThreshold {
		pk.endgame = true
	}
	pk.mu.Unlock()
}

func (pk *Picker) isBlockAssignedToPeer(peer netip.AddrPort, piece, block int) bool {
	pk.peerMu.RLock()
	defer pk.peerMu.RUnlock()

	assignments, ok := pk.peerBlockAssignments[peer]
	if !ok {
		return false
	}
	_, assigned := assignments[blockKey{piece, block}]
	return assigned
}

func (pk *Picker) assignBlockToPeer(peer netip.AddrPort, piece, block int) {
	pk.peerMu.Lock()
	defer pk.peerMu.Unlock()

	if pk.peerBlockAssignments[peer] == nil {
		pk.peerBlockAssignments[peer] = make(map[blockKey]time.Time)
	}
	pk.peerBlockAssignments[peer][blockKey{piece, block}] = time.Now()
	pk.peerInflightCount[peer]++
}

func (pk *Picker) peerCapacity(peer netip.AddrPort) int {
	pk.peerMu.RLock()
	used := pk.peerInflightCount[peer]
	pk.peerMu.RUnlock()

	return max(0, pk.maxInflightPerPeer-used)
}

// findAvailableBlock returns the first block of piece still absent that
// peer does not already have outstanding, if any.
func (pk *Picker) findAvailableBlock(piece int, peer netip.AddrPort) (int, bool) {
	nb, err := pk.storage.NumBlocks(piece)
	if err != nil {
		return 0, false
	}
	for b := 0; b < nb; b++ {
		absent, _, _, err := pk.storage.BlockStatus(piece, b)
		if err != nil || !absent {
			continue
		}
		if pk.isBlockAssignedToPeer(peer, piece, b) {
			continue
		}
		return b, true
	}
	return -1, false
}

func (pk *Picker) createRequest(peer netip.AddrPort, piece, block int) (Request, bool) {
	begin, length, err := pk.storage.BlockBounds(piece, block)
	if err != nil {
		return Request{}, false
	}
	if err := pk.storage.MarkBlockRequested(piece, block); err != nil {
		return Request{}, false
	}
	pk.assignBlockToPeer(peer, piece, block)
	return Request{Piece: piece, Begin: begin, Length: length}, true
}
