package piece

import "net/netip"

// NextForPeer returns up to n requests to issue to peer, choosing pieces
// rarest-first (ties broken randomly by the availability bucket's
// insertion order) and falling back to duplicate end-game requests once
// few blocks remain swarm-wide.
func (pk *Picker) NextForPeer(peer *PeerView, n int) []Request {
	if peer == nil || !peer.Unchoked || n <= 0 {
		return nil
	}

	capacity := pk.peerCapacity(peer.Addr)
	if capacity == 0 {
		return nil
	}
	n = min(n, capacity)

	pk.mu.Lock()
	endgame := pk.endgame
	pk.mu.Unlock()

	if endgame {
		return pk.selectEndgameBlocks(peer, n)
	}
	return pk.selectRarestFirst(peer.Addr, peer.Bitfield, n)
}

func (pk *Picker) selectRarestFirst(peer netip.AddrPort, peerBF peerBitfield, n int) []Request {
	rarest, ok := pk.avail.RarestAvailability()
	if !ok {
		return nil
	}

	reqs := make([]Request, 0, n)
	for a := rarest; a <= pk.avail.MaxAvailability() && len(reqs) < n; a++ {
		bucket := pk.avail.PiecesAtAvailability(a)
		for _, piece := range bucket {
			if len(reqs) >= n {
				break
			}
			if pk.storage.HasPiece(piece) || !peerBF.Has(piece) {
				continue
			}
			for len(reqs) < n {
				block, ok := pk.findAvailableBlock(piece, peer)
				if !ok {
					break
				}
				req, ok := pk.createRequest(peer, piece, block)
				if !ok {
					break
				}
				reqs = append(reqs, req)
			}
		}
	}
	return reqs
}

// selectEndgameBlocks allows a handful of already-requested blocks (not
// currently assigned to peer) to be requested a second time from peer, so
// the last few blocks of a download are not held hostage by one slow
// source. It never duplicates onto the same peer twice.
func (pk *Picker) selectEndgameBlocks(peer *PeerView, n int) []Request {
	if n <= 0 {
		return nil
	}

	reqs := make([]Request, 0, n)
	count := pk.storage.PieceCount()

	for i := 0; i < count && len(reqs) < n; i++ {
		if pk.storage.HasPiece(i) || !peer.Bitfield.Has(i) {
			continue
		}
		nb, err := pk.storage.NumBlocks(i)
		if err != nil {
			continue
		}
		for b := 0; b < nb && len(reqs) < n; b++ {
			absent, requested, received, err := pk.storage.BlockStatus(i, b)
			if err != nil || absent || received {
				continue
			}
			if !requested || pk.isBlockAssignedToPeer(peer.Addr, i, b) {
				continue
			}
			pk.assignBlockToPeer(peer.Addr, i, b)
			begin, length, err := pk.storage.BlockBounds(i, b)
			if err != nil {
				continue
			}
			reqs = append(reqs, Request{Piece: i, Begin: begin, Length: length})
		}
	}

	return reqs
}

// peerBitfield is the minimal interface strategy code needs from a peer's
// advertised bitfield; satisfied by bitfield.Bitfield.
type peerBitfield interface {
	Has(index int) bool
}
