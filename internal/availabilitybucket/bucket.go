// Package availabilitybucket implements the rarity index rarest-first piece
// selection is built on: for every piece it tracks how many connected peers
// have announced that piece (via a bitfield or have message), and answers
// "which pieces are rarest right now" in O(1) without a full scan.
package availabilitybucket

import (
	"math/bits"
	"math/rand"
	"sync"
)

// RarityIndex buckets pieces by how many peers currently have them.
//
// It supports O(1) availability updates (a peer connects, disconnects, or
// announces a new piece) and O(1) selection of the rarest non-empty bucket,
// which is the core operation rarest-first piece selection needs on every
// request decision.
type RarityIndex struct {
	rng *rand.Rand
	mut sync.RWMutex

	// buckets[a] holds a dense slice of piece indices whose availability
	// equals a. For example, buckets[3] contains every piece that exactly
	// 3 connected peers have.
	//
	// Buckets are always densely packed: when a piece moves, it is removed
	// via swap-with-last, keeping deletion O(1).
	buckets [][]int

	// avail[piece] is the current number of peers known to have piece.
	// Values range from 0..maxAvail inclusive.
	avail []uint16

	// pos[piece] is piece's index inside buckets[avail[piece]].
	pos []int

	// maxAvail is the upper bound on a piece's availability count, set by
	// the caller to the maximum number of peers it will ever track at once.
	maxAvail int

	// nonEmptyBits is a bitmap of which buckets hold at least one piece.
	// Bit k of word w corresponds to bucket index w*64 + k.
	nonEmptyBits []uint64
}

// NewRarityIndex builds a RarityIndex for numPieces pieces, all starting at
// availability 0. maxAvail bounds how high a single piece's availability can
// climb before further increments are clamped — callers should size this to
// the most peers they expect to track concurrently.
func NewRarityIndex(numPieces, maxAvail int) *RarityIndex {
	rng := rand.New(rand.NewSource(rand.Int63()))

	idx := &RarityIndex{
		rng:          rng,
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]uint16, numPieces),
		pos:          make([]int, numPieces),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	capacity := max(1, numPieces/(maxAvail+1))
	for a := range idx.buckets {
		idx.buckets[a] = make([]int, 0, capacity)
	}

	idx.buckets[0] = make([]int, numPieces)
	for i := 0; i < numPieces; i++ {
		idx.buckets[0][i] = i
		idx.pos[i] = i
		idx.avail[i] = 0
	}
	if numPieces > 0 {
		idx.setBit(0)
	}

	return idx
}

// MaxAvailability returns the upper bound a piece's availability can reach.
func (idx *RarityIndex) MaxAvailability() int {
	return idx.maxAvail
}

// Availability returns how many peers are currently known to have piece.
func (idx *RarityIndex) Availability(piece int) int {
	idx.mut.RLock()
	defer idx.mut.RUnlock()

	return int(idx.avail[piece])
}

// RarestAvailability returns the smallest availability count a with at
// least one piece still at that rarity, which is where rarest-first
// selection should look first.
func (idx *RarityIndex) RarestAvailability() (a int, ok bool) {
	idx.mut.RLock()
	defer idx.mut.RUnlock()

	for w := 0; w < len(idx.nonEmptyBits); w++ {
		if x := idx.nonEmptyBits[w]; x != 0 {
			off := bits.TrailingZeros64(x)
			return w<<6 + off, true
		}
	}

	return 0, false
}

// PiecesAtAvailability returns a copy of every piece currently at
// availability a, in an unspecified (randomized-on-insert) order, or nil if
// a is out of range.
func (idx *RarityIndex) PiecesAtAvailability(a int) []int {
	idx.mut.RLock()
	defer idx.mut.RUnlock()

	if a < 0 || a > idx.maxAvail {
		return nil
	}

	return append([]int(nil), idx.buckets[a]...)
}

// Rarest returns the pieces at the lowest non-empty availability level, the
// candidate pool rarest-first selection picks a request from. ok is false
// if every piece's availability bucket is empty (nothing tracked yet).
func (idx *RarityIndex) Rarest() (pieces []int, ok bool) {
	a, ok := idx.RarestAvailability()
	if !ok {
		return nil, false
	}
	return idx.PiecesAtAvailability(a), true
}

// AdjustAvailability moves piece's availability by delta (+1 when a peer
// announces it, -1 when that peer disappears), clamped to [0, maxAvail].
func (idx *RarityIndex) AdjustAvailability(piece, delta int) {
	idx.mut.Lock()
	defer idx.mut.Unlock()

	oldA := int(idx.avail[piece])
	newA := min(idx.maxAvail, max(0, oldA+delta))

	if newA == oldA {
		return
	}

	idx.removeFrom(piece, oldA)
	idx.addTo(piece, newA)
	idx.avail[piece] = uint16(newA)
}

// removeFrom removes piece from buckets[avail].
func (idx *RarityIndex) removeFrom(piece, avail int) {
	pos := idx.pos[piece]
	bucket := idx.buckets[avail]
	lastIdx := len(bucket) - 1

	bucket[pos] = bucket[lastIdx]
	idx.pos[bucket[pos]] = pos
	bucket = bucket[:lastIdx]
	idx.buckets[avail] = bucket

	if len(bucket) == 0 {
		idx.clearBit(avail)
	}
}

// addTo inserts piece into buckets[avail], randomizing its position so
// repeated rarest-first picks at the same availability don't always favor
// the same piece.
func (idx *RarityIndex) addTo(piece, avail int) {
	bucket := idx.buckets[avail]
	bucket = append(bucket, piece)
	i := len(bucket) - 1

	if i > 0 {
		j := idx.rng.Intn(i + 1)
		bucket[i], bucket[j] = bucket[j], bucket[i]
		idx.pos[bucket[i]] = i
		idx.pos[bucket[j]] = j
	} else {
		idx.pos[piece] = 0
	}

	idx.buckets[avail] = bucket
	idx.setBit(avail)
}

func (idx *RarityIndex) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	idx.nonEmptyBits[w] |= 1 << bit
}

func (idx *RarityIndex) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	idx.nonEmptyBits[w] &^= 1 << bit
}
