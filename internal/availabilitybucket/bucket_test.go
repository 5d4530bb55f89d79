package availabilitybucket

import (
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

// checkInvariants verifies that the internal state of idx is consistent.
func checkInvariants(t *testing.T, idx *RarityIndex, n int) {
	t.Helper()

	idx.mut.RLock()
	defer idx.mut.RUnlock()

	totalPieces := 0
	// seen is used to detect duplicates or missing pieces.
	seen := make(map[int]bool, n)

	for a, bucket := range idx.buckets {
		totalPieces += len(bucket)

		w, bit := a>>6, uint(a&63)
		isSet := (idx.nonEmptyBits[w] & (1 << bit)) != 0
		isEmpty := len(bucket) == 0

		if isSet && isEmpty {
			t.Errorf("invariant violation: bit %d is set, but bucket %d is empty", a, a)
		}
		if !isSet && !isEmpty {
			t.Errorf(
				"invariant violation: bit %d is clear, but bucket %d has %d pieces",
				a,
				a,
				len(bucket),
			)
		}

		for posInBucket, p := range bucket {
			if p < 0 || p >= n {
				t.Errorf(
					"invariant violation: piece %d in bucket %d is out of bounds [0, %d)",
					p,
					a,
					n,
				)
				continue
			}

			if seen[p] {
				t.Errorf(
					"invariant violation: piece %d found in multiple buckets or positions",
					p,
				)
			}
			seen[p] = true

			if int(idx.avail[p]) != a {
				t.Errorf(
					"invariant violation: piece %d in bucket %d, but idx.avail[%d] = %d",
					p,
					a,
					p,
					idx.avail[p],
				)
			}
			if idx.pos[p] != posInBucket {
				t.Errorf(
					"invariant violation: piece %d in bucket %d at pos %d, but idx.pos[%d] = %d",
					p,
					a,
					posInBucket,
					p,
					idx.pos[p],
				)
			}
		}
	}

	if totalPieces != n {
		t.Errorf(
			"invariant violation: total piece count mismatch. Expected %d, found %d",
			n,
			totalPieces,
		)
	}

	if n > 0 && len(seen) != n {
		t.Errorf(
			"invariant violation: piece count mismatch. Expected %d unique pieces, found %d",
			n,
			len(seen),
		)
	}
}

func TestNewRarityIndex(t *testing.T) {
	n, maxAvail := 100, 10
	idx := NewRarityIndex(n, maxAvail)

	if idx.maxAvail != maxAvail {
		t.Fatalf("expected maxAvail %d, got %d", maxAvail, idx.maxAvail)
	}
	if len(idx.buckets) != maxAvail+1 {
		t.Fatalf("expected %d buckets, got %d", maxAvail+1, len(idx.buckets))
	}
	if len(idx.avail) != n {
		t.Fatalf("expected avail size %d, got %d", n, len(idx.avail))
	}
	if len(idx.pos) != n {
		t.Fatalf("expected pos size %d, got %d", n, len(idx.pos))
	}
	if len(idx.buckets[0]) != n {
		t.Fatalf("expected bucket[0] size %d, got %d", n, len(idx.buckets[0]))
	}

	for i := 0; i < n; i++ {
		if idx.Availability(i) != 0 {
			t.Errorf("expected avail[%d] = 0, got %d", i, idx.avail[i])
		}
		if idx.pos[i] != i {
			t.Errorf("expected pos[%d] = %d, got %d", i, i, idx.pos[i])
		}
		if idx.buckets[0][i] != i {
			t.Errorf("expected buckets[0][%d] = %d, got %d", i, i, idx.buckets[0][i])
		}
	}

	if idx.nonEmptyBits[0] != 1 {
		t.Errorf("expected nonEmptyBits[0] = 1, got %d", idx.nonEmptyBits[0])
	}

	a, ok := idx.RarestAvailability()
	if !ok || a != 0 {
		t.Errorf("expected RarestAvailability = (0, true), got (%d, %v)", a, ok)
	}

	checkInvariants(t, idx, n)
}

func TestNewRarityIndexEmpty(t *testing.T) {
	n, maxAvail := 0, 5
	idx := NewRarityIndex(n, maxAvail)

	if len(idx.avail) != 0 {
		t.Fatalf("expected avail size 0, got %d", len(idx.avail))
	}
	if len(idx.buckets[0]) != 0 {
		t.Fatalf("expected bucket[0] size 0, got %d", len(idx.buckets[0]))
	}

	a, ok := idx.RarestAvailability()
	if ok {
		t.Errorf("expected RarestAvailability = (0, false) for n=0, got (%d, %v)", a, ok)
	}

	checkInvariants(t, idx, n)
}

func TestAdjustAvailabilityBasic(t *testing.T) {
	n, maxAvail := 10, 5
	idx := NewRarityIndex(n, maxAvail)
	piece := 4

	idx.AdjustAvailability(piece, 1)
	if idx.Availability(piece) != 1 {
		t.Fatalf("expected avail=1, got %d", idx.Availability(piece))
	}
	if len(idx.buckets[0]) != n-1 {
		t.Fatalf("expected bucket[0] size %d, got %d", n-1, len(idx.buckets[0]))
	}
	if len(idx.buckets[1]) != 1 {
		t.Fatalf("expected bucket[1] size 1, got %d", len(idx.buckets[1]))
	}
	checkInvariants(t, idx, n)

	idx.AdjustAvailability(piece, 1)
	if idx.Availability(piece) != 2 {
		t.Fatalf("expected avail=2, got %d", idx.Availability(piece))
	}
	if len(idx.buckets[1]) != 0 {
		t.Fatalf("expected bucket[1] size 0, got %d", len(idx.buckets[1]))
	}
	if len(idx.buckets[2]) != 1 {
		t.Fatalf("expected bucket[2] size 1, got %d", len(idx.buckets[2]))
	}
	checkInvariants(t, idx, n)

	idx.AdjustAvailability(piece, -1)
	if idx.Availability(piece) != 1 {
		t.Fatalf("expected avail=1, got %d", idx.Availability(piece))
	}
	if len(idx.buckets[1]) != 1 {
		t.Fatalf("expected bucket[1] size 1, got %d", len(idx.buckets[1]))
	}
	if len(idx.buckets[2]) != 0 {
		t.Fatalf("expected bucket[2] size 0, got %d", len(idx.buckets[2]))
	}
	checkInvariants(t, idx, n)
}

func TestAdjustAvailabilityBoundaries(t *testing.T) {
	n, maxAvail := 2, 3
	idx := NewRarityIndex(n, maxAvail)
	piece := 0

	idx.AdjustAvailability(piece, -1)
	if idx.Availability(piece) != 0 {
		t.Fatalf("expected avail=0 after moving below 0, got %d", idx.Availability(piece))
	}
	if len(idx.buckets[0]) != n {
		t.Fatalf("expected bucket[0] size %d, got %d", n, len(idx.buckets[0]))
	}
	checkInvariants(t, idx, n)

	for i := 0; i <= maxAvail; i++ {
		idx.AdjustAvailability(piece, 1)
	}

	if idx.Availability(piece) != maxAvail {
		t.Fatalf("expected avail=%d, got %d", maxAvail, idx.Availability(piece))
	}
	if len(idx.buckets[maxAvail]) != 1 {
		t.Fatalf("expected bucket[maxAvail] size 1, got %d", len(idx.buckets[maxAvail]))
	}
	checkInvariants(t, idx, n)

	idx.AdjustAvailability(piece, 1)
	if idx.Availability(piece) != maxAvail {
		t.Fatalf(
			"expected avail=%d after moving above max, got %d",
			maxAvail,
			idx.Availability(piece),
		)
	}
	if len(idx.buckets[maxAvail]) != 1 {
		t.Fatalf("expected bucket[maxAvail] size 1, got %d", len(idx.buckets[maxAvail]))
	}
	checkInvariants(t, idx, n)

	for i := 0; i <= maxAvail; i++ {
		idx.AdjustAvailability(piece, -1)
	}

	if idx.Availability(piece) != 0 {
		t.Fatalf("expected avail=0, got %d", idx.Availability(piece))
	}
	if len(idx.buckets[0]) != n {
		t.Fatalf("expected bucket[0] size %d, got %d", n, len(idx.buckets[0]))
	}
	checkInvariants(t, idx, n)
}

func TestRarestAvailabilityTracksLowestBucket(t *testing.T) {
	n, maxAvail := 2, 3
	idx := NewRarityIndex(n, maxAvail)

	checkRarest := func(wantA int, wantOK bool) {
		t.Helper()
		gotA, gotOK := idx.RarestAvailability()
		if gotA != wantA || gotOK != wantOK {
			t.Fatalf(
				"RarestAvailability: want (%d, %v), got (%d, %v)",
				wantA,
				wantOK,
				gotA,
				gotOK,
			)
		}
	}

	checkRarest(0, true) // Initially [0, 1] in bucket 0

	idx.AdjustAvailability(0, 1) // [1] in bucket 0, [0] in bucket 1
	checkRarest(0, true)

	idx.AdjustAvailability(1, 1) // [] in bucket 0, [0, 1] in bucket 1
	checkRarest(1, true)

	idx.AdjustAvailability(0, 1) // [1] in bucket 1, [0] in bucket 2
	checkRarest(1, true)

	idx.AdjustAvailability(1, 2) // [] in bucket 1, [0] in bucket 2, [1] in bucket 3
	checkRarest(2, true)

	idx.AdjustAvailability(0, 1) // [] in bucket 2, [0, 1] in bucket 3
	checkRarest(3, true)
}

func TestPiecesAtAvailabilityAndRarest(t *testing.T) {
	n, maxAvail := 3, 2
	idx := NewRarityIndex(n, maxAvail) // [0, 1, 2] in bucket 0

	idx.AdjustAvailability(1, 1) // [0, 2] in bucket 0, [1] in bucket 1
	idx.AdjustAvailability(0, 2) // [2] in bucket 0, [1] in bucket 1, [0] in bucket 2

	if idx.PiecesAtAvailability(-1) != nil {
		t.Error("expected nil for bucket -1")
	}
	if idx.PiecesAtAvailability(maxAvail+1) != nil {
		t.Error("expected nil for bucket maxAvail+1")
	}

	getSorted := func(a int) []int {
		s := idx.PiecesAtAvailability(a)
		sort.Ints(s)
		return s
	}

	if !reflect.DeepEqual(getSorted(0), []int{2}) {
		t.Errorf("expected bucket 0 = [2], got %v", idx.PiecesAtAvailability(0))
	}
	if !reflect.DeepEqual(getSorted(1), []int{1}) {
		t.Errorf("expected bucket 1 = [1], got %v", idx.PiecesAtAvailability(1))
	}
	if !reflect.DeepEqual(getSorted(2), []int{0}) {
		t.Errorf("expected bucket 2 = [0], got %v", idx.PiecesAtAvailability(2))
	}

	rarest, ok := idx.Rarest()
	if !ok || !reflect.DeepEqual(rarest, []int{2}) {
		t.Errorf("expected Rarest() = ([2], true), got (%v, %v)", rarest, ok)
	}

	// Test that PiecesAtAvailability returns a copy.
	b1 := idx.PiecesAtAvailability(1)
	if b1 == nil {
		t.Fatal("bucket 1 is nil")
	}
	b1[0] = 999
	if idx.buckets[1][0] == 999 {
		t.Fatal("PiecesAtAvailability did not return a copy")
	}
	if idx.Availability(1) != 1 {
		t.Fatal("mutation corrupted internal state")
	}
}

func TestBitmapAcrossWordBoundaries(t *testing.T) {
	n, maxAvail := 1, 130
	idx := NewRarityIndex(n, maxAvail) // 3 bitmap words (0-63, 64-127, 128-191)

	if len(idx.nonEmptyBits) != 3 {
		t.Fatalf("expected 3 bitmap words, got %d", len(idx.nonEmptyBits))
	}

	checkRarest := func(wantA int, wantOK bool) {
		t.Helper()
		gotA, gotOK := idx.RarestAvailability()
		if gotA != wantA || gotOK != wantOK {
			t.Fatalf(
				"RarestAvailability: want (%d, %v), got (%d, %v)",
				wantA,
				wantOK,
				gotA,
				gotOK,
			)
		}
	}

	checkRarest(0, true)
	if idx.nonEmptyBits[0] != 1 || idx.nonEmptyBits[1] != 0 || idx.nonEmptyBits[2] != 0 {
		t.Fatal("bitmap initial state wrong")
	}

	for i := 0; i < 70; i++ {
		idx.AdjustAvailability(0, 1)
	}
	if idx.Availability(0) != 70 {
		t.Fatalf("expected avail=70, got %d", idx.Availability(0))
	}
	checkRarest(70, true)
	if idx.nonEmptyBits[0] != 0 || idx.nonEmptyBits[1] == 0 || idx.nonEmptyBits[2] != 0 {
		t.Fatal("bitmap state wrong for bucket 70")
	}
	checkInvariants(t, idx, n)

	for i := 0; i < 59; i++ { // 70 + 59 = 129
		idx.AdjustAvailability(0, 1)
	}
	if idx.Availability(0) != 129 {
		t.Fatalf("expected avail=129, got %d", idx.Availability(0))
	}
	checkRarest(129, true)
	if idx.nonEmptyBits[0] != 0 || idx.nonEmptyBits[1] != 0 || idx.nonEmptyBits[2] == 0 {
		t.Fatal("bitmap state wrong for bucket 129")
	}
	checkInvariants(t, idx, n)

	for i := 0; i < 129; i++ {
		idx.AdjustAvailability(0, -1)
	}
	checkRarest(0, true)
	if idx.nonEmptyBits[0] != 1 || idx.nonEmptyBits[1] != 0 || idx.nonEmptyBits[2] != 0 {
		t.Fatal("bitmap state wrong after moving back to 0")
	}
	checkInvariants(t, idx, n)
}

// TestConcurrentAdjustments performs many concurrent adjustments and checks
// for race conditions (with -race) and final state consistency.
func TestConcurrentAdjustments(t *testing.T) {
	n, maxAvail := 100, 10
	idx := NewRarityIndex(n, maxAvail)

	numGoroutines := 16
	movesPerGoroutine := 1000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for g := 0; g < numGoroutines; g++ {
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(g)))

			for i := 0; i < movesPerGoroutine; i++ {
				piece := rng.Intn(n)
				delta := rng.Intn(2)*2 - 1 // Randomly +1 or -1
				idx.AdjustAvailability(piece, delta)
			}
		}(g)
	}

	wg.Wait()

	checkInvariants(t, idx, n)
}
