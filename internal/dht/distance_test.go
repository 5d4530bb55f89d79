package dht

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
)

// idAtPrefixLen returns an ID whose XOR distance from the all-zero ID has
// exactly prefixLen leading zero bits: the first differing bit is set at
// position prefixLen (0-indexed from the MSB), everything before it is 0.
func idAtPrefixLen(prefixLen int) [sha1.Size]byte {
	var id [sha1.Size]byte
	if prefixLen < IDBits {
		byteIdx, bitIdx := prefixLen/8, 7-(prefixLen%8)
		id[byteIdx] |= 1 << bitIdx
	}
	return id
}

func TestPrefixLen_Identical(t *testing.T) {
	a := idAtPrefixLen(5)
	require.Equal(t, IDBits, PrefixLen(a, a))
}

func TestPrefixLen_ExactValue(t *testing.T) {
	var zero [sha1.Size]byte
	for _, n := range []int{0, 1, 7, 8, 9, 63, 159} {
		got := PrefixLen(zero, idAtPrefixLen(n))
		require.Equal(t, n, got, "prefixLen for distance at bit %d", n)
	}
}

func TestBucketIndex_SelfIsNoBucket(t *testing.T) {
	a := idAtPrefixLen(40)
	require.Equal(t, NoBucket, BucketIndex(a, a))
}

// Distance exactly 1 (all but the last bit shared, prefixLen IDBits-1) is
// the smallest possible nonzero distance and must land in bucket 0, the
// nearest bucket — not get folded into the self-distance sentinel the
// way the old clamp did.
func TestBucketIndex_DistanceOneIsNearestBucket(t *testing.T) {
	var a [sha1.Size]byte
	b := a
	b[sha1.Size-1] = 1

	require.Equal(t, IDBits-1, PrefixLen(a, b))
	require.Equal(t, 0, BucketIndex(a, b))
}

// No shared prefix at all (MSB differs, prefixLen 0) is the largest
// possible distance and must land in bucket IDBits-1, the farthest
// bucket.
func TestBucketIndex_NoSharedPrefixIsFarthestBucket(t *testing.T) {
	var a [sha1.Size]byte
	b := idAtPrefixLen(0)

	require.Equal(t, IDBits-1, BucketIndex(a, b))
}

func TestBucketIndex_MonotonicWithPrefixLen(t *testing.T) {
	var a [sha1.Size]byte
	closer := idAtPrefixLen(100) // shares 100 leading bits with a
	farther := idAtPrefixLen(10) // shares only 10

	require.Less(t, BucketIndex(a, closer), BucketIndex(a, farther))
}

func TestCompareDistance(t *testing.T) {
	var target [sha1.Size]byte
	near := idAtPrefixLen(100)
	far := idAtPrefixLen(10)

	require.Equal(t, -1, CompareDistance(target, near, far))
	require.Equal(t, 1, CompareDistance(target, far, near))
	require.Equal(t, 0, CompareDistance(target, near, near))
}
