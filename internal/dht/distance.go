// Package dht's notion of distance is the XOR metric over 160-bit node
// IDs and info_hashes: the routing table's bucket structure, closest-node
// ranking, and lookup termination all reduce to comparisons of these
// values.
package dht

import (
	"bytes"
	"crypto/sha1"
	"math/bits"
)

// IDBits is the width of a node ID / info_hash in bits.
const IDBits = sha1.Size * 8

// NoBucket is BucketIndex's sentinel for two identical IDs, which have no
// well-defined bucket (a node never routes to itself).
const NoBucket = -1

// Distance returns the XOR metric between a and b.
func Distance(a, b [sha1.Size]byte) [sha1.Size]byte {
	var d [sha1.Size]byte

	for i := 0; i < sha1.Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance orders a and b by XOR distance to target:
// -1 if a is closer to target than b
// 0 if a and b are equidistant to target
// 1 if b is closer to target than a
func CompareDistance(target, a, b [sha1.Size]byte) int {
	da := Distance(target, a)
	db := Distance(target, b)
	return bytes.Compare(da[:], db[:])
}

// PrefixLen returns the number of leading zero bits in a XOR b, i.e. how
// many of the most-significant bits a and b share. A result of IDBits
// means a and b are identical.
func PrefixLen(a, b [sha1.Size]byte) int {
	d := Distance(a, b)

	for i := 0; i < sha1.Size; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}

	return IDBits
}

// BucketIndex returns which of the 160 k-buckets remoteID belongs in,
// relative to localID. Bucket i holds contacts at XOR distance in
// [2^i, 2^(i+1)): bucket 0 is the nearest possible neighbor (distance
// exactly 1, every bit but the last shared) and bucket IDBits-1 is the
// farthest (not even the leading bit shared). Equivalently, bucket
// index = IDBits-1-prefixLen, since a longer shared prefix means a
// smaller distance. Returns NoBucket when localID and remoteID are
// identical — there is no bucket for a node's own ID, and callers must
// check for this themselves rather than routing it to an arbitrary
// bucket.
func BucketIndex(localID, remoteID [sha1.Size]byte) int {
	prefixLen := PrefixLen(localID, remoteID)
	if prefixLen >= IDBits {
		return NoBucket
	}

	return IDBits - 1 - prefixLen
}
