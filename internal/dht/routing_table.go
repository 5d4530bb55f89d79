package dht

import (
	"crypto/sha1"
	"sort"
	"sync"
)

// NumBuckets is the number of k-buckets a routing table holds: one per
// possible shared-prefix length with the local ID, see BucketIndex.
const NumBuckets = IDBits

type RoutingTable struct {
	localID [sha1.Size]byte
	mut     sync.RWMutex
	buckets [NumBuckets]*Bucket
}

func NewRoutingTable(localID [sha1.Size]byte) *RoutingTable {
	rt := &RoutingTable{localID: localID}
	for i := 0; i < NumBuckets; i++ {
		rt.buckets[i] = NewBucket()
	}

	return rt
}

func (rt *RoutingTable) ID() [sha1.Size]byte {
	return rt.localID
}

// Insert adds contact using the simple non-probing policy: accept
// outright if the bucket has room, otherwise reject. Used for paths that
// don't have a live probe capability handy (e.g. unit tests, or
// maintenance code that already decided the bucket isn't full). Most
// callers should use Add, which performs the full liveness-probe
// eviction policy.
func (rt *RoutingTable) Insert(contact *Contact) bool {
	if contact.ID() == rt.localID {
		return false
	}

	bucketIdx := BucketIndex(rt.localID, contact.ID())
	return rt.buckets[bucketIdx].Insert(contact)
}

// Add admits contact into its bucket under the liveness-probe eviction
// policy: probe is invoked only if that bucket is already full, and
// performs exactly one RPC to the bucket's oldest contact. Add never
// calls back into the routing table itself, so probe can safely be a
// thin closure over the transport layer without creating a reference
// cycle between the routing table and its owner.
func (rt *RoutingTable) Add(contact *Contact, probe func(*Contact) bool) bool {
	if contact.ID() == rt.localID {
		return false
	}

	bucketIdx := BucketIndex(rt.localID, contact.ID())
	return rt.buckets[bucketIdx].Add(contact, probe)
}

func (rt *RoutingTable) Remove(id [sha1.Size]byte) bool {
	bucketIdx := BucketIndex(rt.localID, id)
	if bucketIdx == NoBucket {
		return false
	}
	return rt.buckets[bucketIdx].Remove(id)
}

func (rt *RoutingTable) Get(id [sha1.Size]byte) *Contact {
	bucketIdx := BucketIndex(rt.localID, id)
	if bucketIdx == NoBucket {
		return nil
	}
	return rt.buckets[bucketIdx].Get(id)
}

// FindClosestK concatenates every bucket's contacts, sorts them by XOR
// distance to target, and returns the first k. Total contacts are bounded
// by NumBuckets*k (at most 160*8 = 1280), so a full scan-and-sort is
// cheap enough that a bucket-expanding-ring shortcut isn't worth the
// complexity (or the off-by-one bugs it invites at the ring's edges).
func (rt *RoutingTable) FindClosestK(target [sha1.Size]byte, k int) []*Contact {
	rt.mut.Lock()
	defer rt.mut.Unlock()

	var contacts []*Contact
	for _, bucket := range rt.buckets {
		contacts = append(contacts, bucket.All()...)
	}

	sort.SliceStable(contacts, func(i, j int) bool {
		return CompareDistance(target, contacts[i].ID(), contacts[j].ID()) < 0
	})

	if len(contacts) > k {
		contacts = contacts[:k]
	}

	return contacts
}

func (rt *RoutingTable) Size() int {
	rt.mut.Lock()
	defer rt.mut.Unlock()

	count := 0
	for _, bucket := range rt.buckets {
		count += bucket.Len()
	}

	return count
}

func (rt *RoutingTable) GetBucketsNeedingRefresh() []int {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	var indices []int
	for i, bucket := range rt.buckets {
		if bucket.Len() > 0 && bucket.NeedsRefresh() {
			indices = append(indices, i)
		}
	}

	return indices
}

func (rt *RoutingTable) GetQuestionableContacts() []*Contact {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	var questionable []*Contact
	for _, bucket := range rt.buckets {
		for _, contact := range bucket.All() {
			if contact.IsQuestionable() {
				questionable = append(questionable, contact)
			}
		}
	}

	return questionable
}

type RoutingTableStats struct {
	TotalContacts        int
	GoodContacts         int
	QuestionableContacts int
	BadContacts          int
	FilledBuckets        int
	EmptyBuckets         int
}

func (rt *RoutingTable) GetStats() RoutingTableStats {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	stats := RoutingTableStats{}

	for _, bucket := range rt.buckets {
		contacts := bucket.All()
		if len(contacts) == 0 {
			stats.EmptyBuckets++
			continue
		}

		stats.FilledBuckets++
		stats.TotalContacts += len(contacts)

		for _, c := range contacts {
			if c.IsGood() {
				stats.GoodContacts++
			} else if c.IsQuestionable() {
				stats.QuestionableContacts++
			} else if c.IsBad() {
				stats.BadContacts++
			}
		}
	}

	return stats
}
