package dht

import (
	"crypto/sha1"
	"errors"
	"net"
	"sort"
	"sync"
	"time"
)

// LookupType selects which KRPC query a Lookup issues to each contact it
// visits: find_node walks the routing table toward a target ID, get_peers
// additionally asks for any stored peers at an info_hash.
type LookupType int

const (
	LookupTypeNodes LookupType = iota // find_node lookup
	LookupTypePeers                   // get_peers lookup
)

const (
	Alpha         = 3 // Concurrency factor (parallel queries)
	LookupK       = 8 // Number of closest nodes to find
	LookupTimeout = 30 * time.Second
	QueryTimeout  = 2 * time.Second

	// maxShortlist bounds how many candidates a lookup tracks at once.
	// Dropping anything beyond this (always the farthest, never the
	// closest) keeps one lookup's memory bounded without affecting the
	// outcome: a lookup only ever needs its LookupK closest contacts.
	maxShortlist = LookupK * 2
)

// Lookup drives one iterative find_node/get_peers walk toward target:
// repeatedly query the closest not-yet-queried contacts known so far,
// fold every contact the responses surface back into the shortlist, and
// stop once the LookupK closest have all been queried (or nothing closer is
// left to ask).
type Lookup struct {
	dht        *DHT
	target     [sha1.Size]byte
	lookupType LookupType

	shortlist *shortlist
	contacted map[[sha1.Size]byte]bool
	pending   map[string]*LookupNode
	peers     []net.Addr

	mu         sync.Mutex
	done       chan struct{}
	queryCh    chan *LookupNode
	responseCh chan *LookupResponse
}

type LookupNode struct {
	Contact *Contact
	Token   string // For get_peers responses
	Queried bool
}

type LookupResponse struct {
	Node  *LookupNode
	Nodes []*Contact
	Peers []net.Addr
	Token string
	Err   error
}

type LookupResult struct {
	ClosestNodes []*LookupNode
	Peers        []net.Addr
	Err          error
}

func NewLookup(dht *DHT, target [sha1.Size]byte, lookupType LookupType) *Lookup {
	return &Lookup{
		dht:        dht,
		target:     target,
		lookupType: lookupType,
		shortlist:  newShortlist(target),
		contacted:  make(map[[sha1.Size]byte]bool),
		pending:    make(map[string]*LookupNode),
		done:       make(chan struct{}),
		queryCh:    make(chan *LookupNode, Alpha),
		responseCh: make(chan *LookupResponse, Alpha),
	}
}

func (l *Lookup) Run() *LookupResult {
	seeds := l.dht.table.FindClosestK(l.target, LookupK)
	for _, contact := range seeds {
		l.addNode(&LookupNode{Contact: contact})
	}

	if len(seeds) == 0 {
		return &LookupResult{Err: errors.New("no nodes in routing table")}
	}

	l.dht.config.Logger.Debug("Starting lookup", "type", l.lookupType, "seeds", len(seeds))

	var wg sync.WaitGroup
	for i := 0; i < Alpha; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.queryWorker()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.responseHandler()
	}()

	timeout := time.After(LookupTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			close(l.done)
			wg.Wait()
			l.dht.config.Logger.Warn("Lookup timeout", "type", l.lookupType, "contacted", len(l.contacted), "shortlist", l.shortlist.len())
			return l.buildResult(errors.New("lookup timeout"))

		case <-ticker.C:
			if l.isComplete() {
				close(l.done)
				wg.Wait()
				l.dht.config.Logger.Debug("Lookup complete", "type", l.lookupType, "contacted", len(l.contacted), "peers", len(l.peers))
				return l.buildResult(nil)
			}

			l.scheduleQueries()
		}
	}
}

func (l *Lookup) queryWorker() {
	for {
		select {
		case <-l.done:
			return
		case node := <-l.queryCh:
			l.sendQuery(node)
		}
	}
}

func (l *Lookup) sendQuery(node *LookupNode) {
	var msg *Message
	txID := l.dht.krpc.generateTransactionID()

	switch l.lookupType {
	case LookupTypeNodes:
		msg = FindNodeQuery(txID, l.dht.localID, l.target)
	case LookupTypePeers:
		msg = GetPeersQuery(txID, l.dht.localID, l.target)
	}

	l.mu.Lock()
	node.Queried = true
	l.pending[txID] = node
	node.Contact.MarkQueried(txID)
	l.mu.Unlock()

	response, err := l.dht.krpc.SendQuery(msg, node.Contact.Addr(), QueryTimeout)

	result := &LookupResponse{
		Node: node,
		Err:  err,
	}

	if err == nil {
		l.parseResponse(response, result)
	}

	select {
	case l.responseCh <- result:
	case <-l.done:
	}
}

func (l *Lookup) parseResponse(msg *Message, result *LookupResponse) {
	nodeID, ok := msg.GetNodeID()
	if !ok || nodeID != result.Node.Contact.ID() {
		result.Err = errors.New("node ID mismatch")
		return
	}

	if token, ok := msg.GetToken(); ok {
		result.Token = token
	}

	if values, ok := msg.GetValues(); ok {
		for _, value := range values {
			if len(value) == 6 {
				var peerInfo [6]byte
				copy(peerInfo[:], value)
				ip, port := DecodePeerInfo(peerInfo)
				result.Peers = append(result.Peers, &net.UDPAddr{IP: ip, Port: int(port)})
			}
		}
	}

	if nodesData, ok := msg.GetNodes(); ok {
		nodes := DecodeCompactNodeInfoList(nodesData)
		for _, node := range nodes {
			result.Nodes = append(result.Nodes, NewContact(node))
		}
	}
}

func (l *Lookup) responseHandler() {
	for {
		select {
		case <-l.done:
			return
		case response := <-l.responseCh:
			l.handleResponse(response)
		}
	}
}

func (l *Lookup) handleResponse(response *LookupResponse) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for txID, node := range l.pending {
		if node == response.Node {
			delete(l.pending, txID)
			break
		}
	}

	if response.Err != nil {
		response.Node.Contact.MarkFailed()
		return
	}

	response.Node.Contact.MarkSeen()
	response.Node.Token = response.Token
	l.peers = append(l.peers, response.Peers...)

	for _, contact := range response.Nodes {
		l.addNode(&LookupNode{Contact: contact})
	}
}

func (l *Lookup) addNode(node *LookupNode) {
	if node.Contact.ID() == l.dht.localID {
		return
	}
	if l.contacted[node.Contact.ID()] {
		return
	}

	l.shortlist.add(node)
}

// scheduleQueries fills any free query slots with the closest
// not-yet-queried contacts on the shortlist. The shortlist is kept
// sorted ascending by distance to target, so a simple forward scan
// visits candidates nearest-first.
func (l *Lookup) scheduleQueries() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) >= Alpha {
		return
	}

	scheduled := 0
	for i := 0; i < l.shortlist.len() && scheduled < Alpha-len(l.pending); i++ {
		node := l.shortlist.nodes[i]

		if !node.Queried && !l.contacted[node.Contact.ID()] {
			l.contacted[node.Contact.ID()] = true

			select {
			case l.queryCh <- node:
				scheduled++
			case <-l.done:
				return
			}
		}
	}
}

// isComplete reports whether the lookup has converged: nothing in flight,
// and the closest LookupK contacts on the shortlist (or all of them, if
// fewer than LookupK exist) have all been queried — no response can
// surface anything nearer to query next.
func (l *Lookup) isComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) > 0 {
		return false
	}

	queriedClosest := 0
	for i := 0; i < l.shortlist.len() && i < LookupK; i++ {
		if l.shortlist.nodes[i].Queried {
			queriedClosest++
		}
	}

	return queriedClosest >= LookupK || queriedClosest >= l.shortlist.len()
}

// buildResult returns the LookupK closest contacts found, ascending by
// distance to target, along with any peers surfaced by get_peers
// responses along the way.
func (l *Lookup) buildResult(err error) *LookupResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	closestCount := min(LookupK, l.shortlist.len())
	closest := make([]*LookupNode, closestCount)
	copy(closest, l.shortlist.nodes[:closestCount])

	return &LookupResult{
		ClosestNodes: closest,
		Peers:        l.peers,
		Err:          err,
	}
}

// shortlist holds one lookup's candidate contacts sorted ascending by XOR
// distance to target, capped at maxShortlist entries. It is a plain
// sorted slice rather than a heap: a lookup only ever needs to read its
// nodes in closest-first order (to pick the next query and to report the
// final result), and a binary heap's array is only partially ordered —
// indexing past the root does not yield the next-closest entries.
type shortlist struct {
	target [sha1.Size]byte
	nodes  []*LookupNode
	seen   map[[sha1.Size]byte]bool
}

func newShortlist(target [sha1.Size]byte) *shortlist {
	return &shortlist{
		target: target,
		seen:   make(map[[sha1.Size]byte]bool),
	}
}

func (s *shortlist) len() int { return len(s.nodes) }

// add inserts node in distance order, ignoring one already present, then
// drops the farthest entry if the list has grown past maxShortlist —
// never the nearest ones, which is what a lookup must retain to converge.
func (s *shortlist) add(node *LookupNode) {
	id := node.Contact.ID()
	if s.seen[id] {
		return
	}
	s.seen[id] = true

	i := sort.Search(len(s.nodes), func(i int) bool {
		return CompareDistance(s.target, s.nodes[i].Contact.ID(), id) > 0
	})
	s.nodes = append(s.nodes, nil)
	copy(s.nodes[i+1:], s.nodes[i:])
	s.nodes[i] = node

	if len(s.nodes) > maxShortlist {
		dropped := s.nodes[maxShortlist]
		delete(s.seen, dropped.Contact.ID())
		s.nodes = s.nodes[:maxShortlist]
	}
}
