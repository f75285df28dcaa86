package object

import (
	"sort"
	"sync"
	"time"

	"p2pnet/transport"
)

// PeerEventType names a peer table transition.
type PeerEventType string

const (
	PeerAppeared PeerEventType = "appeared"
	PeerLost     PeerEventType = "lost"
)

// Peer is one remote node seen on the network.
type Peer struct {
	IP        string
	NodeID    string
	Name      string
	FirstSeen time.Time
	LastSeen  time.Time
	Transport transport.Kind

	// Conn is the most recent TCP link the peer used; nil until it sends over TCP.
	Conn *transport.Connection
}

// PeerEvent reports a peer entering or leaving the table.
type PeerEvent struct {
	Type PeerEventType
	Peer Peer
}

// sighting is one observation of traffic from a peer.
type sighting struct {
	ip        string
	nodeID    string
	name      string
	transport transport.Kind
	conn      *transport.Connection
	at        time.Time
}

// peerTable is the single serialization point for presence. Every transition
// queues its event while holding mu so events leave in table order.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	queue *eventQueue
}

func newPeerTable(queue *eventQueue) *peerTable {
	return &peerTable{
		peers: make(map[string]*Peer),
		queue: queue,
	}
}

// observe records a sighting and reports whether the peer is new.
func (t *peerTable) observe(s sighting) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer, ok := t.peers[s.ip]
	if !ok {
		peer = &Peer{IP: s.ip, FirstSeen: s.at}
		t.peers[s.ip] = peer
	}
	if s.at.After(peer.LastSeen) {
		peer.LastSeen = s.at
	}
	peer.Transport = s.transport
	if s.nodeID != "" {
		peer.NodeID = s.nodeID
	}
	if s.name != "" {
		peer.Name = s.name
	}
	if s.conn != nil {
		peer.Conn = s.conn
	}

	snapshot := *peer
	if !ok {
		t.queue.push(PeerEvent{Type: PeerAppeared, Peer: snapshot})
	}
	return snapshot, !ok
}

// expire removes peers silent for longer than timeout.
func (t *peerTable) expire(now time.Time, timeout time.Duration) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lost []Peer
	for ip, peer := range t.peers {
		if now.Sub(peer.LastSeen) <= timeout {
			continue
		}
		delete(t.peers, ip)
		lost = append(lost, *peer)
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].IP < lost[j].IP })
	for _, peer := range lost {
		t.queue.push(PeerEvent{Type: PeerLost, Peer: peer})
	}
	return lost
}

func (t *peerTable) get(ip string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peer, ok := t.peers[ip]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

func (t *peerTable) list() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// eventQueue is an unbounded FIFO drained by one dispatcher goroutine, so a
// slow consumer never blocks the table.
type eventQueue struct {
	mu     sync.Mutex
	events []PeerEvent
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(event PeerEvent) {
	q.mu.Lock()
	q.events = append(q.events, event)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []PeerEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}
