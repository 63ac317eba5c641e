// mailbox.go defines the central datastructure that keeps track of the connected peers.
package rendezvous

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/SpatiumPortae/dropzone/protocol/rendezvous"
)

// Mailbox is the outbound queue of a single connected peer. A writer goroutine
// drains it into the peer's connection, so messages to one peer keep their order.
type Mailbox struct {
	Peer   rendezvous.Peer
	Outbox chan []byte

	evicted chan struct{}
	once    sync.Once
}

// NewMailbox allocates a mailbox able to hold size pending messages.
func NewMailbox(peer rendezvous.Peer, size int) *Mailbox {
	return &Mailbox{
		Peer:    peer,
		Outbox:  make(chan []byte, size),
		evicted: make(chan struct{}),
	}
}

// Evicted is closed when the mailbox overflowed or the registry was cleared.
func (m *Mailbox) Evicted() <-chan struct{} {
	return m.evicted
}

// post enqueues without blocking. A full outbox evicts the peer, as a slow reader
// must never stall the other peers.
func (m *Mailbox) post(b []byte) bool {
	select {
	case <-m.evicted:
		return false
	default:
	}
	select {
	case m.Outbox <- b:
		return true
	default:
		m.evict()
		return false
	}
}

func (m *Mailbox) evict() {
	m.once.Do(func() { close(m.evicted) })
}

// Registry maps peer ids to mailboxes. All mutations and broadcasts happen under
// a single mutex, so every broadcast is a consistent snapshot and all peers
// observe membership changes in the same order.
type Registry struct {
	mu        sync.Mutex
	mailboxes map[string]*Mailbox
}

func NewRegistry() *Registry {
	return &Registry{mailboxes: make(map[string]*Mailbox)}
}

// Join registers the mailbox and broadcasts the new membership.
func (r *Registry) Join(m *Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailboxes[m.Peer.ID] = m
	r.broadcastLocked()
}

// Leave deregisters the peer and broadcasts the new membership. Returns false if
// the peer was not registered.
func (r *Registry) Leave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mailboxes[id]; !ok {
		return false
	}
	delete(r.mailboxes, id)
	r.broadcastLocked()
	return true
}

// Deliver posts the encoded message to the peer with the provided id. Returns
// false if no such peer is registered, or its mailbox could not take it.
func (r *Registry) Deliver(id string, b []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mailboxes[id]
	if !ok {
		return false
	}
	return m.post(b)
}

// Broadcast sends every peer the current peer list, excluding itself.
func (r *Registry) Broadcast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked()
}

// Snapshot returns the registered peers sorted by name and id.
func (r *Registry) Snapshot() []rendezvous.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mailboxes)
}

// Clear evicts and removes every peer. Used on shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.mailboxes {
		m.evict()
		delete(r.mailboxes, id)
	}
}

func (r *Registry) snapshotLocked() []rendezvous.Peer {
	peers := make([]rendezvous.Peer, 0, len(r.mailboxes))
	for _, m := range r.mailboxes {
		peers = append(peers, m.Peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name != peers[j].Name {
			return peers[i].Name < peers[j].Name
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

func (r *Registry) broadcastLocked() {
	all := r.snapshotLocked()
	for _, m := range r.mailboxes {
		others := make([]rendezvous.Peer, 0, len(all))
		for _, p := range all {
			if p.ID != m.Peer.ID {
				others = append(others, p)
			}
		}
		b, err := encodePeers(others)
		if err != nil {
			continue
		}
		m.post(b)
	}
}

func encodePeers(peers []rendezvous.Peer) ([]byte, error) {
	msg, err := rendezvous.New("", rendezvous.Peers{Peers: peers})
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
