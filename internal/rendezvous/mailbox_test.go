package rendezvous

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/SpatiumPortae/dropzone/protocol/rendezvous"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lastPeers drains the outbox and returns the most recent peer list it held.
func lastPeers(t *testing.T, m *Mailbox) []rendezvous.Peer {
	t.Helper()
	var last []rendezvous.Peer
	for {
		select {
		case b := <-m.Outbox:
			var msg rendezvous.Msg
			require.NoError(t, json.Unmarshal(b, &msg))
			require.Equal(t, rendezvous.RendezvousToPeerPeers, msg.Type)
			body, err := msg.Body()
			require.NoError(t, err)
			last = body.(rendezvous.Peers).Peers
		default:
			return last
		}
	}
}

func TestRegistryBroadcastExcludesSelf(t *testing.T) {
	const n = 5
	r := NewRegistry()
	mailboxes := make([]*Mailbox, 0, n)
	for i := 0; i < n; i++ {
		m := NewMailbox(rendezvous.Peer{ID: fmt.Sprintf("id-%d", i), Name: fmt.Sprintf("peer-%d", i)}, OUTBOX_SIZE)
		mailboxes = append(mailboxes, m)
		r.Join(m)
	}
	assert.Equal(t, n, r.Len())

	for _, m := range mailboxes {
		peers := lastPeers(t, m)
		assert.Len(t, peers, n-1)
		for _, p := range peers {
			assert.NotEqual(t, m.Peer.ID, p.ID)
		}
	}

	assert.True(t, r.Leave("id-0"))
	assert.False(t, r.Leave("id-0"))
	for _, m := range mailboxes[1:] {
		peers := lastPeers(t, m)
		assert.Len(t, peers, n-2)
		assert.NotContains(t, peers, mailboxes[0].Peer)
	}
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := NewRegistry()
	r.Join(NewMailbox(rendezvous.Peer{ID: "b", Name: "zed"}, OUTBOX_SIZE))
	r.Join(NewMailbox(rendezvous.Peer{ID: "c", Name: "amy"}, OUTBOX_SIZE))
	r.Join(NewMailbox(rendezvous.Peer{ID: "a", Name: "amy"}, OUTBOX_SIZE))

	assert.Equal(t, []rendezvous.Peer{
		{ID: "a", Name: "amy"},
		{ID: "c", Name: "amy"},
		{ID: "b", Name: "zed"},
	}, r.Snapshot())
}

func TestRegistryConcurrentMembership(t *testing.T) {
	const n = 20
	r := NewRegistry()
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("id-%d", i)
			r.Join(NewMailbox(rendezvous.Peer{ID: id, Name: id}, n*4))
			if i%2 == 0 {
				r.Leave(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n/2, r.Len())
}

func TestDeliver(t *testing.T) {
	r := NewRegistry()
	m := NewMailbox(rendezvous.Peer{ID: "a", Name: "a"}, 2)
	r.Join(m)
	lastPeers(t, m)

	assert.False(t, r.Deliver("missing", []byte("x")))
	assert.True(t, r.Deliver("a", []byte("1")))
	assert.True(t, r.Deliver("a", []byte("2")))

	// A full outbox evicts the peer rather than blocking.
	assert.False(t, r.Deliver("a", []byte("3")))
	select {
	case <-m.Evicted():
	default:
		t.Fatal("expected mailbox to be evicted")
	}
	assert.False(t, r.Deliver("a", []byte("4")))
}

func TestClear(t *testing.T) {
	r := NewRegistry()
	m := NewMailbox(rendezvous.Peer{ID: "a", Name: "a"}, OUTBOX_SIZE)
	r.Join(m)
	r.Clear()
	assert.Equal(t, 0, r.Len())
	_, open := <-m.Evicted()
	assert.False(t, open)
}
