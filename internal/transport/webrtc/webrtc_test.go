package webrtc

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ transport.Transport = (*Transport)(nil)
var _ transport.LowBufferNotifier = (*Transport)(nil)

func noSignal(json.RawMessage) error { return nil }

func TestHandleSignalValidation(t *testing.T) {
	responder, err := New(transport.Responder, noSignal, Config{})
	require.NoError(t, err)
	defer responder.Close()

	assert.Error(t, responder.HandleSignal(json.RawMessage(`not json`)))
	assert.ErrorContains(t, responder.HandleSignal(json.RawMessage(`{"kind":"bogus"}`)), "unknown signal kind")
	assert.ErrorContains(t, responder.HandleSignal(json.RawMessage(`{"kind":"answer","sdp":""}`)), "unexpected answer")
	assert.Error(t, responder.HandleSignal(json.RawMessage(`{"kind":"candidate"}`)))

	// Candidates arriving before the offer are kept until the remote description is set.
	require.NoError(t, responder.HandleSignal(json.RawMessage(`{"kind":"candidate","candidate":{"candidate":"candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host"}}`)))
	responder.mu.Lock()
	assert.Len(t, responder.pending, 1)
	responder.mu.Unlock()
}

func TestSendBeforeOpen(t *testing.T) {
	initiator, err := New(transport.Initiator, noSignal, Config{})
	require.NoError(t, err)
	defer initiator.Close()

	err = initiator.Send([]byte("x"))
	assert.ErrorIs(t, err, transport.ErrNotOpen)
	assert.Zero(t, initiator.BufferedAmount())
}

func TestCloseFiresOnce(t *testing.T) {
	tr, err := New(transport.Initiator, noSignal, Config{})
	require.NoError(t, err)
	count := 0
	tr.OnClose(func() { count++ })
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, count)
}

func TestCloseFromCloseHandler(t *testing.T) {
	tr, err := New(transport.Initiator, noSignal, Config{})
	require.NoError(t, err)
	count := 0
	tr.OnClose(func() {
		count++
		tr.Close()
	})

	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked when called from the close handler")
	}
	assert.Equal(t, 1, count)
}

// TestLoopback connects two peer connections in process. It needs a usable
// network interface and is skipped under -short.
func TestLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping webrtc loopback in short mode")
	}
	var initiator, responder *Transport
	var err error
	ready := make(chan struct{})
	relay := func(to **Transport) SignalFunc {
		return func(data json.RawMessage) error {
			go func() {
				<-ready
				if err := (*to).HandleSignal(data); err != nil {
					t.Logf("handling signal: %v", err)
				}
			}()
			return nil
		}
	}
	initiator, err = New(transport.Initiator, relay(&responder), Config{})
	require.NoError(t, err)
	defer initiator.Close()
	responder, err = New(transport.Responder, relay(&initiator), Config{})
	require.NoError(t, err)
	defer responder.Close()
	close(ready)

	opened := make(chan struct{})
	var once sync.Once
	initiator.OnOpen(func() { once.Do(func() { close(opened) }) })
	received := make(chan []byte, 1)
	responder.OnData(func(b []byte) { received <- b })

	require.NoError(t, initiator.Start())
	select {
	case <-opened:
	case <-time.After(15 * time.Second):
		t.Skip("data channel did not open, no usable network interface")
	}
	require.NoError(t, initiator.Send([]byte("hello")))
	select {
	case b := <-received:
		assert.Equal(t, []byte("hello"), b)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}
