// Package transport specifies the peer-to-peer connection capability that file
// content travels over. How the connection is established is up to the
// implementation, the transfer protocol only relies on this interface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrClosed  = errors.New("transport closed")
	ErrNotOpen = errors.New("transport not open")
)

// Role is the part an endpoint plays when the connection is established.
type Role int

const (
	Initiator Role = iota // Creates the channel and sends the offer
	Responder             // Waits for the offer and the channel
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

// Transport is a message oriented, ordered and reliable connection to a peer.
// Handlers must be registered before the transport opens.
type Transport interface {
	Send([]byte) error
	OnData(func([]byte))
	OnOpen(func())
	OnClose(func())
	OnError(func(error))
	// BufferedAmount is the number of bytes queued by Send that are not yet on the wire.
	BufferedAmount() uint64
	Close() error
}

// LowBufferNotifier is implemented by transports able to signal when the
// buffered amount drops below a threshold.
type LowBufferNotifier interface {
	SetBufferedAmountLowThreshold(uint64)
	OnBufferedAmountLow(func())
}

// NetworkError is raised for failures of the relay connection or of the transport.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Callbacks stores the handlers of a transport. Implementations embed it and
// fire the handlers from their event loops.
type Callbacks struct {
	mu      sync.RWMutex
	onData  func([]byte)
	onOpen  func()
	onClose func()
	onError func(error)
}

func (c *Callbacks) OnData(f func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = f
}

func (c *Callbacks) OnOpen(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = f
}

func (c *Callbacks) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

func (c *Callbacks) OnError(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = f
}

func (c *Callbacks) FireData(b []byte) {
	c.mu.RLock()
	f := c.onData
	c.mu.RUnlock()
	if f != nil {
		f(b)
	}
}

func (c *Callbacks) FireOpen() {
	c.mu.RLock()
	f := c.onOpen
	c.mu.RUnlock()
	if f != nil {
		f()
	}
}

func (c *Callbacks) FireClose() {
	c.mu.RLock()
	f := c.onClose
	c.mu.RUnlock()
	if f != nil {
		f()
	}
}

func (c *Callbacks) FireError(err error) {
	c.mu.RLock()
	f := c.onError
	c.mu.RUnlock()
	if f != nil {
		f(err)
	}
}

// DRAIN_POLL is the interval at which Drain checks the buffered amount.
const DRAIN_POLL = 5 * time.Millisecond

// Drain blocks until everything sent on the transport has been handed to the
// network, or the context is done.
func Drain(ctx context.Context, t Transport) error {
	ticker := time.NewTicker(DRAIN_POLL)
	defer ticker.Stop()
	for t.BufferedAmount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
