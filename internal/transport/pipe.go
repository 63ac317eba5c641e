package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pipe is an in-memory transport pair. Messages sent on one end are delivered,
// in order, to the data handler of the other end by a delivery goroutine, and
// count towards the buffered amount of the sending end until delivered.
type Pipe struct {
	A *End
	B *End

	closed atomic.Bool
	done   chan struct{}
}

// PipeOption configures a pipe.
type PipeOption func(*Pipe)

// WithLatency delays the delivery of every message, which lets the buffer of
// the sending end fill up.
func WithLatency(d time.Duration) PipeOption {
	return func(p *Pipe) {
		p.A.latency = d
		p.B.latency = d
	}
}

// NewPipe returns a connected pair. Neither end is open until Open is called.
func NewPipe(opts ...PipeOption) *Pipe {
	p := &Pipe{done: make(chan struct{})}
	p.A = newEnd(p)
	p.B = newEnd(p)
	p.A.peer, p.B.peer = p.B, p.A
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open fires the open handlers of both ends, then starts delivery. Messages
// sent from an open handler are delivered once both ends know they are open.
func (p *Pipe) Open() {
	var opened []*End
	for _, e := range []*End{p.A, p.B} {
		e.mu.Lock()
		if !e.open && !e.closed {
			e.open = true
			opened = append(opened, e)
		}
		e.mu.Unlock()
	}
	for _, e := range opened {
		e.FireOpen()
	}
	for _, e := range opened {
		go e.deliver()
	}
}

// Close tears down both ends. Undelivered messages are lost. The close
// handlers fire once, after teardown, and may themselves call Close.
func (p *Pipe) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	for _, e := range []*End{p.A, p.B} {
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		e.buffered = 0
		e.cond.Broadcast()
		e.mu.Unlock()
	}
	p.A.FireClose()
	p.B.FireClose()
}

// Done is closed once the pipe is closed.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// End is one side of a Pipe. It implements Transport and LowBufferNotifier.
type End struct {
	Callbacks
	pipe *Pipe
	peer *End

	mu          sync.Mutex
	cond        *sync.Cond
	queue       [][]byte
	buffered    uint64
	maxBuffered uint64
	threshold   uint64
	onLow       func()
	latency     time.Duration
	open        bool
	closed      bool
}

func newEnd(p *Pipe) *End {
	e := &End{pipe: p}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *End) Send(b []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return &NetworkError{Op: "send", Err: ErrClosed}
	case !e.open:
		return &NetworkError{Op: "send", Err: ErrNotOpen}
	}
	msg := make([]byte, len(b))
	copy(msg, b)
	e.queue = append(e.queue, msg)
	e.buffered += uint64(len(msg))
	if e.buffered > e.maxBuffered {
		e.maxBuffered = e.buffered
	}
	e.cond.Signal()
	return nil
}

func (e *End) BufferedAmount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffered
}

// MaxBufferedAmount is the highest buffered amount observed since the pipe was created.
func (e *End) MaxBufferedAmount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxBuffered
}

func (e *End) SetBufferedAmountLowThreshold(th uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threshold = th
}

func (e *End) OnBufferedAmountLow(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLow = f
}

// Close closes the whole pipe, as closing a connection does for both peers.
func (e *End) Close() error {
	e.pipe.Close()
	return nil
}

func (e *End) deliver() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		msg := e.queue[0]
		e.queue = e.queue[1:]
		latency := e.latency
		e.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-e.pipe.done:
				return
			}
		}
		e.peer.FireData(msg)

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		before := e.buffered
		e.buffered -= uint64(len(msg))
		onLow := e.onLow
		crossed := before > e.threshold && e.buffered <= e.threshold
		e.mu.Unlock()
		if crossed && onLow != nil {
			onLow()
		}
	}
}
