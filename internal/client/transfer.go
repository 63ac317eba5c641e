package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SpatiumPortae/dropzone/internal/negotiator"
	"github.com/SpatiumPortae/dropzone/internal/receiver"
	"github.com/SpatiumPortae/dropzone/internal/sender"
	"github.com/SpatiumPortae/dropzone/internal/sink"
	"github.com/SpatiumPortae/dropzone/internal/transport"
	"github.com/SpatiumPortae/dropzone/protocol/rendezvous"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"go.uber.org/zap"
)

var (
	ErrIncomplete    = errors.New("transport closed before all files were received")
	ErrNoDestination = errors.New("destination needs a sink or a materializer")
)

// Destination is where accepted files are written. Sink takes precedence over
// Materializer.
type Destination struct {
	Sink         sink.Sink
	Materializer sink.Materializer
}

// outgoing is the transfer started by Send.
type outgoing struct {
	files []transfer.FileDescriptor
	open  sender.Opener
	opts  []sender.Option

	once   sync.Once
	done   chan struct{}
	result sender.Result
	err    error
}

func (o *outgoing) complete(res *sender.Result, err error) {
	o.once.Do(func() {
		if res != nil {
			o.result = *res
		}
		o.err = err
		close(o.done)
	})
}

// Transfer is an accepted incoming transfer.
type Transfer struct {
	From    rendezvous.Peer
	Request rendezvous.TransferRequest

	dst      Destination
	opts     []receiver.Option
	receiver *receiver.Receiver

	mu       sync.Mutex
	finished int
	once     sync.Once
	done     chan struct{}
	err      error
}

// Wait blocks until the transfer is over and returns the outcome of every file.
func (t *Transfer) Wait(ctx context.Context) ([]receiver.Result, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.Results(), t.err
}

// Results returns the outcome of the files finished so far.
func (t *Transfer) Results() []receiver.Result {
	if t.receiver == nil {
		return nil
	}
	return t.receiver.Results()
}

func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

func (t *Transfer) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Send offers the files to the peer, identified by id or name, and sends them
// once accepted. It returns when the transfer is over. Sender options are
// applied to the underlying sender, except WithFileDone.
func (c *Client) Send(ctx context.Context, to string, files []transfer.FileDescriptor, open sender.Opener, opts ...sender.Option) (sender.Result, error) {
	id, err := c.Resolve(to)
	if err != nil {
		return sender.Result{}, err
	}
	out := &outgoing{files: files, open: open, opts: opts, done: make(chan struct{})}
	c.mu.Lock()
	if c.out != nil || c.in != nil {
		c.mu.Unlock()
		return sender.Result{}, negotiator.ErrBusy
	}
	c.out = out
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.out = nil
		c.mu.Unlock()
	}()

	if _, err := c.negotiator.Request(ctx, id, files); err != nil {
		return sender.Result{}, err
	}
	select {
	case <-out.done:
		return out.result, out.err
	case <-c.closed:
		return sender.Result{}, c.err()
	case <-ctx.Done():
		c.negotiator.Cancel()
		return sender.Result{}, ctx.Err()
	}
}

// Accept accepts the pending incoming request, writing files to dst.
// Receiver options are applied to the underlying receiver, except WithFileDone.
func (c *Client) Accept(ctx context.Context, dst Destination, opts ...receiver.Option) (*Transfer, error) {
	if dst.Sink == nil && dst.Materializer == nil {
		return nil, ErrNoDestination
	}
	from, req, ok := c.negotiator.Pending()
	if !ok {
		return nil, negotiator.ErrInvalidState
	}
	tr := &Transfer{From: from, Request: req, dst: dst, opts: opts, done: make(chan struct{})}
	c.mu.Lock()
	c.in = tr
	c.mu.Unlock()

	t, err := c.negotiator.Accept(ctx)
	if err != nil {
		c.clearIncoming(tr)
		tr.complete(err)
		return nil, err
	}
	if err := c.start(t); err != nil {
		c.clearIncoming(tr)
		tr.complete(err)
		return nil, err
	}
	go func() {
		<-tr.done
		c.clearIncoming(tr)
	}()
	return tr, nil
}

// Decline declines the pending incoming request.
func (c *Client) Decline(ctx context.Context) error {
	return c.negotiator.Decline(ctx)
}

// Dial creates the link to the peer for the transfer being negotiated.
func (c *Client) Dial(ctx context.Context, peerID string, role transport.Role) (transport.Transport, error) {
	link, err := c.newLink(peerID, role)
	if err != nil {
		return nil, err
	}
	link.OnError(func(err error) {
		c.logger.Warn("link error", zap.String("peer", peerID), zap.Error(err))
	})
	switch role {
	case transport.Initiator:
		c.mu.Lock()
		out := c.out
		c.mu.Unlock()
		if out == nil {
			link.Close()
			return nil, fmt.Errorf("no outgoing transfer for %s", peerID)
		}
		c.dialSender(link, out)
	default:
		c.mu.Lock()
		in := c.in
		c.mu.Unlock()
		if in == nil {
			link.Close()
			return nil, fmt.Errorf("no accepted transfer from %s", peerID)
		}
		c.dialReceiver(link, in)
	}
	return link, nil
}

func (c *Client) dialSender(link Link, out *outgoing) {
	link.OnOpen(func() {
		if err := c.negotiator.TransportOpened(); err != nil {
			return
		}
		go c.runSend(link, out)
	})
	link.OnClose(func() {
		if c.negotiator.State() == negotiator.Connecting {
			c.negotiator.Cancel()
			out.complete(nil, &transport.NetworkError{Op: "connect", Err: transport.ErrClosed})
		}
	})
}

func (c *Client) runSend(link Link, out *outgoing) {
	opts := append(append([]sender.Option(nil), out.opts...), sender.WithLogger(c.cfg.Logger), sender.WithCodec(c.cfg.Codec))
	res := sender.SendAll(c.ctx, link, out.open, out.files, opts...)
	if err := transport.Drain(c.ctx, link); err != nil {
		c.logger.Warn("draining link", zap.Error(err))
	}
	c.negotiator.Finish() //nolint:errcheck
	out.complete(&res, nil)
}

func (c *Client) dialReceiver(link Link, in *Transfer) {
	opts := append(append([]receiver.Option(nil), in.opts...),
		receiver.WithLogger(c.cfg.Logger),
		receiver.WithCodec(c.cfg.Codec),
		receiver.WithNotify(func(err error) {
			c.onNotify(negotiator.Notification{Message: err.Error(), Err: err})
		}),
		receiver.WithFileDone(func(receiver.Result) {
			in.mu.Lock()
			in.finished++
			all := in.finished >= in.Request.FileCount
			in.mu.Unlock()
			if all {
				// The handler runs on the link, close it from elsewhere.
				go func() {
					c.negotiator.Finish() //nolint:errcheck
					in.complete(nil)
				}()
			}
		}),
	)
	if in.dst.Sink != nil {
		in.receiver = receiver.New(in.dst.Sink, opts...)
	} else {
		in.receiver = receiver.NewMaterializing(in.dst.Materializer, opts...)
	}
	link.OnData(in.receiver.HandleData)
	link.OnOpen(func() {
		c.negotiator.TransportOpened() //nolint:errcheck
	})
	link.OnClose(func() {
		in.receiver.Close()
		in.mu.Lock()
		all := in.finished >= in.Request.FileCount
		in.mu.Unlock()
		if all {
			in.complete(nil)
			return
		}
		c.negotiator.Cancel()
		in.complete(ErrIncomplete)
	})
}

// start begins connecting the link returned by the negotiator.
func (c *Client) start(t transport.Transport) error {
	link, ok := t.(Link)
	if !ok {
		return fmt.Errorf("unexpected transport %T", t)
	}
	if err := link.Start(); err != nil {
		c.negotiator.Cancel()
		c.onNotify(negotiator.Notification{Message: err.Error(), Err: err})
		return err
	}
	return nil
}

func (c *Client) clearIncoming(tr *Transfer) {
	c.mu.Lock()
	if c.in == tr {
		c.in = nil
	}
	c.mu.Unlock()
}
