// Package client connects a device to the rendezvous server and runs
// transfers with the other connected peers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/conn"
	"github.com/SpatiumPortae/dropzone/internal/discovery"
	"github.com/SpatiumPortae/dropzone/internal/logger"
	"github.com/SpatiumPortae/dropzone/internal/negotiator"
	"github.com/SpatiumPortae/dropzone/internal/transport"
	"github.com/SpatiumPortae/dropzone/internal/transport/webrtc"
	"github.com/SpatiumPortae/dropzone/protocol/rendezvous"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	RENDEZVOUS_ENDPOINT = "/ws"
	signalTimeout       = 5 * time.Second
)

var ErrAmbiguousPeer = errors.New("more than one peer with that name")

// Link is a transport brought up through signaling relayed by the rendezvous server.
type Link interface {
	transport.Transport
	// Start begins connecting, once handlers are registered.
	Start() error
	HandleSignal(json.RawMessage) error
}

// LinkFactory creates the link to a peer. Signaling data produced by the link
// is passed to signal.
type LinkFactory func(role transport.Role, signal func(json.RawMessage) error) (Link, error)

// WebRTCLinks creates links backed by WebRTC data channels.
func WebRTCLinks(stunServers []string, lgr *zap.Logger) LinkFactory {
	return func(role transport.Role, signal func(json.RawMessage) error) (Link, error) {
		return webrtc.New(role, signal, webrtc.Config{STUNServers: stunServers, Logger: lgr})
	}
}

// Config configures a client.
type Config struct {
	// Addr is the host:port of the rendezvous server. When empty, the server is
	// looked up on the local network.
	Addr  string
	Name  string
	Codec transfer.Codec
	Links LinkFactory
	// Notifier receives every user visible notification and error.
	Notifier       negotiator.Notifier
	ConnectTimeout time.Duration
	AnswerTimeout  time.Duration
	Logger         *zap.Logger
}

// Client is a peer connected to the rendezvous server.
type Client struct {
	cfg        Config
	id         string
	version    string
	ws         *conn.WS
	rc         conn.Rendezvous
	negotiator *negotiator.Negotiator
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	peers    []rendezvous.Peer
	gotPeers chan struct{}
	gotOnce  sync.Once
	updates  chan []rendezvous.Peer
	incoming chan negotiator.Incoming
	link     Link
	linkPeer string
	out      *outgoing
	in       *Transfer
	readErr  error
	closed   chan struct{}
}

// Connect joins the rendezvous server under the configured name.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	lgr := logger.OrNop(cfg.Logger).With(zap.String("component", "client"))
	if cfg.Codec == nil {
		cfg.Codec = transfer.TaggedCodec{}
	}
	if cfg.Links == nil {
		cfg.Links = WebRTCLinks(nil, cfg.Logger)
	}
	if cfg.Addr == "" {
		addr, err := discovery.Lookup(ctx, discovery.Config{})
		if err != nil {
			return nil, fmt.Errorf("looking up rendezvous server: %w", err)
		}
		lgr.Info("found rendezvous server", zap.String("address", addr))
		cfg.Addr = addr
	}

	ws, _, err := websocket.Dial(ctx, wsURL(cfg.Addr), nil)
	if err != nil {
		return nil, &transport.NetworkError{Op: "connect to rendezvous server", Err: err}
	}
	wsConn := conn.NewWS(ws)
	rc := conn.Rendezvous{Conn: wsConn}

	msg, err := rc.ReadMsg(ctx, rendezvous.RendezvousToPeerWelcome)
	if err != nil {
		wsConn.Close("handshake failed")
		return nil, &transport.NetworkError{Op: "rendezvous handshake", Err: err}
	}
	body, err := msg.Body()
	if err != nil {
		wsConn.Close("handshake failed")
		return nil, err
	}
	welcome := body.(rendezvous.Welcome)

	join, err := rendezvous.New("", rendezvous.Join{Name: cfg.Name})
	if err != nil {
		wsConn.Close("handshake failed")
		return nil, err
	}
	if err := rc.WriteMsg(ctx, join); err != nil {
		wsConn.Close("handshake failed")
		return nil, &transport.NetworkError{Op: "rendezvous handshake", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		id:       welcome.ID,
		version:  welcome.Version,
		ws:       wsConn,
		rc:       rc,
		logger:   lgr.With(zap.String("peer_id", welcome.ID)),
		ctx:      runCtx,
		cancel:   cancel,
		gotPeers: make(chan struct{}),
		updates:  make(chan []rendezvous.Peer, 1),
		incoming: make(chan negotiator.Incoming, 1),
		closed:   make(chan struct{}),
	}
	opts := []negotiator.Option{
		negotiator.WithLogger(cfg.Logger),
		negotiator.WithIncoming(c.onIncoming),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, negotiator.WithConnectTimeout(cfg.ConnectTimeout))
	}
	if cfg.AnswerTimeout > 0 {
		opts = append(opts, negotiator.WithAnswerTimeout(cfg.AnswerTimeout))
	}
	c.negotiator = negotiator.New(c, c, negotiator.NotifierFunc(c.onNotify), opts...)

	c.wg.Add(1)
	go c.readLoop()
	c.logger.Info("joined rendezvous server", zap.String("address", cfg.Addr), zap.String("server_version", welcome.Version))
	return c, nil
}

// ID is the id the rendezvous server assigned to this client.
func (c *Client) ID() string {
	return c.id
}

// ServerVersion is the version reported by the rendezvous server.
func (c *Client) ServerVersion() string {
	return c.version
}

func (c *Client) Negotiator() *negotiator.Negotiator {
	return c.negotiator
}

// Peers returns the last peer list received.
func (c *Client) Peers() []rendezvous.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rendezvous.Peer(nil), c.peers...)
}

// WaitPeers waits for the first peer list after joining.
func (c *Client) WaitPeers(ctx context.Context) ([]rendezvous.Peer, error) {
	select {
	case <-c.gotPeers:
		return c.Peers(), nil
	case <-c.closed:
		return nil, c.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PeerUpdates delivers peer lists as they arrive. Only the latest is kept when
// the reader falls behind.
func (c *Client) PeerUpdates() <-chan []rendezvous.Peer {
	return c.updates
}

// Incoming delivers transfer requests waiting to be accepted or declined.
func (c *Client) Incoming() <-chan negotiator.Incoming {
	return c.incoming
}

// Done is closed once the connection to the rendezvous server is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Resolve maps a peer id or display name to a peer id. Unknown targets are
// returned as is.
func (c *Client) Resolve(target string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matches []string
	for _, p := range c.peers {
		if p.ID == target {
			return p.ID, nil
		}
		if strings.EqualFold(p.Name, target) {
			matches = append(matches, p.ID)
		}
	}
	switch len(matches) {
	case 0:
		return target, nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousPeer, target)
	}
}

// Close leaves the rendezvous server and tears down any transfer.
func (c *Client) Close() error {
	c.negotiator.Cancel()
	leave, err := rendezvous.New("", rendezvous.Leave{})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		c.rc.WriteMsg(ctx, leave) //nolint:errcheck
		cancel()
	}
	c.cancel()
	err = c.ws.Close("leaving")
	c.wg.Wait()
	return err
}

// ------------------------------------------------------ Signaler -----------------------------------------------------

func (c *Client) SendRequest(ctx context.Context, to string, req rendezvous.TransferRequest) error {
	return c.write(ctx, to, req)
}

func (c *Client) SendAnswer(ctx context.Context, to string, answer rendezvous.TransferAnswer) error {
	return c.write(ctx, to, answer)
}

func (c *Client) write(ctx context.Context, to string, body rendezvous.Body) error {
	msg, err := rendezvous.New(to, body)
	if err != nil {
		return err
	}
	return c.rc.WriteMsg(ctx, msg)
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.closed)
	for {
		msg, err := c.rc.ReadMsg(c.ctx)
		if errors.Is(err, conn.ErrDecode) {
			c.logger.Warn("skipping malformed message", zap.Error(err))
			continue
		}
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, conn.ErrClosed) {
				c.logger.Warn("reading from rendezvous server", zap.Error(err))
			}
			c.mu.Lock()
			c.readErr = &transport.NetworkError{Op: "read from rendezvous server", Err: err}
			c.mu.Unlock()
			c.negotiator.Cancel()
			c.failTransfers(c.err())
			return
		}
		if err := c.handle(msg); err != nil {
			c.logger.Warn("handling message", zap.String("type", msg.Type.Name()), zap.Error(err))
		}
	}
}

func (c *Client) handle(msg rendezvous.Msg) error {
	body, err := msg.Body()
	if err != nil {
		return err
	}
	switch body := body.(type) {
	case rendezvous.Peers:
		c.mu.Lock()
		c.peers = body.Peers
		c.mu.Unlock()
		c.negotiator.UpdatePeers(body.Peers)
		c.gotOnce.Do(func() { close(c.gotPeers) })
		select {
		case <-c.updates:
		default:
		}
		c.updates <- body.Peers
	case rendezvous.TransferRequest:
		c.negotiator.HandleRequest(rendezvous.Peer{ID: msg.From}, body)
	case rendezvous.TransferAnswer:
		t, err := c.negotiator.HandleAnswer(c.ctx, msg.From, body)
		if err != nil {
			// Failures reach the pending transfer through the notifier.
			return nil
		}
		if t != nil {
			return c.start(t)
		}
	case rendezvous.Signal:
		c.mu.Lock()
		link, peer := c.link, c.linkPeer
		c.mu.Unlock()
		if link == nil || peer != msg.From {
			c.logger.Debug("dropping signal without matching link", zap.String("from", msg.From))
			return nil
		}
		return link.HandleSignal(body.Data)
	default:
		return fmt.Errorf("unexpected message %s", msg.Type.Name())
	}
	return nil
}

// newLink creates the link to the peer and routes its signaling through the
// rendezvous server. Signals for the previous link are dropped from here on.
func (c *Client) newLink(peerID string, role transport.Role) (Link, error) {
	link, err := c.cfg.Links(role, func(data json.RawMessage) error {
		ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
		defer cancel()
		return c.write(ctx, peerID, rendezvous.Signal{Data: data})
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.link, c.linkPeer = link, peerID
	c.mu.Unlock()
	return link, nil
}

func (c *Client) onIncoming(in negotiator.Incoming) {
	select {
	case c.incoming <- in:
	default:
		c.logger.Warn("incoming request not consumed, declining", zap.String("from", in.From.ID))
		go c.negotiator.Decline(c.ctx) //nolint:errcheck
	}
}

func (c *Client) onNotify(n negotiator.Notification) {
	if n.Err != nil {
		c.mu.Lock()
		out := c.out
		c.mu.Unlock()
		if out != nil && outgoingFailure(n.Err) {
			out.complete(nil, n.Err)
		}
	}
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.Notify(n)
	}
}

func outgoingFailure(err error) bool {
	var netErr *transport.NetworkError
	return errors.Is(err, negotiator.ErrDeclined) ||
		errors.Is(err, negotiator.ErrNoResponse) ||
		errors.Is(err, negotiator.ErrNegotiationTimeout) ||
		errors.Is(err, negotiator.ErrTargetNotFound) ||
		errors.As(err, &netErr)
}

func (c *Client) failTransfers(err error) {
	c.mu.Lock()
	out, in := c.out, c.in
	c.mu.Unlock()
	if out != nil {
		out.complete(nil, err)
	}
	if in != nil {
		in.complete(err)
	}
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return conn.ErrClosed
}

func wsURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return strings.TrimSuffix(addr, "/") + RENDEZVOUS_ENDPOINT
	}
	return fmt.Sprintf("ws://%s%s", addr, RENDEZVOUS_ENDPOINT)
}
