// Package negotiator implements the state machine two peers go through to agree
// on a transfer and bring up the transport carrying it.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/logger"
	"github.com/SpatiumPortae/dropzone/internal/transport"
	"github.com/SpatiumPortae/dropzone/protocol/rendezvous"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DEFAULT_CONNECT_TIMEOUT = 10 * time.Second
	DEFAULT_ANSWER_TIMEOUT  = 60 * time.Second
	// signalTimeout bounds answers sent outside of a caller context.
	signalTimeout = 5 * time.Second
)

var (
	ErrNegotiationTimeout = errors.New("transport did not open in time")
	ErrTargetNotFound     = errors.New("target peer not found")
	ErrNoResponse         = errors.New("no response to transfer request")
	ErrDeclined           = errors.New("transfer request declined")
	ErrBusy               = errors.New("a transfer is already in progress")
	ErrInvalidState       = errors.New("operation not allowed in current state")
)

type State int

const (
	Idle State = iota
	RequestSent
	RequestReceived
	Connecting
	Transferring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case RequestSent:
		return "RequestSent"
	case RequestReceived:
		return "RequestReceived"
	case Connecting:
		return "Connecting"
	case Transferring:
		return "Transferring"
	default:
		return "Unknown"
	}
}

// Signaler sends negotiation messages to another peer through the relay.
type Signaler interface {
	SendRequest(ctx context.Context, to string, req rendezvous.TransferRequest) error
	SendAnswer(ctx context.Context, to string, answer rendezvous.TransferAnswer) error
}

// Dialer creates the transport to a peer. Handlers of the returned transport
// are expected to be registered by the dialer.
type Dialer interface {
	Dial(ctx context.Context, peerID string, role transport.Role) (transport.Transport, error)
}

// Notification is a transient, user visible message.
type Notification struct {
	Message string
	Err     error
}

type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Incoming is a transfer request waiting for the user to accept or decline it.
type Incoming struct {
	From    rendezvous.Peer
	Request rendezvous.TransferRequest
}

type Option func(*Negotiator)

func WithConnectTimeout(d time.Duration) Option {
	return func(n *Negotiator) {
		n.connectTimeout = d
	}
}

func WithAnswerTimeout(d time.Duration) Option {
	return func(n *Negotiator) {
		n.answerTimeout = d
	}
}

// WithObserver registers a function called on every state change. It runs with
// the negotiator locked and must not call back into it.
func WithObserver(f func(from, to State)) Option {
	return func(n *Negotiator) {
		n.observer = f
	}
}

// WithIncoming registers a function called when a request is received while idle.
func WithIncoming(f func(Incoming)) Option {
	return func(n *Negotiator) {
		n.incoming = f
	}
}

func WithLogger(lgr *zap.Logger) Option {
	return func(n *Negotiator) {
		n.logger = lgr
	}
}

// pending is the negotiation in progress.
type pending struct {
	id      string
	peer    rendezvous.Peer
	request rendezvous.TransferRequest
}

// Negotiator drives one transfer at a time:
//
//	initiator: Idle -> RequestSent -> Connecting -> Transferring -> Idle, or back to Idle when declined
//	receiver:  Idle -> RequestReceived -> Connecting -> Transferring -> Idle, or back to Idle when declined
//
// RequestSent and Connecting are bounded by timeouts, Transferring never times out.
type Negotiator struct {
	signaler Signaler
	dialer   Dialer
	notifier Notifier

	connectTimeout time.Duration
	answerTimeout  time.Duration
	observer       func(from, to State)
	incoming       func(Incoming)
	logger         *zap.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	peers     map[string]rendezvous.Peer
	pending   pending
	transport transport.Transport
	timer     *time.Timer
}

func New(signaler Signaler, dialer Dialer, notifier Notifier, opts ...Option) *Negotiator {
	n := &Negotiator{
		signaler:       signaler,
		dialer:         dialer,
		notifier:       notifier,
		connectTimeout: DEFAULT_CONNECT_TIMEOUT,
		answerTimeout:  DEFAULT_ANSWER_TIMEOUT,
		peers:          make(map[string]rendezvous.Peer),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = logger.OrNop(n.logger).With(zap.String("component", "negotiator"))
	return n
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Pending returns the peer and request of the negotiation in progress.
func (n *Negotiator) Pending() (rendezvous.Peer, rendezvous.TransferRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Idle {
		return rendezvous.Peer{}, rendezvous.TransferRequest{}, false
	}
	return n.pending.peer, n.pending.request, true
}

// UpdatePeers replaces the last peer list received from the rendezvous server.
func (n *Negotiator) UpdatePeers(peers []rendezvous.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = make(map[string]rendezvous.Peer, len(peers))
	for _, p := range peers {
		n.peers[p.ID] = p
	}
}

// Request asks the peer to accept the files. The outcome arrives later through
// HandleAnswer, or as ErrNoResponse once the answer timeout expires.
func (n *Negotiator) Request(ctx context.Context, to string, files []transfer.FileDescriptor) (rendezvous.TransferRequest, error) {
	n.mu.Lock()
	if n.state != Idle {
		n.mu.Unlock()
		return rendezvous.TransferRequest{}, ErrBusy
	}
	peer, ok := n.peers[to]
	if !ok {
		n.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrTargetNotFound, to)
		n.notify("", err)
		return rendezvous.TransferRequest{}, err
	}
	req := rendezvous.NewRequest(uuid.NewString(), files)
	n.pending = pending{id: req.TransferID, peer: peer, request: req}
	gen := n.transition(RequestSent)
	n.armLocked(gen, n.answerTimeout, RequestSent, ErrNoResponse)
	n.mu.Unlock()

	if err := n.signaler.SendRequest(ctx, to, req); err != nil {
		err = &transport.NetworkError{Op: "send request", Err: err}
		n.reset(gen, err)
		return rendezvous.TransferRequest{}, err
	}
	n.logger.Info("transfer requested", zap.String("to", to), zap.String("transfer_id", req.TransferID))
	return req, nil
}

// HandleRequest handles a request relayed from another peer. Requests arriving
// while a negotiation is in progress are declined automatically.
func (n *Negotiator) HandleRequest(from rendezvous.Peer, req rendezvous.TransferRequest) {
	n.mu.Lock()
	if n.state != Idle {
		n.mu.Unlock()
		n.logger.Info("declining request while busy", zap.String("from", from.ID), zap.String("transfer_id", req.TransferID))
		go n.answer(context.Background(), from.ID, req.TransferID, false)
		return
	}
	if known, ok := n.peers[from.ID]; ok && from.Name == "" {
		from = known
	}
	n.pending = pending{id: req.TransferID, peer: from, request: req}
	n.transition(RequestReceived)
	n.mu.Unlock()

	n.notify(fmt.Sprintf("%s wants to send %d files (%s)", displayName(from), req.FileCount, req.SizeLabel), nil)
	if n.incoming != nil {
		n.incoming(Incoming{From: from, Request: req})
	}
}

// Accept accepts the received request. The transport is created before the
// acceptance is sent, so it is ready when the initiator starts connecting.
func (n *Negotiator) Accept(ctx context.Context) (transport.Transport, error) {
	n.mu.Lock()
	if n.state != RequestReceived {
		n.mu.Unlock()
		return nil, ErrInvalidState
	}
	p := n.pending
	gen := n.transition(Connecting)
	n.armLocked(gen, n.connectTimeout, Connecting, ErrNegotiationTimeout)
	n.mu.Unlock()

	t, err := n.dialer.Dial(ctx, p.peer.ID, transport.Responder)
	if err != nil {
		err = &transport.NetworkError{Op: "create transport", Err: err}
		n.reset(gen, err)
		n.answer(ctx, p.peer.ID, p.id, false)
		return nil, err
	}
	if !n.adopt(gen, t) {
		return nil, ErrNegotiationTimeout
	}
	if err := n.answer(ctx, p.peer.ID, p.id, true); err != nil {
		n.reset(gen, err)
		return nil, err
	}
	return t, nil
}

// Decline declines the received request. No transport is created.
func (n *Negotiator) Decline(ctx context.Context) error {
	n.mu.Lock()
	if n.state != RequestReceived {
		n.mu.Unlock()
		return ErrInvalidState
	}
	p := n.pending
	n.toIdleLocked()
	n.mu.Unlock()
	return n.answer(ctx, p.peer.ID, p.id, false)
}

// HandleAnswer handles the answer to our request. Answers that do not match the
// pending request are ignored. On acceptance the initiating transport is created.
func (n *Negotiator) HandleAnswer(ctx context.Context, from string, answer rendezvous.TransferAnswer) (transport.Transport, error) {
	n.mu.Lock()
	if n.state != RequestSent || answer.TransferID != n.pending.id || from != n.pending.peer.ID {
		n.mu.Unlock()
		n.logger.Debug("ignoring answer", zap.String("from", from), zap.String("transfer_id", answer.TransferID))
		return nil, nil
	}
	p := n.pending
	if !answer.Accepted {
		n.toIdleLocked()
		n.mu.Unlock()
		err := fmt.Errorf("%w by %s", ErrDeclined, displayName(p.peer))
		n.notify("", err)
		return nil, err
	}
	gen := n.transition(Connecting)
	n.armLocked(gen, n.connectTimeout, Connecting, ErrNegotiationTimeout)
	n.mu.Unlock()

	t, err := n.dialer.Dial(ctx, p.peer.ID, transport.Initiator)
	if err != nil {
		err = &transport.NetworkError{Op: "create transport", Err: err}
		n.reset(gen, err)
		return nil, err
	}
	if !n.adopt(gen, t) {
		return nil, ErrNegotiationTimeout
	}
	return t, nil
}

// TransportOpened moves a connecting negotiation to transferring.
func (n *Negotiator) TransportOpened() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Connecting {
		return ErrInvalidState
	}
	n.stopTimerLocked()
	n.transition(Transferring)
	return nil
}

// Finish ends the transfer, closing the transport.
func (n *Negotiator) Finish() error {
	n.mu.Lock()
	if n.state != Transferring {
		n.mu.Unlock()
		return ErrInvalidState
	}
	t := n.toIdleLocked()
	n.mu.Unlock()
	if t != nil {
		t.Close()
	}
	return nil
}

// Cancel tears down any negotiation or transfer and returns to idle.
func (n *Negotiator) Cancel() {
	n.mu.Lock()
	if n.state == Idle {
		n.mu.Unlock()
		return
	}
	t := n.toIdleLocked()
	n.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

// transition changes state and returns the generation of the new state. Must be
// called with the lock held.
func (n *Negotiator) transition(to State) uint64 {
	from := n.state
	n.state = to
	n.gen++
	n.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if n.observer != nil {
		n.observer(from, to)
	}
	return n.gen
}

func (n *Negotiator) toIdleLocked() transport.Transport {
	n.stopTimerLocked()
	t := n.transport
	n.transport = nil
	n.pending = pending{}
	n.transition(Idle)
	return t
}

// armLocked fails the negotiation with err unless it left state within d.
func (n *Negotiator) armLocked(gen uint64, d time.Duration, state State, err error) {
	n.stopTimerLocked()
	n.timer = time.AfterFunc(d, func() {
		n.mu.Lock()
		if n.gen != gen || n.state != state {
			n.mu.Unlock()
			return
		}
		t := n.toIdleLocked()
		n.mu.Unlock()
		if t != nil {
			t.Close()
		}
		n.notify("", err)
	})
}

func (n *Negotiator) stopTimerLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

// adopt stores the transport if the negotiation is still the one it was created
// for, otherwise the transport is closed.
func (n *Negotiator) adopt(gen uint64, t transport.Transport) bool {
	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		t.Close()
		return false
	}
	n.transport = t
	n.mu.Unlock()
	return true
}

// reset returns to idle if still in the negotiation of gen, and reports err.
func (n *Negotiator) reset(gen uint64, err error) {
	n.mu.Lock()
	var t transport.Transport
	if n.gen == gen {
		t = n.toIdleLocked()
	}
	n.mu.Unlock()
	if t != nil {
		t.Close()
	}
	n.notify("", err)
}

func (n *Negotiator) answer(ctx context.Context, to, id string, accepted bool) error {
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	if err := n.signaler.SendAnswer(ctx, to, rendezvous.TransferAnswer{TransferID: id, Accepted: accepted}); err != nil {
		err = &transport.NetworkError{Op: "send answer", Err: err}
		n.logger.Warn("sending answer", zap.Error(err))
		return err
	}
	return nil
}

func (n *Negotiator) notify(msg string, err error) {
	if err != nil {
		n.logger.Warn("negotiation failed", zap.Error(err))
		if msg == "" {
			msg = err.Error()
		}
	}
	if n.notifier != nil {
		n.notifier.Notify(Notification{Message: msg, Err: err})
	}
}

func displayName(p rendezvous.Peer) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
