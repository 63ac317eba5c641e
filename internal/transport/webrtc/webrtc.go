// Package webrtc implements the transport on top of a WebRTC data channel. The
// signaling messages it produces are opaque to the rendezvous server, which
// relays them between the two endpoints.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SpatiumPortae/dropzone/internal/logger"
	"github.com/SpatiumPortae/dropzone/internal/transport"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const CHANNEL_LABEL = "dropzone"

const (
	kindOffer     = "offer"
	kindAnswer    = "answer"
	kindCandidate = "candidate"
)

// SignalFunc delivers a signaling payload to the remote endpoint.
type SignalFunc func(data json.RawMessage) error

// Config configures the peer connection.
type Config struct {
	// STUNServers are used to gather server reflexive candidates. Without any,
	// only host candidates are used, which is enough on a shared network.
	STUNServers []string
	Logger      *zap.Logger
}

type signal struct {
	Kind      string                   `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Transport is a transport.Transport backed by a single ordered, reliable data channel.
type Transport struct {
	transport.Callbacks

	role   transport.Role
	pc     *webrtc.PeerConnection
	signal SignalFunc
	logger *zap.Logger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	threshold uint64
	onLow     func()

	closed atomic.Bool
}

// New creates the peer connection. The initiator creates the data channel, the
// responder waits for it. Nothing is sent before Start.
func New(role transport.Role, signalFn SignalFunc, config Config) (*Transport, error) {
	lgr := logger.OrNop(config.Logger).With(zap.String("component", "webrtc"), zap.Stringer("role", role))
	var iceServers []webrtc.ICEServer
	if len(config.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: config.STUNServers})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, &transport.NetworkError{Op: "create peer connection", Err: err}
	}
	t := &Transport{
		role:   role,
		pc:     pc,
		signal: signalFn,
		logger: lgr,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := t.send(signal{Kind: kindCandidate, Candidate: &init}); err != nil {
			t.logger.Warn("sending ice candidate", zap.Error(err))
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state changed", zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateFailed:
			t.FireError(&transport.NetworkError{Op: "connect", Err: errors.New("peer connection failed")})
			t.Close()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			t.Close()
		}
	})

	if role == transport.Initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(CHANNEL_LABEL, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, &transport.NetworkError{Op: "create data channel", Err: err}
		}
		t.attach(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != CHANNEL_LABEL {
				t.logger.Warn("ignoring unexpected data channel", zap.String("label", dc.Label()))
				return
			}
			t.attach(dc)
		})
	}
	return t, nil
}

// Start sends the offer when initiating. Handlers must be registered before.
func (t *Transport) Start() error {
	if t.role != transport.Initiator {
		return nil
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return &transport.NetworkError{Op: "create offer", Err: err}
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return &transport.NetworkError{Op: "set local description", Err: err}
	}
	return t.send(signal{Kind: kindOffer, SDP: offer.SDP})
}

// HandleSignal applies a signaling payload received from the remote endpoint.
func (t *Transport) HandleSignal(data json.RawMessage) error {
	var s signal
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding signal: %w", err)
	}
	switch s.Kind {
	case kindOffer:
		if t.role != transport.Responder {
			return fmt.Errorf("unexpected offer for %s", t.role)
		}
		if err := t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}); err != nil {
			return err
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return &transport.NetworkError{Op: "create answer", Err: err}
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return &transport.NetworkError{Op: "set local description", Err: err}
		}
		return t.send(signal{Kind: kindAnswer, SDP: answer.SDP})
	case kindAnswer:
		if t.role != transport.Initiator {
			return fmt.Errorf("unexpected answer for %s", t.role)
		}
		return t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP})
	case kindCandidate:
		if s.Candidate == nil {
			return errors.New("candidate signal without candidate")
		}
		t.mu.Lock()
		if !t.remoteSet {
			t.pending = append(t.pending, *s.Candidate)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		if err := t.pc.AddICECandidate(*s.Candidate); err != nil {
			return &transport.NetworkError{Op: "add ice candidate", Err: err}
		}
		return nil
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
}

func (t *Transport) Send(b []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return &transport.NetworkError{Op: "send", Err: transport.ErrNotOpen}
	}
	if err := dc.Send(b); err != nil {
		return &transport.NetworkError{Op: "send", Err: err}
	}
	return nil
}

func (t *Transport) BufferedAmount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dc == nil {
		return 0
	}
	return t.dc.BufferedAmount()
}

func (t *Transport) SetBufferedAmountLowThreshold(th uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threshold = th
	if t.dc != nil {
		t.dc.SetBufferedAmountLowThreshold(th)
	}
}

func (t *Transport) OnBufferedAmountLow(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLow = f
	if t.dc != nil {
		t.dc.OnBufferedAmountLow(f)
	}
}

// Close tears down the data channel and the peer connection. The close handler
// fires once, after teardown, and may itself call Close.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc != nil {
		dc.Close()
	}
	// Closing the peer connection waits on its own goroutines, keep it off the caller.
	go func() {
		if cerr := t.pc.Close(); cerr != nil {
			t.logger.Debug("closing peer connection", zap.Error(cerr))
		}
	}()
	t.FireClose()
	return nil
}

func (t *Transport) attach(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	dc.SetBufferedAmountLowThreshold(t.threshold)
	if t.onLow != nil {
		dc.OnBufferedAmountLow(t.onLow)
	}
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.logger.Debug("data channel open", zap.String("label", dc.Label()))
		t.FireOpen()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.FireData(msg.Data)
	})
	dc.OnError(func(err error) {
		t.FireError(&transport.NetworkError{Op: "data channel", Err: err})
	})
	dc.OnClose(func() {
		t.logger.Debug("data channel closed", zap.String("label", dc.Label()))
		t.Close()
	})
}

func (t *Transport) setRemote(sd webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return &transport.NetworkError{Op: "set remote description", Err: err}
	}
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			return &transport.NetworkError{Op: "add ice candidate", Err: err}
		}
	}
	return nil
}

func (t *Transport) send(s signal) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := t.signal(b); err != nil {
		return &transport.NetworkError{Op: "signal", Err: err}
	}
	return nil
}
