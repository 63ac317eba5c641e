package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/SpatiumPortae/dropzone/protocol/rendezvous"
	"nhooyr.io/websocket"
)

// ReadLimit bounds the size of a single message read from a websocket.
const ReadLimit = 1 << 20

// ErrClosed is returned by reads on a connection closed by the remote end.
var ErrClosed = errors.New("connection closed")

// ErrDecode is returned by ReadMsg when a message arrived intact but could not be
// decoded. The connection remains usable.
var ErrDecode = errors.New("decoding rendezvous message")

// Conn is an interface that wraps a message oriented network connection.
type Conn interface {
	Write(context.Context, []byte) error
	Read(context.Context) ([]byte, error)
}

// ------------------------------------------------- Conn implementations ----------------------------------------------

// WS is a wrapper around a websocket connection.
type WS struct {
	Conn *websocket.Conn
}

// NewWS wraps the websocket connection, raising its read limit.
func NewWS(c *websocket.Conn) *WS {
	c.SetReadLimit(ReadLimit)
	return &WS{Conn: c}
}

func (ws *WS) Write(ctx context.Context, payload []byte) error {
	return ws.Conn.Write(ctx, websocket.MessageText, payload)
}

// Read reads the next message. A normal closure by the remote end is reported as ErrClosed.
func (ws *WS) Read(ctx context.Context) ([]byte, error) {
	_, payload, err := ws.Conn.Read(ctx)
	switch {
	case err == nil:
		return payload, nil
	case errors.Is(err, io.EOF),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return nil, err
	}
}

// Close performs a normal websocket closure.
func (ws *WS) Close(reason string) error {
	return ws.Conn.Close(websocket.StatusNormalClosure, reason)
}

// ------------------------------------------------- Rendezvous Conn ---------------------------------------------------

// Rendezvous specifies a connection to, or from, the rendezvous server.
type Rendezvous struct {
	Conn Conn
}

// WriteMsg writes a rendezvous message to the underlying connection.
func (r Rendezvous) WriteMsg(ctx context.Context, msg rendezvous.Msg) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.Conn.Write(ctx, payload)
}

// ReadMsg reads a rendezvous message from the underlying connection. If expected
// message types are provided, any other type results in a rendezvous.Error.
func (r Rendezvous) ReadMsg(ctx context.Context, expected ...rendezvous.MsgType) (rendezvous.Msg, error) {
	b, err := r.Conn.Read(ctx)
	if err != nil {
		return rendezvous.Msg{}, err
	}
	var msg rendezvous.Msg
	if err := json.Unmarshal(b, &msg); err != nil {
		return rendezvous.Msg{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(expected) == 0 {
		return msg, nil
	}
	for _, t := range expected {
		if t == msg.Type {
			return msg, nil
		}
	}
	return rendezvous.Msg{}, rendezvous.Error{Expected: expected, Got: msg.Type}
}

// WriteRaw writes an already encoded message.
func (r Rendezvous) WriteRaw(ctx context.Context, b []byte) error {
	return r.Conn.Write(ctx, b)
}
