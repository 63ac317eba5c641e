// rendezvous.go specifies the messages exchanged between peers and the rendezvous server.
package rendezvous

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/SpatiumPortae/dropzone/protocol/transfer"
)

type MsgType int

const (
	RendezvousToPeerWelcome MsgType = iota // An ID for this connection is bound and communicated
	PeerToRendezvousJoin                   // Peer announces its display name, registering it
	RendezvousToPeerPeers                  // Rendezvous broadcasts the current peer list (excluding the recipient)
	PeerToRendezvousLeave                  // Peer deregisters before closing the connection
	PeerToPeerSignal                       // Opaque transport signaling, relayed verbatim
	PeerToPeerRequest                      // Initiator asks the target to accept a set of files
	PeerToPeerAnswer                       // Target accepts or declines a request
)

// Msg is a single message on the rendezvous connection. The payload is kept raw so
// the server can relay peer-to-peer messages without decoding them.
type Msg struct {
	Type    MsgType         `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Body is implemented by every payload type. The set is closed.
type Body interface {
	msgType() MsgType
}

type Welcome struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

type Join struct {
	Name string `json:"name"`
}

type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Peers struct {
	Peers []Peer `json:"peers"`
}

type Leave struct{}

// Signal carries transport signaling data that only the two endpoints understand.
type Signal struct {
	Data json.RawMessage `json:"-"`
}

type TransferRequest struct {
	TransferID string                    `json:"transfer_id"`
	FileCount  int                       `json:"file_count"`
	TotalBytes int64                     `json:"total_bytes"`
	SizeLabel  string                    `json:"size_label"`
	Files      []transfer.FileDescriptor `json:"files,omitempty"`
}

type TransferAnswer struct {
	TransferID string `json:"transfer_id"`
	Accepted   bool   `json:"accepted"`
}

func (Welcome) msgType() MsgType         { return RendezvousToPeerWelcome }
func (Join) msgType() MsgType            { return PeerToRendezvousJoin }
func (Peers) msgType() MsgType           { return RendezvousToPeerPeers }
func (Leave) msgType() MsgType           { return PeerToRendezvousLeave }
func (Signal) msgType() MsgType          { return PeerToPeerSignal }
func (TransferRequest) msgType() MsgType { return PeerToPeerRequest }
func (TransferAnswer) msgType() MsgType  { return PeerToPeerAnswer }

// NewRequest builds a transfer request describing the provided files.
func NewRequest(transferID string, files []transfer.FileDescriptor) TransferRequest {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return TransferRequest{
		TransferID: transferID,
		FileCount:  len(files),
		TotalBytes: total,
		SizeLabel:  transfer.SizeLabel(total),
		Files:      files,
	}
}

// New encodes the body into a message addressed to the provided peer.
// The to argument is empty for messages handled by the rendezvous server itself.
func New(to string, body Body) (Msg, error) {
	msg := Msg{Type: body.msgType(), To: to}
	if s, ok := body.(Signal); ok {
		msg.Payload = s.Data
		return msg, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Msg{}, fmt.Errorf("encoding %s payload: %w", msg.Type.Name(), err)
	}
	msg.Payload = b
	return msg, nil
}

// Body decodes the payload into the concrete type matching the message type.
func (m Msg) Body() (Body, error) {
	var body Body
	switch m.Type {
	case RendezvousToPeerWelcome:
		var v Welcome
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", m.Type.Name(), err)
		}
		body = v
	case PeerToRendezvousJoin:
		var v Join
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", m.Type.Name(), err)
		}
		body = v
	case RendezvousToPeerPeers:
		var v Peers
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", m.Type.Name(), err)
		}
		body = v
	case PeerToRendezvousLeave:
		body = Leave{}
	case PeerToPeerSignal:
		body = Signal{Data: m.Payload}
	case PeerToPeerRequest:
		var v TransferRequest
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", m.Type.Name(), err)
		}
		body = v
	case PeerToPeerAnswer:
		var v TransferAnswer
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", m.Type.Name(), err)
		}
		body = v
	default:
		return nil, fmt.Errorf("unknown message type %d", m.Type)
	}
	return body, nil
}

// Relayed reports whether the message is addressed to another peer rather than the server.
func (t MsgType) Relayed() bool {
	switch t {
	case PeerToPeerSignal, PeerToPeerRequest, PeerToPeerAnswer:
		return true
	default:
		return false
	}
}

type Error struct {
	Expected []MsgType
	Got      MsgType
}

func (e Error) Error() string {
	var expectedMessageTypes []string
	for _, expectedType := range e.Expected {
		expectedMessageTypes = append(expectedMessageTypes, expectedType.Name())
	}
	oneOfExpected := strings.Join(expectedMessageTypes, ", ")
	return fmt.Sprintf("wrong message type, expected one of: (%s), got: (%s)", oneOfExpected, e.Got.Name())
}

func (t MsgType) Name() string {
	switch t {
	case RendezvousToPeerWelcome:
		return "RendezvousToPeerWelcome"
	case PeerToRendezvousJoin:
		return "PeerToRendezvousJoin"
	case RendezvousToPeerPeers:
		return "RendezvousToPeerPeers"
	case PeerToRendezvousLeave:
		return "PeerToRendezvousLeave"
	case PeerToPeerSignal:
		return "PeerToPeerSignal"
	case PeerToPeerRequest:
		return "PeerToPeerRequest"
	case PeerToPeerAnswer:
		return "PeerToPeerAnswer"
	default:
		return ""
	}
}
