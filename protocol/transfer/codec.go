package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ControlThreshold is the size below which the heuristic codec tries to parse a
// message as a control frame.
const ControlThreshold = 1000

var ErrEmptyFrame = errors.New("empty frame")

// Codec converts frames to and from transport messages. Both endpoints of a
// transfer must use the same codec.
type Codec interface {
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
	Name() string
}

const (
	CodecTagged    = "tagged"
	CodecHeuristic = "heuristic"
)

// CodecByName resolves one of the codecs by its configuration name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecTagged:
		return TaggedCodec{}, nil
	case CodecHeuristic:
		return HeuristicCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown frame codec %q", name)
	}
}

// ------------------------------------------------------ Tagged -------------------------------------------------------

// TaggedCodec prefixes every message with its FrameType. Data frames carry the raw
// payload after the tag; control frames carry a JSON body.
type TaggedCodec struct{}

func (TaggedCodec) Name() string { return CodecTagged }

func (TaggedCodec) Encode(f Frame) ([]byte, error) {
	if chunk, ok := f.(DataChunk); ok {
		b := make([]byte, 1+len(chunk.Payload))
		b[0] = byte(FrameData)
		copy(b[1:], chunk.Payload)
		return b, nil
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type().Name(), err)
	}
	return append([]byte{byte(f.Type())}, body...), nil
}

func (TaggedCodec) Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return nil, ErrEmptyFrame
	}
	body := b[1:]
	switch FrameType(b[0]) {
	case FrameData:
		return DataChunk{Payload: body}, nil
	case FrameHeader:
		var h Header
		if err := json.Unmarshal(body, &h); err != nil {
			return nil, fmt.Errorf("decoding header frame: %w", err)
		}
		return h, nil
	case FrameEnd:
		var e EndMarker
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decoding end frame: %w", err)
		}
		return e, nil
	case FrameAbort:
		var a Abort
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("decoding abort frame: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown frame tag %#x", b[0])
	}
}

// ----------------------------------------------------- Heuristic -----------------------------------------------------

// HeuristicCodec sends control frames as small JSON objects and data frames as raw
// bytes. A message is only treated as control when it is smaller than
// ControlThreshold and parses as a known control object, so a small data chunk that
// happens to look like one is misread.
type HeuristicCodec struct{}

type control struct {
	Kind   string `json:"kind"`
	Seq    int    `json:"seq"`
	Name   string `json:"name,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const (
	kindHeader = "header"
	kindEnd    = "end"
	kindAbort  = "abort"
)

func (HeuristicCodec) Name() string { return CodecHeuristic }

func (HeuristicCodec) Encode(f Frame) ([]byte, error) {
	var c control
	switch f := f.(type) {
	case DataChunk:
		return f.Payload, nil
	case Header:
		c = control{Kind: kindHeader, Seq: f.Seq, Name: f.Name, Size: f.Size, Path: f.Path}
	case EndMarker:
		c = control{Kind: kindEnd, Seq: f.Seq}
	case Abort:
		c = control{Kind: kindAbort, Seq: f.Seq, Reason: f.Reason}
	default:
		return nil, fmt.Errorf("unsupported frame %T", f)
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type().Name(), err)
	}
	if len(b) >= ControlThreshold {
		return nil, fmt.Errorf("%s frame of %d bytes exceeds control threshold", f.Type().Name(), len(b))
	}
	return b, nil
}

func (HeuristicCodec) Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(b) >= ControlThreshold || b[0] != '{' {
		return DataChunk{Payload: b}, nil
	}
	var c control
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&c); err != nil || dec.More() {
		return DataChunk{Payload: b}, nil
	}
	switch c.Kind {
	case kindHeader:
		return Header{Seq: c.Seq, Name: c.Name, Size: c.Size, Path: c.Path}, nil
	case kindEnd:
		return EndMarker{Seq: c.Seq}, nil
	case kindAbort:
		return Abort{Seq: c.Seq, Reason: c.Reason}, nil
	default:
		return DataChunk{Payload: b}, nil
	}
}
