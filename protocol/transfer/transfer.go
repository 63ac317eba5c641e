// transfer.go specifies the frames of the chunked transfer protocol.
package transfer

import (
	"fmt"
	"strings"
)

// ChunkSize is the constant payload size of a DataChunk. It is not negotiated.
const ChunkSize = 16 * 1024

// FrameType tags the frame variants of the transfer protocol.
type FrameType byte

const (
	FrameUnknown FrameType = iota
	FrameHeader            // Announces the next file, its size and relative path
	FrameData              // A slice of the current file's content
	FrameEnd               // The current file is complete
	FrameAbort             // The sender gave up on the current file
)

// FileDescriptor describes a single file of a transfer.
type FileDescriptor struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Path string `json:"path,omitempty"` // slash separated path relative to the selection root
}

// Frame is implemented by Header, DataChunk, EndMarker and Abort. The set is closed.
type Frame interface {
	Type() FrameType
}

type Header struct {
	Seq  int    `json:"seq"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Path string `json:"path,omitempty"`
}

type DataChunk struct {
	Payload []byte
}

type EndMarker struct {
	Seq int `json:"seq"`
}

type Abort struct {
	Seq    int    `json:"seq"`
	Reason string `json:"reason,omitempty"`
}

func (Header) Type() FrameType    { return FrameHeader }
func (DataChunk) Type() FrameType { return FrameData }
func (EndMarker) Type() FrameType { return FrameEnd }
func (Abort) Type() FrameType     { return FrameAbort }

// Descriptor returns the file described by the header.
func (h Header) Descriptor() FileDescriptor {
	return FileDescriptor{Name: h.Name, Size: h.Size, Path: h.Path}
}

// HeaderFor builds the header announcing the provided file.
func HeaderFor(seq int, f FileDescriptor) Header {
	return Header{Seq: seq, Name: f.Name, Size: f.Size, Path: f.Path}
}

func (t FrameType) Name() string {
	switch t {
	case FrameHeader:
		return "Header"
	case FrameData:
		return "DataChunk"
	case FrameEnd:
		return "EndMarker"
	case FrameAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// ProtocolError is raised for frames that violate the single-file framing, or for
// files whose received size differs from the announced size. It only concerns the
// file it names.
type ProtocolError struct {
	Seq    int
	File   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error on file %d (%s): %s", e.Seq, e.File, e.Reason)
}

// SizeLabel formats a byte count with SI units, e.g. 1.5 MB.
func SizeLabel(b int64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	label := fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMGTPE"[exp])
	return strings.Replace(label, ".0 ", " ", 1)
}
