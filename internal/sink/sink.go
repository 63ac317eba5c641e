// Package sink specifies where received files end up.
package sink

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/SpatiumPortae/dropzone/protocol/transfer"
)

var ErrUnsafePath = errors.New("unsafe file path")

// Writer receives the content of a single file. Close commits the file,
// Discard drops it. Exactly one of them is called.
type Writer interface {
	io.Writer
	Close() error
	Discard() error
}

// Sink creates a streaming writer per received file.
type Sink interface {
	Create(transfer.FileDescriptor) (Writer, error)
}

// Materializer is the fallback for destinations that cannot stream: the
// receiver accumulates the whole file and hands it over once complete.
type Materializer interface {
	Materialize(transfer.FileDescriptor, []byte) error
}

// RelPath returns the cleaned, slash separated path of the file relative to
// the destination root. Absolute paths and paths escaping the root are rejected.
func RelPath(f transfer.FileDescriptor) (string, error) {
	p := f.Path
	if p == "" {
		p = f.Name
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || path.IsAbs(p) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	return clean, nil
}
