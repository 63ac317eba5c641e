package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/SpatiumPortae/dropzone/protocol/transfer"
)

const TEMP_FILE_PREFIX = ".dropzone-receive-"

// Dir writes files below a root directory, keeping their relative paths. Content
// goes to a temporary file next to the destination, which is renamed into place
// on Close. Existing files are kept, the new file gets a numbered name.
type Dir struct {
	Root      string
	Overwrite bool
}

func (d Dir) Create(f transfer.FileDescriptor) (Writer, error) {
	rel, err := RelPath(f)
	if err != nil {
		return nil, err
	}
	final := filepath.Join(d.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), TEMP_FILE_PREFIX)
	if err != nil {
		return nil, fmt.Errorf("creating temporary file: %w", err)
	}
	return &dirWriter{File: tmp, final: final, overwrite: d.Overwrite}, nil
}

type dirWriter struct {
	*os.File
	final     string
	overwrite bool
}

func (w *dirWriter) Close() error {
	if err := w.File.Sync(); err != nil {
		w.Discard()
		return err
	}
	if err := w.File.Close(); err != nil {
		os.Remove(w.File.Name())
		return err
	}
	dst := w.final
	if !w.overwrite {
		dst = available(dst)
	}
	if err := os.Rename(w.File.Name(), dst); err != nil {
		os.Remove(w.File.Name())
		return fmt.Errorf("moving file into place: %w", err)
	}
	return nil
}

func (w *dirWriter) Discard() error {
	w.File.Close()
	return os.Remove(w.File.Name())
}

// available returns p, or p with a number appended to its base name if a file
// already exists there.
func available(p string) string {
	if !exists(p) {
		return p
	}
	ext := filepath.Ext(p)
	base := strings.TrimSuffix(p, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return !os.IsNotExist(err)
}
