package sink

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"github.com/klauspost/pgzip"
)

// Archive collects received files into a single gzip compressed tar archive.
// Every file is staged in a temporary file and only appended to the archive
// once complete, so discarded files leave no trace in it.
type Archive struct {
	mu     sync.Mutex
	out    *os.File
	buf    *bufio.Writer
	gw     *pgzip.Writer
	tw     *tar.Writer
	closed bool
}

// NewArchive creates the archive at the provided path.
func NewArchive(path string) (*Archive, error) {
	out, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(out)
	gw := pgzip.NewWriter(buf)
	return &Archive{
		out: out,
		buf: buf,
		gw:  gw,
		tw:  tar.NewWriter(gw),
	}, nil
}

func (a *Archive) Create(f transfer.FileDescriptor) (Writer, error) {
	name, err := RelPath(f)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", TEMP_FILE_PREFIX)
	if err != nil {
		return nil, fmt.Errorf("creating temporary file: %w", err)
	}
	return &archiveWriter{File: tmp, archive: a, name: name}, nil
}

// Close finishes the archive. Files completed afterwards are rejected.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.tw.Close(); err != nil {
		return err
	}
	if err := a.gw.Close(); err != nil {
		return err
	}
	if err := a.buf.Flush(); err != nil {
		return err
	}
	return a.out.Close()
}

func (a *Archive) add(name string, content *os.File) error {
	info, err := content.Stat()
	if err != nil {
		return err
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("archive closed")
	}
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     info.Size(),
		Mode:     0o644,
		ModTime:  time.Now(),
	}
	if err := a.tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(a.tw, content)
	return err
}

type archiveWriter struct {
	*os.File
	archive *Archive
	name    string
}

func (w *archiveWriter) Close() error {
	defer os.Remove(w.File.Name())
	defer w.File.Close()
	return w.archive.add(w.name, w.File)
}

func (w *archiveWriter) Discard() error {
	w.File.Close()
	return os.Remove(w.File.Name())
}
