package file

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"github.com/klauspost/pgzip"
)

// ---------------------------------------------------- Select Files ---------------------------------------------------

var ErrNoFiles = errors.New("no files selected")
var ErrDuplicatePath = errors.New("duplicate file path")

// Selection is an ordered set of local files to send. Directories are expanded
// into the regular files below them.
type Selection struct {
	Files   []transfer.FileDescriptor
	sources map[string]string
}

// Select walks the provided paths. Files keep their base name as relative path,
// files found below a directory keep their path relative to the directory's
// parent. Symlinks are replaced with the files they point to.
func Select(paths []string) (*Selection, error) {
	s := &Selection{sources: make(map[string]string)}
	for _, p := range paths {
		if err := s.add(p); err != nil {
			return nil, err
		}
	}
	if len(s.Files) == 0 {
		return nil, ErrNoFiles
	}
	return s, nil
}

// TotalSize is the sum of the sizes of the selected files.
func (s *Selection) TotalSize() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.Size
	}
	return total
}

// Open opens the local file behind a descriptor of the selection.
func (s *Selection) Open(f transfer.FileDescriptor) (io.ReadCloser, error) {
	src, ok := s.sources[f.Path]
	if !ok {
		return nil, fmt.Errorf("file '%s' not in selection", f.Path)
	}
	return os.Open(src)
}

func (s *Selection) add(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absoluteBase := filepath.Dir(absRoot)
	return filepath.Walk(root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("file '%s' not found", p)
		}
		src := p
		if (fi.Mode() & os.ModeSymlink) == os.ModeSymlink {
			// treat the symlink as the file it points to
			if src, err = filepath.EvalSymlinks(p); err != nil {
				return err
			}
			if fi, err = os.Stat(src); err != nil {
				return err
			}
			if fi.IsDir() {
				return fmt.Errorf("symlinked directory '%s' is not supported", p)
			}
		}
		if fi.IsDir() || !fi.Mode().IsRegular() {
			return nil
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		// remove the absolute root, leaving only the path below the selected parent
		rel := filepath.ToSlash(strings.TrimPrefix(abs, absoluteBase))
		rel = strings.TrimPrefix(rel, "/")
		if _, ok := s.sources[rel]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, rel)
		}
		s.sources[rel] = src
		s.Files = append(s.Files, transfer.FileDescriptor{
			Name: path.Base(rel),
			Size: fi.Size(),
			Path: rel,
		})
		return nil
	})
}

// ---------------------------------------------------- Unpack Files ---------------------------------------------------

var ErrUnpackNoHeader = errors.New("no header in tar archive")
var ErrUnpackFileExists = errors.New("file exists")
var ErrUninitialized = errors.New("unpacker is uninitialized")
var ErrUnsafePath = errors.New("archive entry escapes the destination")

// Unpacker defines an encapsulated unit for unpacking a compressed
// tar archive, such as the ones written by the archive sink.
type Unpacker struct {
	prompt bool // prompt defines whether we should report files that would be overwritten
	dst    string

	gr *pgzip.Reader
	tr *tar.Reader
	r  io.ReadCloser
}

func NewUnpacker(prompt bool, dst string, r io.ReadCloser) (*Unpacker, error) {
	gr, err := pgzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Unpacker{
		prompt: prompt,
		dst:    dst,
		gr:     gr,
		tr:     tar.NewReader(gr),
		r:      r,
	}, nil
}

// Close closes all underlying readers of the unpacker.
func (u *Unpacker) Close() error {
	if u.gr != nil {
		if err := u.gr.Close(); err != nil {
			return err
		}
	}
	if u.r != nil {
		if err := u.r.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Unpack resolves a Committer for the next entry of the archive, which can be
// used to write it to disk. If the unpacker is configured to prompt it returns
// ErrUnpackFileExists along with the committer when the file exists. Returns
// io.EOF once the archive has been fully consumed.
func (u *Unpacker) Unpack() (Committer, error) {
	if u.tr == nil {
		return nil, ErrUninitialized
	}
	header, err := u.tr.Next()
	switch {
	case err != nil:
		return nil, err
	case header == nil:
		return nil, ErrUnpackNoHeader
	}
	name := path.Clean(filepath.ToSlash(header.Name))
	if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return nil, fmt.Errorf("%w: %s", ErrUnsafePath, header.Name)
	}
	c := committer{
		dst:    u.dst,
		name:   name,
		tr:     u.tr,
		header: header,
	}
	if u.prompt && header.Typeflag == tar.TypeReg && fileExists(c.path()) {
		return &c, ErrUnpackFileExists
	}
	return &c, nil
}

// Committer defines a unit that can commit a file to disk
type Committer interface {
	FileName() string
	Commit() (int64, error)
}

type committer struct {
	dst    string
	name   string
	tr     *tar.Reader
	header *tar.Header
}

func (c *committer) FileName() string {
	return c.name
}

func (c *committer) path() string {
	return filepath.Join(c.dst, filepath.FromSlash(c.name))
}

func (c *committer) Commit() (int64, error) {
	p := c.path()
	switch c.header.Typeflag {
	case tar.TypeDir:
		return 0, os.MkdirAll(p, 0o755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return 0, err
		}
		f, err := os.Create(p)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		return io.Copy(f, c.tr)
	default:
		return 0, errors.New("unsupported file type")
	}
}

// ----------------------------------------------------- Utilities -----------------------------------------------------

// RemoveTemporaryFiles optimistically removes files with the specified prefix
// from the provided directory.
func RemoveTemporaryFiles(dir, prefix string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
