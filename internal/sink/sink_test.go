package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/SpatiumPortae/dropzone/internal/file"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelPath(t *testing.T) {
	tests := []struct {
		file transfer.FileDescriptor
		want string
		ok   bool
	}{
		{transfer.FileDescriptor{Name: "a.txt"}, "a.txt", true},
		{transfer.FileDescriptor{Name: "b.txt", Path: "dir/./sub/b.txt"}, "dir/sub/b.txt", true},
		{transfer.FileDescriptor{Name: "c.txt", Path: `dir\c.txt`}, "dir/c.txt", true},
		{transfer.FileDescriptor{Name: "x", Path: "../x"}, "", false},
		{transfer.FileDescriptor{Name: "x", Path: "dir/../../x"}, "", false},
		{transfer.FileDescriptor{Name: "x", Path: "/etc/passwd"}, "", false},
		{transfer.FileDescriptor{}, "", false},
	}
	for _, tc := range tests {
		got, err := RelPath(tc.file)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrUnsafePath, tc.file)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestDir(t *testing.T) {
	root := t.TempDir()
	d := Dir{Root: root}

	w, err := d.Create(transfer.FileDescriptor{Name: "b.txt", Path: "docs/b.txt", Size: 5})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	// Nothing is visible at the destination before Close.
	_, err = os.Stat(filepath.Join(root, "docs", "b.txt"))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, w.Close())

	b, err := os.ReadFile(filepath.Join(root, "docs", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	// A second file with the same path gets a numbered name.
	w, err = d.Create(transfer.FileDescriptor{Name: "b.txt", Path: "docs/b.txt", Size: 3})
	require.NoError(t, err)
	_, err = w.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	b, err = os.ReadFile(filepath.Join(root, "docs", "b (1).txt"))
	require.NoError(t, err)
	assert.Equal(t, "bye", string(b))

	// Discarded files leave nothing behind.
	w, err = d.Create(transfer.FileDescriptor{Name: "gone.txt", Size: 10})
	require.NoError(t, err)
	_, err = w.Write([]byte("part"))
	require.NoError(t, err)
	require.NoError(t, w.Discard())
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the docs directory remains")

	_, err = d.Create(transfer.FileDescriptor{Name: "x", Path: "../escape"})
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestDirOverwrite(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("old"), 0o644))
	w, err := Dir{Root: root, Overwrite: true}.Create(transfer.FileDescriptor{Name: "a.txt", Size: 3})
	require.NoError(t, err)
	_, err = w.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	b, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.tar.gz")
	a, err := NewArchive(archivePath)
	require.NoError(t, err)

	kept, err := a.Create(transfer.FileDescriptor{Name: "a.txt", Path: "x/a.txt", Size: 3})
	require.NoError(t, err)
	dropped, err := a.Create(transfer.FileDescriptor{Name: "b.txt", Size: 3})
	require.NoError(t, err)
	_, err = kept.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = dropped.Write([]byte("zz"))
	require.NoError(t, err)
	require.NoError(t, dropped.Discard())
	require.NoError(t, kept.Close())
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	out := t.TempDir()
	u, err := file.NewUnpacker(false, out, f)
	require.NoError(t, err)
	defer u.Close()

	c, err := u.Unpack()
	require.NoError(t, err)
	assert.Equal(t, "x/a.txt", c.FileName())
	n, err := c.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	_, err = u.Unpack()
	assert.Error(t, err, "the discarded file is not in the archive")

	b, err := os.ReadFile(filepath.Join(out, "x", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Materialize(transfer.FileDescriptor{Name: "b", Path: "d/b"}, []byte("2")))
	require.NoError(t, m.Materialize(transfer.FileDescriptor{Name: "a"}, []byte("1")))
	assert.Error(t, m.Materialize(transfer.FileDescriptor{Name: "x", Path: "../x"}, nil))

	assert.Equal(t, []string{"a", "d/b"}, m.Names())
	b, ok := m.Get("d/b")
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), b)
}
