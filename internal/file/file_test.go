package file

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestSelect(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "single.txt"), "12345")
	write(t, filepath.Join(root, "photos", "a.jpg"), "aa")
	write(t, filepath.Join(root, "photos", "nested", "b.jpg"), "bbb")
	require.NoError(t, os.Symlink(filepath.Join(root, "single.txt"), filepath.Join(root, "photos", "link.txt")))

	s, err := Select([]string{filepath.Join(root, "single.txt"), filepath.Join(root, "photos")})
	require.NoError(t, err)

	var paths []string
	for _, f := range s.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"single.txt", "photos/a.jpg", "photos/link.txt", "photos/nested/b.jpg"}, paths)
	assert.Equal(t, "b.jpg", s.Files[3].Name)
	assert.Equal(t, int64(5+2+5+3), s.TotalSize())

	r, err := s.Open(s.Files[2])
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(b), "symlinks are sent as the file they point to")

	_, err = s.Open(s.Files[0])
	assert.NoError(t, err)
}

func TestSelectErrors(t *testing.T) {
	root := t.TempDir()
	_, err := Select([]string{filepath.Join(root, "missing")})
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))
	_, err = Select([]string{filepath.Join(root, "empty")})
	assert.ErrorIs(t, err, ErrNoFiles)

	write(t, filepath.Join(root, "one", "same.txt"), "1")
	write(t, filepath.Join(root, "two", "same.txt"), "2")
	_, err = Select([]string{filepath.Join(root, "one", "same.txt"), filepath.Join(root, "two", "same.txt")})
	assert.ErrorIs(t, err, ErrDuplicatePath)
}

func TestRemoveTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, ".dropzone-receive-123"), "x")
	write(t, filepath.Join(dir, "keep.txt"), "x")
	RemoveTemporaryFiles(dir, ".dropzone-receive-")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.txt", entries[0].Name())
}
