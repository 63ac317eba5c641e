package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/SpatiumPortae/dropzone/internal/file"
	"github.com/SpatiumPortae/dropzone/internal/sink"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "received.tar.gz")
	archive, err := sink.NewArchive(path)
	require.NoError(t, err)
	for name, content := range files {
		w, err := archive.Create(transfer.FileDescriptor{Name: filepath.Base(name), Path: name, Size: int64(len(content))})
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	require.NoError(t, archive.Close())
	return path
}

func TestUnpackAll(t *testing.T) {
	path := writeArchive(t, map[string]string{"a.txt": "hello", "dir/b.txt": "world!"})
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "a.txt"), []byte("old"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	u, err := file.NewUnpacker(true, dst, f)
	require.NoError(t, err)
	defer u.Close()

	var asked []string
	n, size, err := unpackAll(u, func(name string) (bool, error) {
		asked = append(asked, name)
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, asked)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 6, size)

	b, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
	b, err = os.ReadFile(filepath.Join(dst, "dir", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world!", string(b))
}
