package commands

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SpatiumPortae/dropzone/internal/rendezvous"
	"github.com/SpatiumPortae/dropzone/internal/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestVersion(t *testing.T) {
	s := rendezvous.NewServer(0, "v1.2.3", rendezvous.WithLogger(zap.NewNop()))
	server := httptest.NewServer(s.Handler())
	defer server.Close()
	relay := strings.TrimPrefix(server.URL, "http://")

	t.Run("local only", func(t *testing.T) {
		out := &bytes.Buffer{}
		cmd := Version("v1.2.0")
		cmd.SetOut(out)
		cmd.SetArgs([]string{})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "v1.2.0\n", out.String())
	})
	t.Run("compatible relay", func(t *testing.T) {
		out := &bytes.Buffer{}
		cmd := Version("v1.2.0")
		cmd.SetOut(out)
		cmd.SetArgs([]string{"--relay", relay})
		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "rendezvous server: v1.2.3")
		assert.Contains(t, out.String(), "Server version (v1.2.3) newer")
	})
	t.Run("incompatible relay", func(t *testing.T) {
		cmd := Version("v2.0.0")
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--relay", relay})
		assert.ErrorIs(t, cmd.Execute(), semver.ErrIncompatible)
	})
}
