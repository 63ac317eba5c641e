package semver_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/SpatiumPortae/dropzone/internal/rendezvous"
	"github.com/SpatiumPortae/dropzone/internal/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParse(t *testing.T) {
	t.Run("positive", func(t *testing.T) {
		for _, s := range []string{"v0.0.1", "v10.24.30"} {
			ver, err := semver.Parse(s)
			assert.NoError(t, err)
			assert.Equal(t, s, ver.String())
		}
	})
	t.Run("negative", func(t *testing.T) {
		for name, s := range map[string]string{
			"no leading v":     "0.0.1",
			"major leading 0":  "v01.0.1",
			"minor leading 0":  "v0.01.1",
			"patch leading 0":  "v0.1.01",
			"pre-release":      "v0.1.1-rc1",
			"missing segments": "v1.2",
		} {
			_, err := semver.Parse(s)
			assert.ErrorIs(t, err, semver.ErrParse, name)
		}
	})
}

func TestCompare(t *testing.T) {
	sv, err := semver.Parse("v1.1.1")
	require.NoError(t, err)
	tests := []struct {
		oracle string
		want   semver.Comparison
	}{
		{"v2.0.0", semver.CompareOldMajor},
		{"v0.0.0", semver.CompareNewMajor},
		{"v1.2.0", semver.CompareOldMinor},
		{"v1.0.0", semver.CompareNewMinor},
		{"v1.1.2", semver.CompareOldPatch},
		{"v1.1.0", semver.CompareNewPatch},
		{"v1.1.1", semver.CompareEqual},
	}
	for _, tc := range tests {
		t.Run(tc.oracle, func(t *testing.T) {
			oracle, err := semver.Parse(tc.oracle)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sv.Compare(oracle))
		})
	}
}

func TestCheck(t *testing.T) {
	t.Run("incompatible major", func(t *testing.T) {
		_, err := semver.Check("v2.0.0", "v1.4.0")
		assert.ErrorIs(t, err, semver.ErrIncompatible)
	})
	t.Run("older server", func(t *testing.T) {
		msg, err := semver.Check("v1.2.0", "v1.1.9")
		assert.NoError(t, err)
		assert.Contains(t, msg, "newer than server version (v1.1.9)")
	})
	t.Run("newer server", func(t *testing.T) {
		msg, err := semver.Check("v1.1.0", "v1.1.1")
		assert.NoError(t, err)
		assert.Contains(t, msg, "Server version (v1.1.1) newer")
	})
	t.Run("equal", func(t *testing.T) {
		msg, err := semver.Check("v1.1.0", "v1.1.0")
		assert.NoError(t, err)
		assert.Contains(t, msg, "compatible")
	})
	t.Run("development build", func(t *testing.T) {
		msg, err := semver.Check("devel", "v1.1.0")
		assert.NoError(t, err)
		assert.Empty(t, msg)
	})
}

func TestGetRendezvousVersion(t *testing.T) {
	s := rendezvous.NewServer(0, "v1.3.0", rendezvous.WithLogger(zap.NewNop()))
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	version, err := semver.GetRendezvousVersion(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "v1.3.0", version)
}
