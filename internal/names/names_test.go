package names_test

import (
	"strings"
	"testing"

	"github.com/SpatiumPortae/dropzone/internal/names"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	for i := 0; i < 50; i++ {
		name, err := names.Generate()
		require.NoError(t, err)
		assert.True(t, names.IsGenerated(name), name)
		parts := strings.Split(name, "-")
		require.Len(t, parts, names.Length+1)
		assert.NotEqual(t, parts[0], parts[1])
	}
}

func TestIsGenerated(t *testing.T) {
	assert.True(t, names.IsGenerated("comet-vega-07"))
	assert.False(t, names.IsGenerated("laptop"))
	assert.False(t, names.IsGenerated("comet-7"))
}
