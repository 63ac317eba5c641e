package tui

import (
	"testing"

	"github.com/SpatiumPortae/dropzone/internal/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestByteCountSI(t *testing.T) {
	assert.Equal(t, "999 B", ByteCountSI(999))
	assert.Equal(t, "1.5 MB", ByteCountSI(1_500_000))
	assert.Equal(t, "2.0 GB", ByteCountSI(2_000_000_000))
}

func TestLatestKeepsNewest(t *testing.T) {
	msgs := make(chan tea.Msg, 1)
	observe := Latest(msgs)
	observe(progress.Snapshot{Processed: 1, Total: 10})
	observe(progress.Snapshot{Processed: 5, Total: 10})
	observe(progress.Snapshot{Processed: 10, Total: 10})

	got := (<-msgs).(ProgressMsg)
	assert.EqualValues(t, 10, got.Processed)
	assert.Empty(t, msgs)
}

func TestVersionCmd(t *testing.T) {
	assert.Nil(t, VersionCmd("", nil))
	assert.NotNil(t, VersionCmd("Server version (v1.1.1) newer than dropzone version (v1.1.0)", nil))
}
