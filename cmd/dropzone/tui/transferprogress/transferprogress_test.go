package transferprogress

import (
	"testing"
	"time"

	"github.com/SpatiumPortae/dropzone/cmd/dropzone/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestUpdate(t *testing.T) {
	m := New()
	model, _ := m.Update(tea.WindowSizeMsg{Width: 200})
	m = model.(Model)
	assert.Equal(t, tui.MAX_WIDTH, m.Width)

	model, _ = m.Update(tui.ProgressMsg{Name: "a.bin", Processed: 500, Total: 1000, Rate: 250, ETA: 2 * time.Second, ETAKnown: true})
	m = model.(Model)
	assert.False(t, m.TransferStartTime.IsZero())
	assert.Equal(t, 0.5, progressFraction(m.Snapshot))
	assert.Contains(t, m.View(), "ETA 2s")
	assert.Contains(t, m.View(), "a.bin")
}

func TestProgressFraction(t *testing.T) {
	assert.Equal(t, 0.0, progressFraction(tui.ProgressMsg{}))
	assert.Equal(t, 1.0, progressFraction(tui.ProgressMsg{Processed: 20, Total: 10}))
}
