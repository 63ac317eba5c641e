package filetable

import (
	"strings"
	"testing"

	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestTruncatesLongPaths(t *testing.T) {
	long := strings.Repeat("nested/", 20) + "file.txt"
	m := New(WithFiles([]transfer.FileDescriptor{{Name: "file.txt", Path: long, Size: 1500}}))
	model, _ := m.Update(tea.WindowSizeMsg{Width: 60})
	m = model.(Model)

	view := m.View()
	assert.Contains(t, view, "…")
	assert.Contains(t, view, "file.txt")
	assert.Contains(t, view, "1.5 kB")
}

func TestEmpty(t *testing.T) {
	assert.Empty(t, New().View())
}
