package transferprogress

import (
	"fmt"
	"math"
	"time"

	"github.com/SpatiumPortae/dropzone/cmd/dropzone/tui"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

type Model struct {
	Snapshot          tui.ProgressMsg
	TransferStartTime time.Time

	Width       int
	progressBar progress.Model
}

func New() Model {
	return Model{
		progressBar: progress.New(progress.WithGradient(tui.SECONDARY_ELEMENT_COLOR, tui.ELEMENT_COLOR)),
	}
}

func (m *Model) StartTransfer() {
	m.TransferStartTime = time.Now()
}

// AverageRate is the mean rate since the transfer started, in bytes per second.
func (m Model) AverageRate() int64 {
	elapsed := time.Since(m.TransferStartTime).Seconds()
	if m.TransferStartTime.IsZero() || elapsed <= 0 {
		return 0
	}
	return int64(float64(m.Snapshot.Processed) / elapsed)
}

func (Model) Init() tea.Cmd {
	return nil
}

func (m Model) View() string {
	bar := m.progressBar.ViewAs(progressFraction(m.Snapshot))
	eta := "--"
	if m.Snapshot.ETAKnown {
		eta = m.Snapshot.ETA.Round(time.Second).String()
	}
	current := ""
	if m.Snapshot.Name != "" {
		current = tui.ItalicText(m.Snapshot.Name) + " "
	}
	info := fmt.Sprintf("%s%s/%s  %s/s  ETA %s",
		current,
		tui.ByteCountSI(m.Snapshot.Processed),
		tui.ByteCountSI(m.Snapshot.Total),
		tui.ByteCountSI(int64(m.Snapshot.Rate)),
		eta,
	)
	return bar + "\n\n" + tui.PadText + tui.HelpStyle(info)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.Width = msg.Width - 2*tui.MARGIN - 4
		if m.Width > tui.MAX_WIDTH {
			m.Width = tui.MAX_WIDTH
		}
		m.progressBar.Width = m.Width
		return m, nil

	case tui.ProgressMsg:
		if m.TransferStartTime.IsZero() {
			m.StartTransfer()
		}
		m.Snapshot = msg
		return m, nil

	case progress.FrameMsg:
		progressModel, cmd := m.progressBar.Update(msg)
		m.progressBar = progressModel.(progress.Model)
		return m, cmd

	default:
		return m, nil
	}
}

func progressFraction(s tui.ProgressMsg) float64 {
	if s.Total <= 0 {
		return 0
	}
	return math.Min(1.0, float64(s.Processed)/float64(s.Total))
}
