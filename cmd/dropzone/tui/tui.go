package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/progress"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	MARGIN                  = 2
	PADDING                 = 1
	MAX_WIDTH               = 80
	PRIMARY_COLOR           = "#B8BABA"
	SECONDARY_COLOR         = "#626262"
	ELEMENT_COLOR           = "#EE9F40"
	SECONDARY_ELEMENT_COLOR = "#EE9F70"
	DARK_COLOR              = "#1E1E1E"
	ERROR_COLOR             = "#CC0000"
	WARNING_COLOR           = "#FF7900"
	SUCCESS_COLOR           = "#34B233"
	START_PERIOD            = 1 * time.Millisecond
	SHUTDOWN_PERIOD         = 500 * time.Millisecond

	TEMP_UI_MESSAGE_DURATION = 2 * time.Second

	CopyKeyHelpText       = "copy id"
	CopyKeyActiveHelpText = "id copied!"
)

var PadText = strings.Repeat(" ", MARGIN)

var (
	BaseStyle   = lipgloss.NewStyle()
	InfoStyle   = BaseStyle.Copy().Foreground(lipgloss.Color(PRIMARY_COLOR)).Render
	HelpStyle   = BaseStyle.Copy().Foreground(lipgloss.Color(SECONDARY_COLOR)).Render
	ItalicText  = BaseStyle.Copy().Italic(true).Render
	BoldText    = BaseStyle.Copy().Bold(true).Render
	ErrorText   = BaseStyle.Copy().Foreground(lipgloss.Color(ERROR_COLOR)).Render
	WarningText = BaseStyle.Copy().Foreground(lipgloss.Color(WARNING_COLOR)).Render
	SuccessText = BaseStyle.Copy().Foreground(lipgloss.Color(SUCCESS_COLOR)).Render
	ElementText = BaseStyle.Copy().Foreground(lipgloss.Color(ELEMENT_COLOR)).Render
)

var WaitingSpinner = spinner.Spinner{
	Frames: []string{"⠋ ", "⠙ ", "⠹ ", "⠸ ", "⠼ ", "⠴ ", "⠦ ", "⠧ ", "⠇ ", "⠏ "},
	FPS:    time.Second / 12,
}

var TransferSpinner = spinner.Spinner{
	Frames: []string{"»  ", "»» ", "»»»", "   "},
	FPS:    time.Millisecond * 400,
}

var ReceivingSpinner = spinner.Spinner{
	Frames: []string{"   ", "  «", " ««", "«««"},
	FPS:    time.Second / 2,
}

// ------------------------------------------------------ Messages -----------------------------------------------------

// ProgressMsg carries the latest estimator snapshot.
type ProgressMsg progress.Snapshot

type ErrorMsg error

// NotificationMsg is a transient message shown to the user.
type NotificationMsg string

// ------------------------------------------------------ Commands -----------------------------------------------------

// TaskCmd prints a completed task above the program and continues with cmd.
func TaskCmd(task string, cmd tea.Cmd) tea.Cmd {
	return tea.Sequence(tea.Println(PadText+SuccessText("✔")+" "+InfoStyle(task)), cmd)
}

// VersionCmd prints the version notice, if any, before running cmd.
func VersionCmd(notice string, cmd tea.Cmd) tea.Cmd {
	if notice == "" {
		return cmd
	}
	return tea.Sequence(tea.Println(PadText+WarningText("!")+" "+InfoStyle(notice)), cmd)
}

func ErrorCmd(err error) tea.Cmd {
	return tea.Sequence(
		tea.Println(PadText+ErrorText("✘ "+err.Error())),
		tea.Quit,
	)
}

func QuitCmd() tea.Cmd {
	return tea.Sequence(tea.Tick(SHUTDOWN_PERIOD, func(time.Time) tea.Msg { return nil }), tea.Quit)
}

// Listen waits for the next message on msgs.
func Listen(msgs <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-msgs
	}
}

// Latest returns an estimator observer publishing snapshots on msgs. Only the
// most recent snapshot is kept when the program falls behind.
func Latest(msgs chan tea.Msg) func(progress.Snapshot) {
	return func(s progress.Snapshot) {
		for {
			select {
			case msgs <- ProgressMsg(s):
				return
			default:
			}
			select {
			case <-msgs:
			default:
			}
		}
	}
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

func LogSeparator(width int) string {
	paddedWidth := width - 2*MARGIN
	if paddedWidth > MAX_WIDTH {
		paddedWidth = MAX_WIDTH
	}
	if paddedWidth < 0 {
		paddedWidth = 0
	}
	return HelpStyle(strings.Repeat("─", paddedWidth)) + "\n\n"
}

func ByteCountSI(b int64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMGTPE"[exp])
}

// ------------------------------------------------------ Keys ---------------------------------------------------------

type KeyMap struct {
	Quit         key.Binding
	CopyID       key.Binding
	Accept       key.Binding
	Decline      key.Binding
	FileListUp   key.Binding
	FileListDown key.Binding
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Quit, k.CopyID, k.Accept, k.Decline, k.FileListUp, k.FileListDown}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var Keys = KeyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("(q)", "quit"),
	),
	CopyID: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("(c)", CopyKeyHelpText),
		key.WithDisabled(),
	),
	Accept: key.NewBinding(
		key.WithKeys("y"),
		key.WithHelp("(y)", "accept"),
		key.WithDisabled(),
	),
	Decline: key.NewBinding(
		key.WithKeys("n"),
		key.WithHelp("(n)", "decline"),
		key.WithDisabled(),
	),
	FileListUp: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("(↑/k)", "file summary up"),
		key.WithDisabled(),
	),
	FileListDown: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("(↓/j)", "file summary down"),
		key.WithDisabled(),
	),
}
