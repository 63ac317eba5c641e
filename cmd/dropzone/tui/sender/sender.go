package sender

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/SpatiumPortae/dropzone/cmd/dropzone/tui"
	"github.com/SpatiumPortae/dropzone/cmd/dropzone/tui/filetable"
	"github.com/SpatiumPortae/dropzone/cmd/dropzone/tui/transferprogress"
	"github.com/SpatiumPortae/dropzone/internal/client"
	"github.com/SpatiumPortae/dropzone/internal/file"
	"github.com/SpatiumPortae/dropzone/internal/negotiator"
	"github.com/SpatiumPortae/dropzone/internal/progress"
	"github.com/SpatiumPortae/dropzone/internal/semver"
	"github.com/SpatiumPortae/dropzone/internal/sender"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
)

// ------------------------------------------------------ tui State -----------------------------------------------------

type tuiState int

// flows from the top down.
const (
	showConnecting tuiState = iota
	showWaitingForAnswer
	showSendingProgress
	showFinished
)

// ------------------------------------------------------ Messages -----------------------------------------------------

type selectedMsg struct {
	selection *file.Selection
}

type connectMsg struct {
	client *client.Client
}

type sendDoneMsg struct {
	result sender.Result
}

// ------------------------------------------------------- Model -------------------------------------------------------

type Option func(m *model)

// WithVersion sets the dropzone version checked against the rendezvous server.
func WithVersion(version string) Option {
	return func(m *model) {
		m.version = version
	}
}

type model struct {
	state   tuiState
	ctx     context.Context
	version string

	cfg       client.Config
	target    string
	paths     []string
	selection *file.Selection
	client    *client.Client

	progress      chan tea.Msg
	notifications chan tea.Msg
	estimator     *progress.Estimator
	result        sender.Result

	width            int
	spinner          spinner.Model
	transferProgress transferprogress.Model
	fileTable        filetable.Model
	help             help.Model
	keys             tui.KeyMap
}

// New creates a new sender program, sending the files at paths to target.
func New(ctx context.Context, cfg client.Config, target string, paths []string, opts ...Option) *tea.Program {
	m := model{
		ctx:              ctx,
		cfg:              cfg,
		target:           target,
		paths:            paths,
		progress:         make(chan tea.Msg, 1),
		notifications:    make(chan tea.Msg, 10),
		transferProgress: transferprogress.New(),
		fileTable:        filetable.New(),
		help:             help.New(),
		keys:             tui.Keys,
	}
	m.estimator = progress.New(progress.WithObserver(tui.Latest(m.progress)))
	m.cfg.Notifier = negotiator.NotifierFunc(func(n negotiator.Notification) {
		if n.Err != nil {
			return
		}
		select {
		case m.notifications <- tui.NotificationMsg(n.Message):
		default:
		}
	})
	m.keys.FileListUp.SetEnabled(true)
	m.keys.FileListDown.SetEnabled(true)
	for _, opt := range opts {
		opt(&m)
	}
	m.resetSpinner()
	return tea.NewProgram(m)
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, selectCmd(m.paths), tui.Listen(m.notifications))
}

// ------------------------------------------------------- Update ------------------------------------------------------

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case selectedMsg:
		m.selection = msg.selection
		m.fileTable.SetFiles(msg.selection.Files)
		message := fmt.Sprintf("Selected %d files (%s)", len(msg.selection.Files), tui.ByteCountSI(msg.selection.TotalSize()))
		if len(msg.selection.Files) == 1 {
			message = fmt.Sprintf("Selected 1 file (%s)", tui.ByteCountSI(msg.selection.TotalSize()))
		}
		return m, tui.TaskCmd(message, connectCmd(m.ctx, m.cfg))

	case connectMsg:
		m.client = msg.client
		m.state = showWaitingForAnswer
		m.resetSpinner()
		notice, err := semver.Check(m.version, msg.client.ServerVersion())
		if err != nil {
			return m, m.quit(tui.ErrorCmd(err))
		}
		message := fmt.Sprintf("Connected to rendezvous server as %s (%s)", m.cfg.Name, msg.client.ID())
		return m, tui.TaskCmd(message, tui.VersionCmd(notice, tea.Batch(
			m.spinner.Tick,
			sendCmd(m.ctx, m.client, m.target, m.selection, m.estimator),
			tui.Listen(m.progress),
		)))

	case tui.NotificationMsg:
		return m, tui.TaskCmd(string(msg), tui.Listen(m.notifications))

	case tui.ProgressMsg:
		cmds := []tea.Cmd{tui.Listen(m.progress)}
		if m.state != showSendingProgress && m.state != showFinished {
			m.state = showSendingProgress
			m.resetSpinner()
			m.transferProgress.StartTransfer()
			cmds = append(cmds, m.spinner.Tick)
		}
		transferProgressModel, transferProgressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		cmds = append(cmds, transferProgressCmd)
		return m, tea.Batch(cmds...)

	case sendDoneMsg:
		m.state = showFinished
		m.result = msg.result
		m.fileTable = filetable.New()
		for _, f := range msg.result.Sent {
			m.fileTable.AddFile(f, tui.SuccessText("sent"))
		}
		for _, f := range msg.result.Failed {
			m.fileTable.AddFile(f.File, tui.ErrorText("failed"))
		}
		m.fileTable.SetMaxHeight(math.MaxInt)
		m.fileTable = m.fileTable.Finalize().(filetable.Model)
		message := fmt.Sprintf("Transfer completed in %s with average transfer speed %s/s",
			time.Since(m.transferProgress.TransferStartTime).Round(time.Millisecond).String(),
			tui.ByteCountSI(m.transferProgress.AverageRate()),
		)
		if len(msg.result.Failed) > 0 {
			return m, tui.TaskCmd(message, m.quit(tui.ErrorCmd(msg.result.Err())))
		}
		return m, tui.TaskCmd(message, m.quit(tui.QuitCmd()))

	case tui.ErrorMsg:
		return m, m.quit(tui.ErrorCmd(errors.Cause(msg)))

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, m.quit(tea.Quit)
		}
		fileTableModel, fileTableCmd := m.fileTable.Update(msg)
		m.fileTable = fileTableModel.(filetable.Model)
		return m, fileTableCmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		transferProgressModel, transferProgressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		fileTableModel, fileTableCmd := m.fileTable.Update(msg)
		m.fileTable = fileTableModel.(filetable.Model)
		return m, tea.Batch(transferProgressCmd, fileTableCmd)

	default:
		var spinnerCmd tea.Cmd
		m.spinner, spinnerCmd = m.spinner.Update(msg)
		transferProgressModel, transferProgressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		return m, tea.Batch(spinnerCmd, transferProgressCmd)
	}
}

func (m model) View() string {
	switch m.state {

	case showConnecting:
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(fmt.Sprintf("%s Connecting to rendezvous server", m.spinner.View())) + "\n\n" +
			m.fileTable.View() +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showWaitingForAnswer:
		waitingText := fmt.Sprintf("%s Waiting for %s to accept", m.spinner.View(), tui.BoldText(m.target))
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(waitingText) + "\n\n" +
			m.fileTable.View() +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showSendingProgress:
		sendingText := fmt.Sprintf("%s Sending files (%s) to %s", m.spinner.View(),
			tui.BoldText(tui.ByteCountSI(m.selection.TotalSize())), tui.BoldText(m.target))
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(sendingText) + "\n\n" +
			tui.PadText + m.transferProgress.View() + "\n\n" +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showFinished:
		finishedText := fmt.Sprintf("Sent %d of %d files to %s", len(m.result.Sent),
			len(m.result.Sent)+len(m.result.Failed), tui.BoldText(m.target))
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(finishedText) + "\n\n" +
			tui.PadText + m.transferProgress.View() + "\n\n" +
			m.fileTable.View()

	default:
		return ""
	}
}

// ------------------------------------------------------ Commands -----------------------------------------------------

func selectCmd(paths []string) tea.Cmd {
	return func() tea.Msg {
		selection, err := file.Select(paths)
		if err != nil {
			return tui.ErrorMsg(errors.Wrap(err, "selecting files"))
		}
		return selectedMsg{selection: selection}
	}
}

func connectCmd(ctx context.Context, cfg client.Config) tea.Cmd {
	return func() tea.Msg {
		c, err := client.Connect(ctx, cfg)
		if err != nil {
			return tui.ErrorMsg(err)
		}
		if _, err := c.WaitPeers(ctx); err != nil {
			return tui.ErrorMsg(err)
		}
		return connectMsg{client: c}
	}
}

func sendCmd(ctx context.Context, c *client.Client, target string, selection *file.Selection, estimator *progress.Estimator) tea.Cmd {
	return func() tea.Msg {
		res, err := c.Send(ctx, target, selection.Files, selection.Open, sender.WithEstimator(estimator))
		if err != nil {
			return tui.ErrorMsg(err)
		}
		return sendDoneMsg{result: res}
	}
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

// quit leaves the rendezvous server before running cmd.
func (m model) quit(cmd tea.Cmd) tea.Cmd {
	c := m.client
	return tea.Sequence(func() tea.Msg {
		if c != nil {
			c.Close()
		}
		return nil
	}, cmd)
}

func (m *model) resetSpinner() {
	m.spinner = spinner.New()
	m.spinner.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(tui.ELEMENT_COLOR))
	if m.state == showConnecting || m.state == showWaitingForAnswer {
		m.spinner.Spinner = tui.WaitingSpinner
	}
	if m.state == showSendingProgress {
		m.spinner.Spinner = tui.TransferSpinner
	}
}
