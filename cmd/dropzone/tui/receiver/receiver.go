package receiver

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/SpatiumPortae/dropzone/cmd/dropzone/tui"
	"github.com/SpatiumPortae/dropzone/cmd/dropzone/tui/filetable"
	"github.com/SpatiumPortae/dropzone/cmd/dropzone/tui/transferprogress"
	"github.com/SpatiumPortae/dropzone/internal/client"
	"github.com/SpatiumPortae/dropzone/internal/negotiator"
	"github.com/SpatiumPortae/dropzone/internal/progress"
	"github.com/SpatiumPortae/dropzone/internal/receiver"
	"github.com/SpatiumPortae/dropzone/internal/semver"
	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/timer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/erikgeiser/promptkit"
	"github.com/erikgeiser/promptkit/confirmation"
	"github.com/pkg/errors"
)

// ------------------------------------------------------ tui State -----------------------------------------------------
type tuiState int

// Flows from the top down.
const (
	showConnecting tuiState = iota
	showWaiting
	showAcceptPrompt
	showReceivingProgress
	showFinished
)

// ------------------------------------------------------ Messages -----------------------------------------------------
type connectMsg struct {
	client *client.Client
}

type incomingMsg struct {
	incoming negotiator.Incoming
}

type declinedMsg struct{}

type receiveDoneMsg struct {
	results []receiver.Result
	err     error
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

	cfg          client.Config
	dst          client.Destination
	promptAccept bool
	client       *client.Client
	incoming     negotiator.Incoming

	progress      chan tea.Msg
	notifications chan tea.Msg
	estimator     *progress.Estimator
	results       []receiver.Result

	width            int
	spinner          spinner.Model
	transferProgress transferprogress.Model
	fileTable        filetable.Model
	acceptPrompt     confirmation.Model
	help             help.Model
	keys             tui.KeyMap
	copyMessageTimer timer.Model
}

// New creates a new receiver program writing accepted files to dst.
func New(ctx context.Context, cfg client.Config, dst client.Destination, promptAccept bool, opts ...Option) *tea.Program {
	m := model{
		ctx:              ctx,
		cfg:              cfg,
		dst:              dst,
		promptAccept:     promptAccept,
		progress:         make(chan tea.Msg, 1),
		notifications:    make(chan tea.Msg, 10),
		transferProgress: transferprogress.New(),
		fileTable:        filetable.New(),
		acceptPrompt:     *confirmation.NewModel(confirmation.New("", confirmation.Undecided)),
		help:             help.New(),
		keys:             tui.Keys,
		copyMessageTimer: timer.NewWithInterval(tui.TEMP_UI_MESSAGE_DURATION, 100*time.Millisecond),
	}
	m.estimator = progress.New(progress.WithObserver(tui.Latest(m.progress)))
	m.cfg.Notifier = negotiator.NotifierFunc(func(n negotiator.Notification) {
		msg := tui.NotificationMsg(n.Message)
		if n.Err != nil {
			msg = tui.NotificationMsg(tui.WarningText(n.Message))
		}
		select {
		case m.notifications <- msg:
		default:
		}
	})
	for _, opt := range opts {
		opt(&m)
	}
	m.resetSpinner()
	return tea.NewProgram(m)
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, connectCmd(m.ctx, m.cfg), tui.Listen(m.notifications))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case connectMsg:
		m.client = msg.client
		m.state = showWaiting
		m.keys.CopyID.SetEnabled(true)
		m.resetSpinner()
		notice, err := semver.Check(m.version, msg.client.ServerVersion())
		if err != nil {
			return m, m.quit(tui.ErrorCmd(err))
		}
		message := fmt.Sprintf("Connected to rendezvous server as %s (%s)", m.cfg.Name, msg.client.ID())
		return m, tui.TaskCmd(message, tui.VersionCmd(notice, tea.Batch(m.spinner.Tick, incomingCmd(m.ctx, m.client))))

	case tui.NotificationMsg:
		return m, tui.TaskCmd(string(msg), tui.Listen(m.notifications))

	case incomingMsg:
		m.incoming = msg.incoming
		m.fileTable = filetable.New(filetable.WithFiles(msg.incoming.Request.Files))
		m.keys.FileListUp.SetEnabled(true)
		m.keys.FileListDown.SetEnabled(true)
		if !m.promptAccept {
			return m, m.accept()
		}
		m.state = showAcceptPrompt
		m.keys.Accept.SetEnabled(true)
		m.keys.Decline.SetEnabled(true)
		m.resetSpinner()
		return m, tea.Batch(m.spinner.Tick, m.newAcceptPrompt(msg.incoming))

	case declinedMsg:
		m.state = showWaiting
		m.fileTable = filetable.New()
		m.resetSpinner()
		return m, tui.TaskCmd("Declined transfer", tea.Batch(m.spinner.Tick, incomingCmd(m.ctx, m.client)))

	case tui.ProgressMsg:
		cmds := []tea.Cmd{tui.Listen(m.progress)}
		if m.state != showReceivingProgress && m.state != showFinished {
			m.state = showReceivingProgress
			m.resetSpinner()
			m.transferProgress.StartTransfer()
			cmds = append(cmds, m.spinner.Tick)
		}
		transferProgressModel, transferProgressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		cmds = append(cmds, transferProgressCmd)
		return m, tea.Batch(cmds...)

	case receiveDoneMsg:
		m.state = showFinished
		m.results = msg.results
		m.fileTable = filetable.New()
		var failed int
		for _, res := range msg.results {
			if res.Err != nil {
				failed++
				m.fileTable.AddFile(res.File, tui.ErrorText("failed"))
				continue
			}
			m.fileTable.AddFile(res.File, tui.SuccessText("received"))
		}
		m.fileTable.SetMaxHeight(math.MaxInt)
		m.fileTable = m.fileTable.Finalize().(filetable.Model)
		message := fmt.Sprintf("Transfer completed in %s with average transfer speed %s/s",
			time.Since(m.transferProgress.TransferStartTime).Round(time.Millisecond).String(),
			tui.ByteCountSI(m.transferProgress.AverageRate()),
		)
		switch {
		case msg.err != nil:
			return m, tui.TaskCmd(message, m.quit(tui.ErrorCmd(msg.err)))
		case failed > 0:
			return m, tui.TaskCmd(message, m.quit(tui.ErrorCmd(fmt.Errorf("%d of %d files failed", failed, len(msg.results)))))
		}
		return m, tui.TaskCmd(message, m.quit(tui.QuitCmd()))

	case timer.TickMsg:
		var cmd tea.Cmd
		m.copyMessageTimer, cmd = m.copyMessageTimer.Update(msg)
		if m.copyMessageTimer.Running() {
			m.keys.CopyID.SetHelp(m.keys.CopyID.Help().Key, tui.CopyKeyActiveHelpText)
		}
		return m, cmd

	case timer.TimeoutMsg:
		var cmd tea.Cmd
		m.copyMessageTimer, cmd = m.copyMessageTimer.Update(msg)
		m.keys.CopyID.SetHelp(m.keys.CopyID.Help().Key, tui.CopyKeyHelpText)
		return m, cmd

	case tui.ErrorMsg:
		return m, m.quit(tui.ErrorCmd(errors.Cause(msg)))

	case tea.KeyMsg:
		var cmds []tea.Cmd
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, m.quit(tea.Quit)
		case key.Matches(msg, m.keys.CopyID):
			if m.client != nil {
				_ = clipboard.WriteAll(m.client.ID())
				m.copyMessageTimer = timer.NewWithInterval(tui.TEMP_UI_MESSAGE_DURATION, 100*time.Millisecond)
				cmds = append(cmds, m.copyMessageTimer.Init())
			}
		}

		fileTableModel, fileTableCmd := m.fileTable.Update(msg)
		m.fileTable = fileTableModel.(filetable.Model)
		cmds = append(cmds, fileTableCmd)

		if m.state == showAcceptPrompt {
			_, promptCmd := m.acceptPrompt.Update(msg)
			switch msg.String() {
			case "left", "right":
				cmds = append(cmds, promptCmd)
			}
			var accept, decided bool
			switch {
			case key.Matches(msg, m.keys.Accept):
				accept, decided = true, true
			case key.Matches(msg, m.keys.Decline):
				decided = true
			case msg.Type == tea.KeyEnter:
				accept, _ = m.acceptPrompt.Value()
				decided = true
			}
			if decided {
				m.keys.Accept.SetEnabled(false)
				m.keys.Decline.SetEnabled(false)
				if accept {
					cmds = append(cmds, m.accept())
				} else {
					cmds = append(cmds, declineCmd(m.ctx, m.client))
				}
			}
		}
		return m, tea.Batch(cmds...)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		transferProgressModel, transferProgressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)

		fileTableModel, fileTableCmd := m.fileTable.Update(msg)
		m.fileTable = fileTableModel.(filetable.Model)

		m.acceptPrompt.MaxWidth = msg.Width - 2*tui.MARGIN - 4
		_, promptCmd := m.acceptPrompt.Update(msg)

		return m, tea.Batch(transferProgressCmd, fileTableCmd, promptCmd)

	default:
		var spinnerCmd tea.Cmd
		m.spinner, spinnerCmd = m.spinner.Update(msg)
		_, promptCmd := m.acceptPrompt.Update(msg)
		transferProgressModel, transferProgressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		return m, tea.Batch(spinnerCmd, promptCmd, transferProgressCmd)
	}
}

func (m model) View() string {

	switch m.state {

	case showConnecting:
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(fmt.Sprintf("%s Connecting to rendezvous server", m.spinner.View())) + "\n\n" +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showWaiting:
		waitingText := fmt.Sprintf("%s Waiting for transfers to %s (%s)", m.spinner.View(),
			tui.BoldText(m.cfg.Name), tui.ElementText(m.client.ID()))
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(waitingText) + "\n\n" +
			tui.PadText + tui.HelpStyle(fmt.Sprintf("dropzone send --to %s <files>", m.client.ID())) + "\n\n" +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showAcceptPrompt:
		req := m.incoming.Request
		waitingText := fmt.Sprintf("%s %s wants to send %d files (%s)", m.spinner.View(),
			tui.BoldText(peerName(m.incoming)), req.FileCount, req.SizeLabel)
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(waitingText) + "\n\n" +
			m.fileTable.View() +
			tui.PadText + m.acceptPrompt.View() + "\n\n" +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showReceivingProgress:
		req := m.incoming.Request
		receivingText := fmt.Sprintf("%s Receiving files (%s) from %s", m.spinner.View(),
			tui.BoldText(tui.ByteCountSI(req.TotalBytes)), tui.BoldText(peerName(m.incoming)))
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(receivingText) + "\n\n" +
			tui.PadText + m.transferProgress.View() + "\n\n" +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showFinished:
		oneOrMoreFiles := "file"
		if len(m.results) != 1 {
			oneOrMoreFiles += "s"
		}
		finishedText := fmt.Sprintf("Received %d %s from %s", len(m.results), oneOrMoreFiles, tui.BoldText(peerName(m.incoming)))
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(finishedText) + "\n\n" +
			tui.PadText + m.transferProgress.View() + "\n\n" +
			m.fileTable.View()

	default:
		return ""
	}
}

// ------------------------------------------------------ Commands -----------------------------------------------------

func connectCmd(ctx context.Context, cfg client.Config) tea.Cmd {
	return func() tea.Msg {
		c, err := client.Connect(ctx, cfg)
		if err != nil {
			return tui.ErrorMsg(err)
		}
		return connectMsg{client: c}
	}
}

func incomingCmd(ctx context.Context, c *client.Client) tea.Cmd {
	return func() tea.Msg {
		select {
		case in := <-c.Incoming():
			return incomingMsg{incoming: in}
		case <-c.Done():
			return tui.ErrorMsg(errors.New("disconnected from rendezvous server"))
		case <-ctx.Done():
			return tui.ErrorMsg(ctx.Err())
		}
	}
}

func declineCmd(ctx context.Context, c *client.Client) tea.Cmd {
	return func() tea.Msg {
		if err := c.Decline(ctx); err != nil {
			return tui.ErrorMsg(errors.Wrap(err, "declining transfer"))
		}
		return declinedMsg{}
	}
}

func (m model) accept() tea.Cmd {
	ctx, c, dst, est, total := m.ctx, m.client, m.dst, m.estimator, m.incoming.Request.TotalBytes
	return tea.Batch(tui.Listen(m.progress), func() tea.Msg {
		tr, err := c.Accept(ctx, dst, receiver.WithEstimator(est, total))
		if err != nil {
			return tui.ErrorMsg(errors.Wrap(err, "accepting transfer"))
		}
		results, err := tr.Wait(ctx)
		return receiveDoneMsg{results: results, err: err}
	})
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

func (m *model) newAcceptPrompt(in negotiator.Incoming) tea.Cmd {
	prompt := confirmation.New(fmt.Sprintf("Accept %d files (%s) from %s?", in.Request.FileCount, in.Request.SizeLabel, peerName(in)), confirmation.Yes)
	m.acceptPrompt = *confirmation.NewModel(prompt)
	m.acceptPrompt.MaxWidth = m.width
	m.acceptPrompt.WrapMode = promptkit.HardWrap
	m.acceptPrompt.Template = confirmation.TemplateYN
	m.acceptPrompt.ResultTemplate = confirmation.ResultTemplateYN
	m.acceptPrompt.KeyMap.Abort = []string{}
	m.acceptPrompt.KeyMap.Toggle = []string{}
	return m.acceptPrompt.Init()
}

func (m *model) resetSpinner() {
	m.spinner = spinner.New()
	m.spinner.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(tui.ELEMENT_COLOR))
	if m.state == showConnecting || m.state == showWaiting || m.state == showAcceptPrompt {
		m.spinner.Spinner = tui.WaitingSpinner
	}
	if m.state == showReceivingProgress {
		m.spinner.Spinner = tui.ReceivingSpinner
	}
}

func peerName(in negotiator.Incoming) string {
	if in.From.Name != "" {
		return in.From.Name
	}
	return in.From.ID
}
