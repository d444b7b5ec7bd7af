// Package tui provides the interactive terminal dashboard for jetdeploy.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/models"
)

// MaxLogLines bounds the lines kept in the log view.
const MaxLogLines = 2000

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	stderrStyle = lipgloss.NewStyle().Foreground(warningColor)
	systemStyle = lipgloss.NewStyle().Foreground(cyanColor)
	eventStyle  = lipgloss.NewStyle().Foreground(secondaryColor).Bold(true)
)

const (
	modeList = "list"
	modeLogs = "logs"
)

// App is the main TUI application model.
type App struct {
	client      *Client
	sessionID   string
	jobs        []JobItem
	selectedIdx int
	input       textinput.Model
	viewport    viewport.Model
	width       int
	height      int
	mode        string
	message     string
	online      bool

	following *JobItem
	logLines  []string
	followGen int
	follow    chan tea.Msg
	stop      context.CancelFunc
}

// New creates a dashboard for one session.
func New(apiAddr, sessionID string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: deploy <workload> [force] | run <workload> | stop | cancel | quit"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:    NewClient(apiAddr),
		sessionID: sessionID,
		input:     ti,
		viewport:  viewport.New(80, 20),
		mode:      modeList,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	a.stopFollow()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchJobs(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		typing := a.input.Value() != ""
		switch msg.String() {
		case "ctrl+c":
			a.stopFollow()
			return a, tea.Quit

		case "esc":
			if a.mode == modeLogs {
				a.stopFollow()
				a.mode = modeList
				return a, a.fetchJobs()
			}

		case "up", "k":
			if typing && msg.String() == "k" {
				break
			}
			if a.mode == modeList {
				if a.selectedIdx > 0 {
					a.selectedIdx--
				}
				return a, nil
			}

		case "down", "j":
			if typing && msg.String() == "j" {
				break
			}
			if a.mode == modeList {
				if a.selectedIdx < len(a.jobs)-1 {
					a.selectedIdx++
				}
				return a, nil
			}

		case "enter":
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				return a, a.executeCommand(line)
			}
			if a.mode == modeList {
				if job, ok := a.selected(); ok {
					return a, a.startFollow(job)
				}
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-9)

	case jobsLoadedMsg:
		a.jobs = msg.items
		if a.selectedIdx >= len(a.jobs) {
			a.selectedIdx = max(0, len(a.jobs)-1)
		}
		return a, nil

	case daemonStatusMsg:
		a.online = msg.online
		return a, nil

	case tickMsg:
		cmds = append(cmds, a.tickCmd(), a.checkDaemon())
		if a.mode == modeList {
			cmds = append(cmds, a.fetchJobs())
		}
		return a, tea.Batch(cmds...)

	case logEntryMsg:
		if msg.gen != a.followGen {
			return a, nil
		}
		a.appendEntry(msg.entry)
		return a, waitFor(a.follow)

	case followEndMsg:
		if msg.gen != a.followGen {
			return a, nil
		}
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
		}
		return a, nil

	case commandResultMsg:
		a.message = msg.message
		if msg.follow != nil {
			return a, a.startFollow(*msg.follow)
		}
		return a, a.fetchJobs()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	if a.mode == modeLogs {
		a.viewport, cmd = a.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return a, tea.Batch(cmds...)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.online {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("jetdeploy")
	header += "  " + daemon
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render("session "+short(a.sessionID))
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := max(5, a.height-8)
	switch a.mode {
	case modeList:
		b.WriteString(a.renderJobList(contentHeight))
	case modeLogs:
		if a.following != nil {
			j := a.following
			b.WriteString(eventStyle.Render(fmt.Sprintf(" %s %s %s", j.Kind, j.WorkloadID, short(j.ID))) + "\n")
		}
		b.WriteString(a.viewport.View())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Jobs: %d | ↑↓:nav | Enter:logs | Ctrl+C:quit", len(a.jobs))
	default:
		status = fmt.Sprintf(" Lines: %d | ↑↓/PgUp/PgDn:scroll | Esc:back | Ctrl+C:quit", len(a.logLines))
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderJobList(height int) string {
	if len(a.jobs) == 0 {
		return "\n  No jobs in this session. Type: deploy <workload> or run <workload>.\n"
	}

	var lines []string
	for i, job := range a.jobs {
		text := fmt.Sprintf("%-6s %-20s %s  %s", job.Kind, job.WorkloadID, formatState(job.State), job.Detail)
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
		} else {
			lines = append(lines, itemStyle.Render("  "+text))
		}
	}

	if len(lines) > height {
		start := max(0, a.selectedIdx-height/2)
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n") + "\n\n  " + helpStyle.Render("stop / cancel act on the selected job")
}

func formatState(state string) string {
	switch state {
	case string(models.DeployPending), string(models.RunStarting):
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ " + strings.ToUpper(state))
	case string(models.DeployRunning):
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ RUNNING")
	case string(models.DeployDone):
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE")
	case string(models.DeployFailed), string(models.RunError):
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ " + strings.ToUpper(state))
	case string(models.DeployCancelled), string(models.RunStopped):
		return lipgloss.NewStyle().Foreground(mutedColor).Render("■ " + strings.ToUpper(state))
	default:
		return state
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a *App) selected() (JobItem, bool) {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.jobs) {
		return JobItem{}, false
	}
	return a.jobs[a.selectedIdx], true
}

func formatEntry(e loghub.Entry) string {
	switch e.Kind {
	case loghub.KindStatus:
		return eventStyle.Render("» " + e.Line)
	case loghub.KindEnd:
		return helpStyle.Render("[end of log]")
	}
	switch e.Stream {
	case "stderr":
		return stderrStyle.Render(e.Line)
	case "system":
		return systemStyle.Render(e.Line)
	}
	return e.Line
}

func (a *App) appendEntry(e loghub.Entry) {
	atBottom := a.viewport.AtBottom()
	a.logLines = append(a.logLines, formatEntry(e))
	if over := len(a.logLines) - MaxLogLines; over > 0 {
		a.logLines = a.logLines[over:]
	}
	a.viewport.SetContent(strings.Join(a.logLines, "\n"))
	if atBottom || e.Kind == loghub.KindEnd {
		a.viewport.GotoBottom()
	}
}

// --- log following ---

type logEntryMsg struct {
	gen   int
	entry loghub.Entry
}

type followEndMsg struct {
	gen int
	err error
}

func (a *App) startFollow(job JobItem) tea.Cmd {
	a.stopFollow()
	a.followGen++
	a.following = &job
	a.logLines = nil
	a.viewport.SetContent("")
	a.mode = modeLogs

	ctx, cancel := context.WithCancel(context.Background())
	a.stop = cancel
	ch := make(chan tea.Msg, 256)
	a.follow = ch
	gen := a.followGen
	path := LogsPath(a.sessionID, job.Kind, job.ID)

	go func() {
		defer close(ch)
		err := a.client.Follow(ctx, path, func(e loghub.Entry) error {
			select {
			case ch <- logEntryMsg{gen: gen, entry: e}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if ctx.Err() != nil {
			return
		}
		select {
		case ch <- followEndMsg{gen: gen, err: err}:
		case <-ctx.Done():
		}
	}()
	return waitFor(ch)
}

func (a *App) stopFollow() {
	if a.stop != nil {
		a.stop()
		a.stop = nil
	}
}

func waitFor(ch chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

// --- commands ---

type commandResultMsg struct {
	message string
	follow  *JobItem
}

type errMsg struct {
	err error
}

type jobsLoadedMsg struct {
	items []JobItem
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time

func (a *App) fetchJobs() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		deploys, runs, err := a.client.Jobs(ctx, a.sessionID)
		if err != nil {
			return errMsg{err}
		}
		return jobsLoadedMsg{jobItems(deploys, runs)}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		ok, err := a.client.CheckHealth(ctx)
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	cmd := parts[0]
	args := parts[1:]
	job, hasJob := a.selected()
	if a.mode == modeLogs && a.following != nil {
		job, hasJob = *a.following, true
	}

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		switch cmd {
		case "deploy":
			if len(args) < 1 {
				return commandResultMsg{message: "Usage: deploy <workload> [force]"}
			}
			force := len(args) > 1 && args[1] == "force"
			snap, err := a.client.Deploy(ctx, a.sessionID, args[0], force)
			if err != nil {
				return commandResultMsg{message: "Error: " + err.Error()}
			}
			item := deployItem(snap)
			return commandResultMsg{message: "✓ Deploy started: " + short(snap.ID), follow: &item}

		case "run":
			if len(args) < 1 {
				return commandResultMsg{message: "Usage: run <workload>"}
			}
			snap, err := a.client.Run(ctx, a.sessionID, args[0])
			if err != nil {
				return commandResultMsg{message: "Error: " + err.Error()}
			}
			item := runItem(snap)
			return commandResultMsg{message: "✓ Run started: " + short(snap.ID), follow: &item}

		case "stop":
			if !hasJob || job.Kind != models.JobRun {
				return commandResultMsg{message: "No run selected"}
			}
			if _, err := a.client.StopRun(ctx, a.sessionID, job.ID); err != nil {
				return commandResultMsg{message: "Error: " + err.Error()}
			}
			return commandResultMsg{message: "✓ Run stopped"}

		case "cancel":
			if !hasJob || job.Kind != models.JobDeploy {
				return commandResultMsg{message: "No deploy selected"}
			}
			if _, err := a.client.CancelDeploy(ctx, a.sessionID, job.ID); err != nil {
				return commandResultMsg{message: "Error: " + err.Error()}
			}
			return commandResultMsg{message: "✓ Deploy cancelled"}

		case "q", "quit", "exit":
			return tea.Quit()

		default:
			return commandResultMsg{message: fmt.Sprintf("Unknown: %s (try: deploy, run, stop, cancel, quit)", cmd)}
		}
	}
}
