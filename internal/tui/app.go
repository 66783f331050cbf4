package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/foreman/internal/control"
	"github.com/mpataki/foreman/internal/events"
	"github.com/mpataki/foreman/internal/models"
)

// Surface is the part of the control surface the dashboard uses.
type Surface interface {
	Submit(ctx context.Context, req control.SubmitRequest) (string, error)
	GetRun(ctx context.Context, runID string) (*control.RunView, error)
	ListRuns(ctx context.Context, filter control.ListFilter) ([]*control.RunView, error)
	Cancel(ctx context.Context, runID string) (control.CancelOutcome, error)
}

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewNewRun
	ViewOutput
)

const listLimit = 50

type App struct {
	surface   Surface
	workflows []string

	view          View
	runs          []*control.RunView
	table         table.Model
	selectedRun   *control.RunView
	workflowIdx   int
	outputContent string
	notice        string

	width  int
	height int
	err    error
}

func NewApp(surface Surface, workflows []string) *App {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Run", Width: 8},
			{Title: "Workflow", Width: 18},
			{Title: "Status", Width: 11},
			{Title: "Age", Width: 5},
			{Title: "Turns", Width: 5},
			{Title: "Tools", Width: 5},
			{Title: "Last event", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = selectedStyle
	t.SetStyles(styles)

	return &App{
		surface:   surface,
		workflows: workflows,
		view:      ViewRunList,
		table:     t,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if h := msg.Height - 8; h > 3 {
			a.table.SetHeight(h)
		}
		return a, nil

	case runsLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.runs = msg.runs
			a.table.SetRows(a.rows())
		}
		return a, nil

	case tickMsg:
		if a.view == ViewRunList {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		if a.view == ViewRunDetail && a.selectedRun != nil && !models.RunStatus(a.selectedRun.Status).IsTerminal() {
			return a, tea.Batch(a.loadRunDetail(a.selectedRun.RunID), a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			if a.view == ViewRunList {
				a.view = ViewRunDetail
			}
		}
		return a, nil

	case runCancelledMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = fmt.Sprintf("cancel %s: %s", shortID(msg.runID), msg.outcome)
		}
		return a, a.loadRuns

	case runSubmittedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = "submitted " + shortID(msg.runID)
			a.view = ViewRunList
		}
		return a, a.loadRuns

	case outputLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
		} else {
			a.outputContent = msg.content
			a.view = ViewOutput
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewNewRun:
		return a.handleNewRunKey(msg)
	}
	return a, nil
}

func (a *App) selected() *control.RunView {
	idx := a.table.Cursor()
	if idx < 0 || idx >= len(a.runs) {
		return nil
	}
	return a.runs[idx]
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "enter":
		if run := a.selected(); run != nil {
			return a, a.loadRunDetail(run.RunID)
		}
		return a, nil

	case "n":
		a.view = ViewNewRun
		a.workflowIdx = 0
		return a, nil

	case "r":
		return a, a.loadRuns

	case "x":
		if run := a.selected(); run != nil {
			return a, a.cancelRun(run.RunID)
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	return a, cmd
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "x":
		if a.selectedRun != nil {
			return a, a.cancelRun(a.selectedRun.RunID)
		}

	case "o":
		if a.selectedRun != nil && a.selectedRun.LogPath != "" {
			return a, a.loadOutput(a.selectedRun.LogPath)
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.outputContent = ""

	case "ctrl+c":
		return a, tea.Quit
	}

	return a, nil
}

func (a *App) handleNewRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.view = ViewRunList

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.workflowIdx > 0 {
			a.workflowIdx--
		}

	case "down", "j":
		if a.workflowIdx < len(a.workflows)-1 {
			a.workflowIdx++
		}

	case "enter":
		if a.workflowIdx < len(a.workflows) {
			return a, a.submitRun(a.workflows[a.workflowIdx])
		}
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewNewRun:
		return a.viewNewRun()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusKilled    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) rows() []table.Row {
	rows := make([]table.Row, 0, len(a.runs))
	for _, run := range a.runs {
		rows = append(rows, table.Row{
			shortID(run.RunID),
			run.WorkflowName,
			statusLabel(run.Status),
			formatAge(run.CreatedAt),
			fmt.Sprint(run.Turns),
			fmt.Sprint(run.ToolInvocations),
			run.LastEvent,
		})
	}
	return rows
}

func (a *App) viewRunList() string {
	s := titleStyle.Render("Foreman") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	} else if a.notice != "" {
		s += dimStyle.Render(a.notice) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Press 'n' to start one.\n"
	} else {
		s += a.table.View() + "\n"
	}

	s += "\n" + helpStyle.Render("[enter] view  [n] new  [x] cancel  [r] refresh  [q] quit")

	return s
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run %s: %s", run.RunID, run.WorkflowName)
	s := titleStyle.Render(header) + "  " + formatStatus(run.Status) + "\n\n"

	field := func(label, value string) {
		if value != "" {
			s += labelStyle.Render(fmt.Sprintf("%-12s", label)) + value + "\n"
		}
	}
	field("Workspace:", run.WorkspacePath)
	if run.Persistent {
		field("Persistent:", "yes")
	}
	field("Branch:", run.Branch)
	field("Created:", run.CreatedAt.Local().Format(time.DateTime))
	if run.StartedAt != nil {
		field("Started:", run.StartedAt.Local().Format(time.DateTime))
	}
	if run.StartedAt != nil && run.CompletedAt != nil {
		field("Duration:", formatDuration(run.CompletedAt.Sub(*run.StartedAt)))
	} else if run.StartedAt != nil {
		field("Duration:", statusRunning.Render(formatDuration(time.Since(*run.StartedAt))+"..."))
	}
	field("Progress:", fmt.Sprintf("%d turns, %d tool calls", run.Turns, run.ToolInvocations))
	if run.ExitCode != nil {
		code := fmt.Sprintf("exit:%d", *run.ExitCode)
		if *run.ExitCode != 0 {
			code = statusFailed.Render(code)
		}
		field("Exit:", code)
	}
	field("Cancel:", run.CancelStage)
	field("Head:", run.HeadCommit)
	field("Session:", dimStyle.Render(run.SessionRef))
	if run.ErrorMessage != "" {
		s += "\n" + statusFailed.Render(run.ErrorMessage) + "\n"
	}

	s += "\n" + helpStyle.Render("[o] output  [x] cancel  [esc] back  [ctrl+c] quit")

	return s
}

func (a *App) viewNewRun() string {
	s := titleStyle.Render("New Run") + "\n\n"

	s += "Available workflows:\n"
	for i, name := range a.workflows {
		if i == a.workflowIdx {
			s += selectedStyle.Render("▶ "+name) + "\n"
		} else {
			s += "  " + name + "\n"
		}
	}

	if len(a.workflows) == 0 {
		s += "  (no workflows found)\n"
	}

	s += "\n" + helpStyle.Render("[enter] start  [esc] cancel")

	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Output") + "\n\n"

	if a.outputContent == "" {
		s += "(no output)\n"
	} else {
		s += a.outputContent + "\n"
	}

	s += "\n" + helpStyle.Render("[esc] back  [ctrl+c] quit")

	return s
}

func statusLabel(status string) string {
	switch models.RunStatus(status) {
	case models.RunStatusPending:
		return "○ pending"
	case models.RunStatusRunning:
		return "● running"
	case models.RunStatusCompleted:
		return "✓ completed"
	case models.RunStatusFailed:
		return "✗ failed"
	case models.RunStatusKilled:
		return "■ killed"
	default:
		return status
	}
}

func formatStatus(status string) string {
	label := statusLabel(status)
	switch models.RunStatus(status) {
	case models.RunStatusPending:
		return statusPending.Render(label)
	case models.RunStatusRunning:
		return statusRunning.Render(label)
	case models.RunStatusCompleted:
		return statusCompleted.Render(label)
	case models.RunStatusFailed:
		return statusFailed.Render(label)
	case models.RunStatusKilled:
		return statusKilled.Render(label)
	default:
		return label
	}
}

// Messages

type runsLoadedMsg struct {
	runs []*control.RunView
	err  error
}

type runDetailMsg struct {
	run *control.RunView
	err error
}

type runCancelledMsg struct {
	runID   string
	outcome control.CancelOutcome
	err     error
}

type runSubmittedMsg struct {
	runID string
	err   error
}

type outputLoadedMsg struct {
	content string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.surface.ListRuns(context.Background(), control.ListFilter{Limit: listLimit})
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.surface.GetRun(context.Background(), id)
		return runDetailMsg{run: run, err: err}
	}
}

func (a *App) cancelRun(id string) tea.Cmd {
	return func() tea.Msg {
		outcome, err := a.surface.Cancel(context.Background(), id)
		return runCancelledMsg{runID: id, outcome: outcome, err: err}
	}
}

func (a *App) submitRun(workflow string) tea.Cmd {
	return func() tea.Msg {
		id, err := a.surface.Submit(context.Background(), control.SubmitRequest{WorkflowName: workflow})
		return runSubmittedMsg{runID: id, err: err}
	}
}

// loadOutput shows the last assistant text and the final result from a
// run's transcript.
func (a *App) loadOutput(logPath string) tea.Cmd {
	return func() tea.Msg {
		file, err := os.Open(logPath)
		if err != nil {
			return outputLoadedMsg{err: fmt.Errorf("transcript not found: %w", err)}
		}
		defer file.Close()

		var lastText, result string
		dec := events.NewDecoder(file, slog.New(slog.NewTextHandler(io.Discard, nil)))
		for {
			evt, err := dec.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			var lineErr *events.LineError
			if errors.As(err, &lineErr) {
				continue
			}
			if err != nil {
				return outputLoadedMsg{err: err}
			}

			switch {
			case evt.Type == events.TypeAssistant && evt.Message != nil:
				var text strings.Builder
				for _, block := range evt.Message.Content {
					if block.Type == "text" {
						text.WriteString(block.Text)
					}
				}
				if text.Len() > 0 {
					lastText = text.String()
				}
			case evt.IsFinal():
				result = evt.Result
			}
		}

		content := lastText
		if result != "" && result != lastText {
			if content != "" {
				content += "\n\n"
			}
			content += labelStyle.Render("Result: ") + result
		}
		if content == "" {
			content = "(no output found)"
		}
		return outputLoadedMsg{content: content}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
