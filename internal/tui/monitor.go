// internal/tui/monitor.go
//
// Live monitor for harness runs. It follows The Elm Architecture like any
// bubbletea program: telemetry events arrive as messages, Update folds them
// into counters and a table of decided tasks, and View renders the board.

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/tally/internal/task"
	"github.com/kingrea/tally/internal/telemetry"
)

const (
	defaultTableHeight = 12
	maxRows            = 200
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	escStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).MarginTop(1)
	summaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
)

// DoneMsg tells the monitor the run has finished. Summary is shown verbatim.
type DoneMsg struct {
	Summary string
	Err     error
}

type eventMsg struct {
	event telemetry.Event
}

type streamClosedMsg struct{}

// Monitor is the bubbletea model of the harness monitor.
type Monitor struct {
	title  string
	events <-chan telemetry.Event
	total  int

	table   table.Model
	spinner spinner.Model
	rows    []table.Row

	attempts    int
	infra       int
	redFlagged  int
	escalations int
	completed   int
	escalated   int
	failed      int
	cost        float64
	baseline    float64
	reasons     map[string]int

	done     bool
	closed   bool
	summary  string
	err      error
	width    int
	quitting bool
}

// NewMonitor builds a monitor reading from events. total is the number of
// tasks expected, or zero when unknown.
func NewMonitor(title string, events <-chan telemetry.Event, total int) *Monitor {
	columns := []table.Column{
		{Title: "Task", Width: 10},
		{Title: "Category", Width: 12},
		{Title: "Status", Width: 10},
		{Title: "Tier", Width: 8},
		{Title: "Attempts", Width: 8},
		{Title: "Esc", Width: 4},
		{Title: "Cost", Width: 9},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(defaultTableHeight),
		table.WithFocused(true),
	)
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	return &Monitor{
		title:   title,
		events:  events,
		total:   total,
		table:   t,
		spinner: s,
		reasons: make(map[string]int),
	}
}

func (m *Monitor) waitForEvent() tea.Cmd {
	events := m.events
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: event}
	}
}

// Init starts the spinner and the event pump.
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// Update folds one message into the model.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetHeight(max(4, min(defaultTableHeight, msg.Height-16)))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case eventMsg:
		m.apply(msg.event)
		return m, m.waitForEvent()

	case streamClosedMsg:
		m.closed = true
		return m, nil

	case DoneMsg:
		m.done = true
		m.summary = strings.TrimSpace(msg.Summary)
		m.err = msg.Err
		return m, nil

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Monitor) apply(event telemetry.Event) {
	switch event.Kind {
	case telemetry.KindAttempt:
		m.attempts++
		switch {
		case event.InfraError != "":
			m.infra++
		case !event.Admissible:
			m.redFlagged++
		}
	case telemetry.KindEscalation:
		m.escalations++
		m.reasons[event.Reason]++
	case telemetry.KindDecision:
		switch event.Status {
		case task.StatusCompleted:
			m.completed++
		case task.StatusEscalated:
			m.escalated++
		default:
			m.failed++
		}
		m.cost += event.CostUSD
		m.baseline += event.BaselineCostUSD
		m.addRow(event)
	}
}

func (m *Monitor) addRow(event telemetry.Event) {
	row := table.Row{
		shortID(event.TaskID),
		event.Category,
		string(event.Status),
		event.Tier,
		fmt.Sprintf("%d", event.AttemptsUsed),
		fmt.Sprintf("%d", event.Escalations),
		fmt.Sprintf("$%.4f", event.CostUSD),
	}
	m.rows = append([]table.Row{row}, m.rows...)
	if len(m.rows) > maxRows {
		m.rows = m.rows[:maxRows]
	}
	m.table.SetRows(m.rows)
}

// Decided is the number of tasks that have reached a terminal status.
func (m *Monitor) Decided() int {
	return m.completed + m.escalated + m.failed
}

// View renders the board.
func (m *Monitor) View() string {
	title := "⬡ TALLY"
	if m.title != "" {
		title += " · " + m.title
	}
	sections := []string{titleStyle.Render(title), m.renderProgress(), panelStyle.Render(m.renderStats()), m.table.View()}
	if m.done && m.summary != "" {
		sections = append(sections, panelStyle.Render(summaryStyle.Render(m.summary)))
	}
	if m.err != nil {
		sections = append(sections, failStyle.Render("error: "+m.err.Error()))
	}
	footer := "↑/↓ scroll · q quit"
	if m.done {
		footer = "run finished · q quit"
	}
	sections = append(sections, footerStyle.Render(footer))
	return strings.Join(sections, "\n")
}

func (m *Monitor) renderProgress() string {
	progress := fmt.Sprintf("%d decided", m.Decided())
	if m.total > 0 {
		progress = fmt.Sprintf("%d/%d decided", m.Decided(), m.total)
	}
	if m.done {
		return okStyle.Render("✓ ") + progress
	}
	return m.spinner.View() + " " + progress
}

func (m *Monitor) renderStats() string {
	savings := 0.0
	if m.baseline > 0 {
		savings = (m.baseline - m.cost) / m.baseline
	}
	lines := []string{
		fmt.Sprintf("%s %s  %s %s  %s %s",
			labelStyle.Render("completed"), okStyle.Render(fmt.Sprintf("%d", m.completed)),
			labelStyle.Render("escalated"), escStyle.Render(fmt.Sprintf("%d", m.escalated)),
			labelStyle.Render("failed"), failStyle.Render(fmt.Sprintf("%d", m.failed)),
		),
		fmt.Sprintf("%s %d  %s %d  %s %d",
			labelStyle.Render("attempts"), m.attempts,
			labelStyle.Render("red-flagged"), m.redFlagged,
			labelStyle.Render("infra"), m.infra,
		),
		fmt.Sprintf("%s $%.4f  %s $%.4f  %s %.1f%%",
			labelStyle.Render("cost"), m.cost,
			labelStyle.Render("baseline"), m.baseline,
			labelStyle.Render("savings"), savings*100,
		),
	}
	if m.escalations > 0 {
		var parts []string
		for _, reason := range []string{
			string(task.ReasonNoConsensus),
			string(task.ReasonConsensusOnFailure),
			string(task.ReasonCorrelatedRedFlag),
		} {
			if n := m.reasons[reason]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s %d", reason, n))
			}
		}
		lines = append(lines, labelStyle.Render("escalations ")+strings.Join(parts, " · "))
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
