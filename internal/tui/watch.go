// Package tui provides a read-only terminal monitor for a network's
// stage and sub-task steps.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomhq/loom/internal/coordinator"
	"github.com/loomhq/loom/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	stageStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("6"))

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	statusQueued    = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	statusPaused    = lipgloss.NewStyle().Foreground(lipgloss.Color("4")) // Blue
)

func formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusQueued:
		return statusQueued.Render("● queued")
	case models.TaskStatusRunning:
		return statusRunning.Render("● running")
	case models.TaskStatusCompleted:
		return statusCompleted.Render("● completed")
	case models.TaskStatusFailed:
		return statusFailed.Render("● failed")
	case models.TaskStatusPaused:
		return statusPaused.Render("● paused")
	default:
		return string(status)
	}
}

type statusMsg struct {
	status *coordinator.NetworkStatus
}

type errMsg struct {
	err error
}

type tickMsg time.Time

// Model is the watch screen for one network.
type Model struct {
	svc       *coordinator.Service
	networkID string
	interval  time.Duration

	table   table.Model
	spinner spinner.Model
	status  *coordinator.NetworkStatus
	loading bool
	err     error
}

// NewModel creates a watch model for the given network.
func NewModel(svc *coordinator.Service, networkID string, interval time.Duration) *Model {
	columns := []table.Column{
		{Title: "Step", Width: 4},
		{Title: "Task", Width: 36},
		{Title: "Status", Width: 14},
		{Title: "Worker", Width: 14},
		{Title: "Progress", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(14),
		table.WithFocused(true),
	)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &Model{
		svc:       svc,
		networkID: networkID,
		interval:  interval,
		table:     t,
		spinner:   sp,
		loading:   true,
	}
}

// Init starts the spinner, the first load, and the refresh timer.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load(), m.tick())
}

func (m *Model) load() tea.Cmd {
	return func() tea.Msg {
		status, err := m.svc.GetNetworkStatus(m.networkID)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg{status}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, m.load()
		}

	case statusMsg:
		m.loading = false
		m.err = nil
		m.status = msg.status
		m.table.SetRows(rowsFor(msg.status.Subtasks))
		return m, nil

	case errMsg:
		m.loading = false
		m.err = msg.err
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the watch screen.
func (m *Model) View() string {
	header := titleStyle.Render(fmt.Sprintf("Network %s", m.networkID))
	if m.status != nil {
		header += "  " + stageStyle.Render(fmt.Sprintf("[%s]", m.status.Stage))
	}
	if m.loading {
		header += "  " + m.spinner.View()
	}

	body := m.table.View()
	if m.err != nil {
		body = statusFailed.Render(fmt.Sprintf("error: %v", m.err))
	}

	help := helpStyle.Render("r refresh • q quit")
	return fmt.Sprintf("%s\n\n%s\n\n%s\n", header, body, help)
}

func rowsFor(subtasks []models.NetworkTask) []table.Row {
	rows := make([]table.Row, 0, len(subtasks))
	for _, t := range subtasks {
		step := ""
		if t.StepNumber != nil {
			step = fmt.Sprintf("%d", *t.StepNumber)
		}
		rows = append(rows, table.Row{
			step,
			t.Description,
			formatStatus(t.Status),
			t.AssignedTo,
			fmt.Sprintf("%d%%", t.Progress),
		})
	}
	return rows
}

// Run starts the watch program and blocks until it exits.
func Run(svc *coordinator.Service, networkID string, interval time.Duration) error {
	p := tea.NewProgram(NewModel(svc, networkID, interval))
	_, err := p.Run()
	return err
}
