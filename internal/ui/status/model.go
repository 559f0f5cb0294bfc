package status

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/abelbrown/harvest/internal/model"
)

// Snapshot is what a Loader returns.
type Snapshot struct {
	Records []model.Record
	Used    int64
	Budget  int64
}

// Loader reads the current state. It runs inside a tea.Cmd, off the UI
// goroutine.
type Loader func() (Snapshot, error)

// Loaded carries a Loader result back to the model.
type Loaded struct {
	Snapshot Snapshot
	Err      error
}

// RefreshTick asks the model to reload.
type RefreshTick struct{}

// Model is the live status view. It never touches the repository itself;
// data arrives through Loaded messages.
type Model struct {
	load     Loader
	interval time.Duration
	spinner  spinner.Model

	snap    Snapshot
	err     error
	loading bool
	updated time.Time
	width   int
}

// NewModel returns a Model that reloads every interval.
func NewModel(load Loader, interval time.Duration) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorSuccess)
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{load: load, interval: interval, spinner: s}
}

// Init starts the first load and the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), m.spinner.Tick)
}

func (m Model) loadCmd() tea.Cmd {
	if m.load == nil {
		return nil
	}
	load := m.load
	return func() tea.Msg {
		snap, err := load()
		return Loaded{Snapshot: snap, Err: err}
	}
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return RefreshTick{} })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if !m.loading {
				m.loading = true
				return m, m.loadCmd()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case Loaded:
		m.loading = false
		m.updated = time.Now()
		if msg.Err != nil {
			m.err = msg.Err
		} else {
			m.snap = msg.Snapshot
			m.err = nil
		}
		return m, m.tickCmd()

	case RefreshTick:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, m.loadCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the table plus a footer.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(Render(m.snap.Records, m.snap.Used, m.snap.Budget, m.width))
	if m.err != nil {
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}

	footer := "q quit · r refresh"
	if m.loading {
		footer = m.spinner.View() + " loading  " + footer
	} else if !m.updated.IsZero() {
		footer = "updated " + m.updated.Format("15:04:05") + "  " + footer
	}
	b.WriteString(helpStyle.Render(footer))
	return b.String()
}
