// Package tui implements the terminal dashboard (C18): a bubbletea
// program rendering the same stats as the websocket dashboard (C17)
// as a live table, launched by cmd/sender and cmd/receiver under
// -tui.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kburak/meshstream/dashboard"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	rowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).MarginBottom(1)
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Model is the bubbletea model driving the terminal dashboard.
type Model struct {
	source dashboard.Source
	frame  dashboard.Frame
}

// New constructs a Model pulling frames from source.
func New(source dashboard.Source) Model {
	return Model{source: source, frame: source()}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return tick() }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.frame = m.source()
		return m, tick()
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("meshstream"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("tier: %d bps @ %d fps   delivered: %d   dropped: %d\n\n",
		m.frame.BitrateBps, m.frame.FPS, m.frame.FramesDelivered, m.frame.FramesDropped))

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-8s %8s %10s %8s", "PORT", "RTT(ms)", "LOSS", "WEIGHT")))
	b.WriteString("\n")
	for _, p := range m.frame.Paths {
		b.WriteString(rowStyle.Render(fmt.Sprintf("%-8d %8.1f %10.3f %8d", p.Port, p.RTTMs, p.LossRatio, p.Weight)))
		b.WriteString("\n")
	}
	b.WriteString("\n(press q to quit)\n")
	return b.String()
}

// Run starts the bubbletea program and blocks until the user quits.
func Run(source dashboard.Source) error {
	_, err := tea.NewProgram(New(source)).Run()
	return err
}
