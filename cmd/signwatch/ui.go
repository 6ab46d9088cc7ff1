package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nerrad567/signpost-core/internal/clientsync"
	"github.com/nerrad567/signpost-core/internal/sign"
)

// fleetSource is the part of *clientsync.Syncer the UI reads.
type fleetSource interface {
	State() clientsync.State
	Signs() []sign.Sign
	Changes() <-chan struct{}
	Reinit()
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	footerStyle = lipgloss.NewStyle().Faint(true)
	stateStyles = map[clientsync.State]lipgloss.Style{
		clientsync.StateStreaming: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		clientsync.StatePolling:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	}
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// changedMsg reports that the syncer's data or state moved.
type changedMsg struct{}

// fleetModel is the bubbletea model for the live fleet table.
type fleetModel struct {
	source fleetSource
	server string
	now    func() time.Time

	state clientsync.State
	signs []sign.Sign
}

func newFleetModel(source fleetSource, server string) fleetModel {
	m := fleetModel{source: source, server: server, now: time.Now}
	m.refresh()
	return m
}

func (m *fleetModel) refresh() {
	m.state = m.source.State()
	m.signs = m.source.Signs()
}

// waitForChange blocks until the syncer signals a change.
func waitForChange(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-changes
		return changedMsg{}
	}
}

// Init implements tea.Model.
func (m fleetModel) Init() tea.Cmd {
	return waitForChange(m.source.Changes())
}

// Update implements tea.Model.
func (m fleetModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case changedMsg:
		m.refresh()
		return m, waitForChange(m.source.Changes())
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			m.source.Reinit()
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m fleetModel) View() string {
	var b strings.Builder

	style, ok := stateStyles[m.state]
	if !ok {
		style = degradedStyle
	}
	fmt.Fprintf(&b, "%s  %s  %s\n\n",
		titleStyle.Render("signwatch"), m.server, style.Render(m.state.String()))

	if err := render(&b, m.state.String(), m.signs, m.now()); err != nil {
		fmt.Fprintf(&b, "render error: %v\n", err)
	}

	b.WriteString("\n" + footerStyle.Render("r reload · q quit") + "\n")
	return b.String()
}
