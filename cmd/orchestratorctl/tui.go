package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/agentorch/internal/bus"
)

var (
	tuiTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	tuiDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	tuiLogMax     = 20
)

// busEventMsg wraps a bus.Event so it flows through bubbletea's Update loop.
type busEventMsg bus.Event

// tuiModel is a minimal operator console: it tails run-state-changed,
// lease, and workflow-node events off the bus so an operator attached to
// a terminal can watch dispatch/recovery activity without a log tail.
type tuiModel struct {
	sub  *bus.Subscription
	logs []string
	quit bool
}

func newTUIModel(b *bus.Bus) tuiModel {
	return tuiModel{sub: b.Subscribe("")}
}

func (m tuiModel) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m tuiModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-m.sub.Ch()
		if !ok {
			return nil
		}
		return busEventMsg(evt)
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" || msg.String() == "esc" {
			m.quit = true
			return m, tea.Quit
		}
	case busEventMsg:
		m.logs = append(m.logs, formatBusEvent(bus.Event(msg)))
		if len(m.logs) > tuiLogMax {
			m.logs = m.logs[len(m.logs)-tuiLogMax:]
		}
		return m, m.waitForEvent()
	}
	return m, nil
}

func (m tuiModel) View() string {
	var b strings.Builder
	b.WriteString(tuiTitleStyle.Render("agentorch — live dispatch/recovery activity"))
	b.WriteString("\n")
	b.WriteString(tuiDimStyle.Render("press q to exit"))
	b.WriteString("\n\n")
	if len(m.logs) == 0 {
		b.WriteString(tuiDimStyle.Render("waiting for events..."))
	}
	for _, line := range m.logs {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func formatBusEvent(evt bus.Event) string {
	switch p := evt.Payload.(type) {
	case bus.RunStateChangedEvent:
		return fmt.Sprintf("run %s: %s -> %s (task %s)", p.RunID, p.OldState, p.NewState, p.TaskID)
	default:
		return fmt.Sprintf("%s: %v", evt.Topic, evt.Payload)
	}
}
