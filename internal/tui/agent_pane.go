package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentpipe/internal/events"
)

// AgentState is the display state of one DAG agent or chain step.
type AgentState struct {
	RowID     string
	Name      string
	AgentKey  string
	Status    string // "running", "completed", "failed"
	Quality   float64
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// AgentPaneModel represents the agent list and per-agent log viewport.
type AgentPaneModel struct {
	agents      map[string]*AgentState // row ID -> state
	agentOrder  []string               // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	vp := viewport.New(0, 0)
	return AgentPaneModel{
		agents:   make(map[string]*AgentState),
		viewport: vp,
	}
}

// rowID identifies a DAG agent by ID and a chain step by index.
func rowID(pipelineID string, agentID, stepIndex int) string {
	if agentID > 0 {
		return fmt.Sprintf("%s/agent-%d", pipelineID, agentID)
	}
	return fmt.Sprintf("%s/step-%d", pipelineID, stepIndex)
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.agentOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.AgentSelectedEvent:
		agent := m.ensure(rowID(msg.ID, 0, msg.StepIndex), msg.AgentKey, msg.AgentKey, msg.Timestamp)
		agent.appendLog(fmt.Sprintf("selected %s for %q", msg.AgentKey, msg.TaskDescription))

	case events.AgentStartedEvent:
		name := msg.Name
		if name == "" {
			name = fmt.Sprintf("step %d: %s", msg.StepIndex, msg.AgentKey)
		}
		agent := m.ensure(rowID(msg.ID, msg.AgentID, msg.StepIndex), name, msg.AgentKey, msg.Timestamp)
		agent.Status = "running"
		agent.StartTime = msg.Timestamp
		agent.appendLog("started")

	case events.AgentCompletedEvent:
		if agent, ok := m.agents[rowID(msg.ID, msg.AgentID, msg.StepIndex)]; ok {
			agent.Status = "completed"
			agent.Duration = msg.Duration
			agent.Quality = msg.Quality
			agent.appendLog(fmt.Sprintf("completed in %v (quality %.2f)", msg.Duration.Round(time.Millisecond), msg.Quality))
		}

	case events.AgentFailedEvent:
		if agent, ok := m.agents[rowID(msg.ID, msg.AgentID, msg.StepIndex)]; ok {
			agent.Status = "failed"
			agent.Duration = msg.Duration
			if msg.QualityGate {
				agent.appendLog(fmt.Sprintf("rejected by quality gate: %s", msg.Error))
			} else {
				agent.appendLog(fmt.Sprintf("failed: %s", msg.Error))
			}
		}

	case events.MemoryStoredEvent:
		if agent, ok := m.agents[rowID(msg.ID, 0, msg.StepIndex)]; ok {
			agent.appendLog(fmt.Sprintf("stored %s in %s [%s]", msg.Key, msg.Namespace, strings.Join(msg.Tags, ", ")))
		}
	}

	if _, isKey := msg.(tea.KeyMsg); !isKey {
		m.updateViewportContent()
	}
	return m, cmd
}

func (m *AgentPaneModel) ensure(id, name, agentKey string, ts time.Time) *AgentState {
	if agent, ok := m.agents[id]; ok {
		return agent
	}
	agent := &AgentState{RowID: id, Name: name, AgentKey: agentKey, StartTime: ts}
	m.agents[id] = agent
	m.agentOrder = append(m.agentOrder, id)
	return agent
}

func (a *AgentState) appendLog(line string) {
	a.Log = append(a.Log, line)
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderAgentList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderAgentList renders the agent list column.
func (m AgentPaneModel) renderAgentList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Agents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.agentOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, id := range m.agentOrder {
			agent := m.agents[id]
			name := agent.Name
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(agent.Status), name)
			if agent.Status == "completed" && agent.Quality > 0 {
				line += " " + QualityBadge(agent.Quality)
			}
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Selected returns the highlighted agent, if any.
func (m AgentPaneModel) Selected() (*AgentState, bool) {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.agentOrder) {
		return m.agents[m.agentOrder[m.selectedIdx]], true
	}
	return nil, false
}

// updateViewportContent shows the selected agent's log.
func (m *AgentPaneModel) updateViewportContent() {
	agent, ok := m.Selected()
	if !ok {
		m.viewport.SetContent("Waiting for agents...")
		return
	}

	header := fmt.Sprintf("%s (%s)\n\n", agent.Name, agent.AgentKey)
	m.viewport.SetContent(header + strings.Join(agent.Log, "\n"))
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *AgentPaneModel) resizeViewport() {
	listWidth := 25
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
