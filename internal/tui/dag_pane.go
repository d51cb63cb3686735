package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentpipe/internal/events"
)

// ProgressPaneModel shows the run-level progress of a DAG or chain.
type ProgressPaneModel struct {
	pipelineID string
	name       string
	kind       string
	phase      string
	status     string
	errMsg     string
	quality    float64
	total      int
	completed  int
	running    int
	failed     int
	width      int
	height     int
	focused    bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{status: "waiting"}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.PipelineStartedEvent:
		m = ProgressPaneModel{
			pipelineID: msg.ID,
			name:       msg.Name,
			kind:       msg.Kind,
			status:     "running",
			total:      msg.Total,
			width:      m.width,
			height:     m.height,
			focused:    m.focused,
		}

	case events.PhaseStartedEvent:
		m.phase = msg.Name

	case events.AgentStartedEvent:
		m.running++

	case events.AgentCompletedEvent:
		m.running = max(0, m.running-1)
		if m.kind == events.KindSequential {
			m.completed++
		}

	case events.AgentFailedEvent:
		m.running = max(0, m.running-1)
		if m.kind == events.KindSequential {
			m.failed++
		}

	case events.ProgressEvent:
		m.completed = msg.Completed
		m.failed = msg.Failed
		m.total = msg.Total

	case events.PipelineCompletedEvent:
		m.status = "completed"
		m.completed = msg.Completed
		m.quality = msg.OverallQuality
		m.running = 0

	case events.PipelineFailedEvent:
		m.status = "failed"
		m.errMsg = msg.Error
		m.running = 0
	}

	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Pipeline Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.pipelineID != "" {
		b.WriteString(fmt.Sprintf("Pipeline:  %s (%s)\n", m.name, m.kind))
		b.WriteString(fmt.Sprintf("ID:        %s\n", m.pipelineID))
	}
	if m.phase != "" {
		b.WriteString(fmt.Sprintf("Phase:     %s\n", m.phase))
	}
	b.WriteString(fmt.Sprintf("Status:    %s %s\n", StatusIcon(m.status), m.status))
	b.WriteString(fmt.Sprintf("Total:     %d\n", m.total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.completed))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.running))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed))))
	if m.kind == events.KindSequential && m.status == "completed" {
		b.WriteString(fmt.Sprintf("Quality:   %s\n", QualityBadge(m.quality)))
	}
	if m.errMsg != "" {
		b.WriteString(StyleStatusFailed.Render("Error: " + m.errMsg))
		b.WriteString("\n")
	}

	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, m.completed, m.total))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// Finished reports whether the run reached a terminal status.
func (m ProgressPaneModel) Finished() bool {
	return m.status == "completed" || m.status == "failed"
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
