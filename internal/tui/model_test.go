package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/agentpipe/internal/events"
)

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModelTracksDAGRun(t *testing.T) {
	ch := make(chan events.Event)
	m := feed(t, NewFromChannel(ch),
		tea.WindowSizeMsg{Width: 120, Height: 40},
		events.PipelineStartedEvent{ID: "pip_1", Name: "report", Kind: events.KindDAG, Total: 2},
		events.PhaseStartedEvent{ID: "pip_1", Phase: 1, Name: "gather"},
		events.AgentStartedEvent{ID: "pip_1", AgentID: 1, AgentKey: "researcher", Name: "Researcher"},
		events.AgentCompletedEvent{ID: "pip_1", AgentID: 1, AgentKey: "researcher", Duration: time.Second},
		events.ProgressEvent{ID: "pip_1", Completed: 1, Total: 2, Percentage: 50},
		events.AgentStartedEvent{ID: "pip_1", AgentID: 2, AgentKey: "writer", Name: "Writer"},
		events.AgentFailedEvent{ID: "pip_1", AgentID: 2, AgentKey: "writer", Error: "boom"},
		events.ProgressEvent{ID: "pip_1", Completed: 1, Failed: 1, Total: 2, Percentage: 50},
		events.PipelineCompletedEvent{ID: "pip_1", Completed: 1, Total: 2},
	)

	if !m.Finished() {
		t.Fatal("expected finished run")
	}
	if got := len(m.agentPane.agentOrder); got != 2 {
		t.Fatalf("agent rows = %d, want 2", got)
	}
	writer := m.agentPane.agents[rowID("pip_1", 2, 0)]
	if writer.Status != "failed" || !strings.Contains(strings.Join(writer.Log, "\n"), "boom") {
		t.Errorf("writer state = %+v", writer)
	}
	if m.progressPane.completed != 1 || m.progressPane.failed != 1 || m.progressPane.phase != "gather" {
		t.Errorf("progress pane = %+v", m.progressPane)
	}

	view := m.View()
	for _, want := range []string{"Pipeline Progress", "report (dag)", "Researcher"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModelTracksChainRun(t *testing.T) {
	m := feed(t, NewFromChannel(nil),
		tea.WindowSizeMsg{Width: 120, Height: 40},
		events.PipelineStartedEvent{ID: "pip_2", Name: "blog", Kind: events.KindSequential, Total: 2},
		events.AgentSelectedEvent{ID: "pip_2", StepIndex: 0, AgentKey: "writer", TaskDescription: "write it"},
		events.AgentStartedEvent{ID: "pip_2", StepIndex: 0, AgentKey: "writer"},
		events.AgentCompletedEvent{ID: "pip_2", StepIndex: 0, AgentKey: "writer", Quality: 0.9},
		events.MemoryStoredEvent{ID: "pip_2", StepIndex: 0, Key: "pip_2/step-0", Namespace: "drafts"},
		events.AgentStartedEvent{ID: "pip_2", StepIndex: 1, AgentKey: "editor"},
		events.AgentFailedEvent{ID: "pip_2", StepIndex: 1, AgentKey: "editor", QualityGate: true, Error: "quality 0.4 below 0.7"},
		events.PipelineFailedEvent{ID: "pip_2", Error: "quality gate failed", Completed: 1},
	)

	if m.progressPane.status != "failed" || m.progressPane.completed != 1 || m.progressPane.failed != 1 {
		t.Errorf("progress pane = %+v", m.progressPane)
	}
	step0 := m.agentPane.agents[rowID("pip_2", 0, 0)]
	if step0 == nil || step0.Status != "completed" || len(step0.Log) != 4 {
		t.Fatalf("step 0 = %+v", step0)
	}
	if !strings.Contains(m.View(), "quality gate failed") {
		t.Error("view should show the failure")
	}
}

func TestModelFocusAndQuit(t *testing.T) {
	m := feed(t, NewFromChannel(nil), tea.WindowSizeMsg{Width: 80, Height: 24})

	m = feed(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneProgress {
		t.Errorf("focus = %v, want progress", m.focusedPane)
	}
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.focusedPane != PaneAgents {
		t.Errorf("focus = %v, want agents", m.focusedPane)
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil || !next.(Model).quitting {
		t.Error("q should quit")
	}
}

func TestWaitForEventReportsClosedBus(t *testing.T) {
	bus := events.NewEventBus()
	m := New(bus)
	bus.Close()

	msg := m.Init()()
	if _, ok := msg.(busClosedMsg); !ok {
		t.Fatalf("expected busClosedMsg, got %T", msg)
	}
	m = feed(t, m, msg)
	if !m.busClosed {
		t.Error("model should record the closed bus")
	}
}

func TestModelHelpBarAndSelection(t *testing.T) {
	ch := make(chan events.Event)
	m := feed(t, NewFromChannel(ch),
		tea.WindowSizeMsg{Width: 160, Height: 30},
		events.AgentStartedEvent{ID: "pip_1", AgentID: 1, AgentKey: "researcher", Name: "Researcher"},
		events.AgentStartedEvent{ID: "pip_1", AgentID: 2, AgentKey: "writer", Name: "Writer"},
	)

	if view := m.View(); !strings.Contains(view, "cycle focus") {
		t.Errorf("help bar missing from view:\n%s", view)
	}

	m = feed(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if m.agentPane.selectedIdx != 1 {
		t.Errorf("j should select the next agent, got index %d", m.agentPane.selectedIdx)
	}
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if m.agentPane.selectedIdx != 0 {
		t.Errorf("up should select the previous agent, got index %d", m.agentPane.selectedIdx)
	}
}
