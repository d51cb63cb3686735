package backend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// TestFactory verifies New switches on Config.Type.
func TestFactory(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "claude", cfg: Config{Type: "claude", WorkDir: "/tmp"}},
		{name: "command", cfg: Config{Type: "command", Command: "cat"}},
		{name: "empty type is command", cfg: Config{Command: "cat"}},
		{name: "command without binary", cfg: Config{Type: "command"}, wantErr: "requires a command"},
		{name: "unknown", cfg: Config{Type: "codex"}, wantErr: "unknown backend type: codex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg, NewProcessManager())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if b == nil {
				t.Fatal("Expected non-nil backend")
			}
		})
	}
}

// TestExecutor_RoundTrip runs a command agent that replies with JSON.
func TestExecutor_RoundTrip(t *testing.T) {
	pm := NewProcessManager()
	exec, err := NewExecutor(map[string]Config{
		"writer": {
			Type:    "command",
			Command: "sh",
			Args:    []string{"-c", `read line; printf '{"output": "wrote: %s", "quality": 0.9}' "$line"`},
		},
	}, pm)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	out, err := exec.Execute(context.Background(), "writer", map[string]any{"task": "a poem"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out["output"] != "wrote: a poem" {
		t.Errorf("Expected parsed output, got %v", out["output"])
	}
	if out["quality"] != 0.9 {
		t.Errorf("Expected quality 0.9, got %v", out["quality"])
	}
	if pm.Count() != 0 {
		t.Errorf("Expected no tracked processes after Execute, got %d", pm.Count())
	}
}

// TestExecutor_PlainTextOutput keeps non-JSON replies under "output".
func TestExecutor_PlainTextOutput(t *testing.T) {
	exec, err := NewExecutor(map[string]Config{
		"echo": {Command: "cat"},
	}, nil)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	out, err := exec.Execute(context.Background(), "echo", map[string]any{"problemStatement": "x"}, 0)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	text, _ := out["output"].(string)
	if !strings.Contains(text, `"problemStatement": "x"`) {
		t.Errorf("Expected JSON-rendered inputs echoed back, got %q", text)
	}
}

// TestExecutor_UnknownAgent returns a typed not-found error.
func TestExecutor_UnknownAgent(t *testing.T) {
	exec, _ := NewExecutor(nil, nil)

	_, err := exec.Execute(context.Background(), "ghost", nil, 0)
	var nf *pipeline.AgentNotFoundError
	if !errors.As(err, &nf) || nf.AgentKey != "ghost" {
		t.Fatalf("Expected AgentNotFoundError for ghost, got %v", err)
	}
}

// TestExecutor_TimeoutKillsCommand verifies the per-call timeout reaches the subprocess.
func TestExecutor_TimeoutKillsCommand(t *testing.T) {
	exec, _ := NewExecutor(map[string]Config{
		"slow": {Command: "sh", Args: []string{"-c", "sleep 30"}},
	}, nil)

	start := time.Now()
	_, err := exec.Execute(context.Background(), "slow", nil, 200*time.Millisecond)
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Timeout took %v", elapsed)
	}
}

// TestExecutor_Registry verifies Has and Keys.
func TestExecutor_Registry(t *testing.T) {
	exec, _ := NewExecutor(map[string]Config{
		"writer":     {Command: "cat"},
		"researcher": {Command: "cat"},
	}, nil)
	exec.Register("editor", backendFunc(func(context.Context, Message) (Response, error) {
		return Response{Content: "ok"}, nil
	}))

	var _ pipeline.AgentRegistry = exec
	if !exec.Has("editor") || exec.Has("ghost") {
		t.Error("Has returned wrong answers")
	}
	if got := exec.Keys(); !sliceEqual(got, []string{"editor", "researcher", "writer"}) {
		t.Errorf("Expected sorted keys, got %v", got)
	}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		resp    Response
		wantOut any
		wantKey string
	}{
		{name: "plain text", resp: Response{Content: "  hello\n"}, wantOut: "hello"},
		{name: "json without output key", resp: Response{Content: `{"findings": ["a"]}`}, wantOut: `{"findings": ["a"]}`, wantKey: "findings"},
		{name: "json with output key", resp: Response{Content: `{"output": "done"}`}, wantOut: "done"},
		{name: "broken json", resp: Response{Content: `{"output": `}, wantOut: `{"output":`},
		{name: "session id", resp: Response{Content: "x", SessionID: "s"}, wantOut: "x", wantKey: "sessionId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ParseOutput(tt.resp)
			if out["output"] != tt.wantOut {
				t.Errorf("Expected output %q, got %q", tt.wantOut, out["output"])
			}
			if tt.wantKey != "" {
				if _, ok := out[tt.wantKey]; !ok {
					t.Errorf("Expected key %q in %v", tt.wantKey, out)
				}
			}
		})
	}
}

type backendFunc func(ctx context.Context, msg Message) (Response, error)

func (f backendFunc) Send(ctx context.Context, msg Message) (Response, error) { return f(ctx, msg) }
