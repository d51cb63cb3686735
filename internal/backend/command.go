package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// CommandAdapter runs an arbitrary CLI per message: the message content is
// written to stdin and stdout is the reply.
type CommandAdapter struct {
	command string
	args    []string
	workDir string
	env     []string
	procMgr *ProcessManager
}

// NewCommandAdapter creates a command backend. cfg.Command is required.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command backend requires a command")
	}

	env := append([]string(nil), cfg.Env...)
	if cfg.Model != "" {
		env = append(env, "AGENTPIPE_MODEL="+cfg.Model)
	}
	if cfg.SystemPrompt != "" {
		env = append(env, "AGENTPIPE_SYSTEM_PROMPT="+cfg.SystemPrompt)
	}

	return &CommandAdapter{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		workDir: cfg.WorkDir,
		env:     env,
		procMgr: procMgr,
	}, nil
}

// Send runs the command once with msg.Content on stdin.
func (a *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, a.command, a.args...)
	cmd.Dir = a.workDir
	cmd.Stdin = strings.NewReader(msg.Content)
	if len(a.env) > 0 {
		cmd.Env = append(os.Environ(), a.env...)
	}

	stdout, _, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("%s failed: %v", a.command, err),
		}, err
	}

	return Response{Content: string(stdout)}, nil
}
