package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type callResult struct {
	out map[string]any
	err error
}

// CallExecutor invokes exec and bounds the call by timeout and by ctx. A call
// that overruns or whose caller goes away is abandoned: its goroutine is left
// to finish on its own and the result is discarded. timeout <= 0 means no
// per-call limit.
func CallExecutor(ctx context.Context, exec AgentExecutor, agentKey string, inputs map[string]any, timeout time.Duration, scope TimeoutScope) (map[string]any, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	var expired <-chan time.Time
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		out, err := safeExecute(callCtx, exec, agentKey, inputs, timeout)
		done <- callResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if timeout > 0 && r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &PipelineTimeoutError{Scope: scope, Target: agentKey, Limit: timeout, Elapsed: time.Since(start)}
		}
		return r.out, r.err
	case <-expired:
		return nil, &PipelineTimeoutError{Scope: scope, Target: agentKey, Limit: timeout, Elapsed: time.Since(start)}
	case <-ctx.Done():
		return nil, fmt.Errorf("agent %q abandoned: %w", agentKey, ctx.Err())
	}
}

func safeExecute(ctx context.Context, exec AgentExecutor, agentKey string, inputs map[string]any, timeout time.Duration) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("agent %q panicked: %v", agentKey, r)
		}
	}()
	return exec.Execute(ctx, agentKey, inputs, timeout)
}
