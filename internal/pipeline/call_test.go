package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallExecutor(t *testing.T) {
	tests := []struct {
		name        string
		exec        ExecutorFunc
		timeout     time.Duration
		wantErr     bool
		wantTimeout bool
	}{
		{
			name: "fast call returns output",
			exec: func(ctx context.Context, key string, in map[string]any, _ time.Duration) (map[string]any, error) {
				return map[string]any{"echo": in["x"]}, nil
			},
			timeout: time.Second,
		},
		{
			name: "unbounded call",
			exec: func(ctx context.Context, key string, in map[string]any, _ time.Duration) (map[string]any, error) {
				return map[string]any{"ok": true}, nil
			},
		},
		{
			name: "executor error passes through",
			exec: func(ctx context.Context, key string, in map[string]any, _ time.Duration) (map[string]any, error) {
				return nil, errors.New("boom")
			},
			timeout: time.Second,
			wantErr: true,
		},
		{
			name: "slow call is abandoned",
			exec: func(ctx context.Context, key string, in map[string]any, _ time.Duration) (map[string]any, error) {
				time.Sleep(200 * time.Millisecond)
				return map[string]any{}, nil
			},
			timeout:     20 * time.Millisecond,
			wantErr:     true,
			wantTimeout: true,
		},
		{
			name: "executor honoring its context reports a timeout",
			exec: func(ctx context.Context, key string, in map[string]any, _ time.Duration) (map[string]any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout:     20 * time.Millisecond,
			wantErr:     true,
			wantTimeout: true,
		},
		{
			name: "panic becomes error",
			exec: func(ctx context.Context, key string, in map[string]any, _ time.Duration) (map[string]any, error) {
				panic("bad agent")
			},
			timeout: time.Second,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := CallExecutor(context.Background(), tt.exec, "agent", map[string]any{"x": 1}, tt.timeout, ScopeStep)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if IsTimeoutError(err) != tt.wantTimeout {
				t.Errorf("IsTimeoutError = %v, want %v (err: %v)", IsTimeoutError(err), tt.wantTimeout, err)
			}
			if !tt.wantErr && out == nil {
				t.Error("expected output bundle")
			}
		})
	}
}

func TestCallExecutorReturnsOnCancel(t *testing.T) {
	for _, timeout := range []time.Duration{0, 5 * time.Second} {
		t.Run(timeout.String(), func(t *testing.T) {
			release := make(chan struct{})
			defer close(release)
			// Ignores its context and blocks until the test ends.
			stuck := ExecutorFunc(func(ctx context.Context, key string, in map[string]any, _ time.Duration) (map[string]any, error) {
				<-release
				return map[string]any{}, nil
			})

			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(20*time.Millisecond, cancel)

			start := time.Now()
			out, err := CallExecutor(ctx, stuck, "agent", nil, timeout, ScopeAgent)
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Fatalf("CallExecutor returned after %v, want prompt return on cancel", elapsed)
			}
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("err = %v, want context.Canceled", err)
			}
			if IsTimeoutError(err) {
				t.Errorf("cancellation reported as timeout: %v", err)
			}
			if out != nil {
				t.Errorf("out = %v, want nil", out)
			}
		})
	}
}
