package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/agentpipe/internal/backend"
)

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create ProcessManager for subprocess tracking
	pm := backend.NewProcessManager()
	rootCmd := newRootCmd(newApp(pm))

	errChan := make(chan error, 1)
	go func() {
		errChan <- rootCmd.ExecuteContext(ctx)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C force-exits
		stop()
		slog.Info("shutdown signal received, cleaning up")

		if kerr := pm.KillAll(); kerr != nil {
			slog.Error("failed to kill subprocesses", "error", kerr)
		}

		select {
		case err = <-errChan:
		case <-time.After(10 * time.Second):
			slog.Error("shutdown timeout exceeded, forcing exit")
			os.Exit(1)
		}
	}

	if err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
