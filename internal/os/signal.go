package os

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyOnShutdown returns a context that is cancelled on SIGINT or SIGTERM.
// Cancellation is the only shutdown signal the watcher's loops observe.
func NotifyOnShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
