package runner

import (
	"context"
	"fmt"
	"log/slog"
)

// StatusHandler is notified on every status transition of a run
type StatusHandler func(ctx context.Context, status Status) error

// ConsoleHandler receives console text appended since the previous call.
// An error or panic aborts the run with ErrConsoleHandler.
type ConsoleHandler func(ctx context.Context, fragment string) error

// notify calls a status handler and discards its error or panic, so a status
// observer can never abort the run that notifies it
func notify(ctx context.Context, log *slog.Logger, event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.WarnContext(ctx, "notification handler panicked", "event", event, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		log.WarnContext(ctx, "notification handler failed", "event", event, "error", err)
	}
}

// callConsole calls h and turns a panic into an error
func callConsole(ctx context.Context, h ConsoleHandler, fragment string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, fragment)
}
