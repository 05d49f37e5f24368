// Package scheduler runs periodic tasks that stop when their context ends.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Task is a named periodic job.
type Task struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool
	Fn             func(ctx context.Context)
}

// Run executes t every Interval until ctx is done. Runs never overlap: a
// run that overruns the interval delays the next one instead of stacking.
func Run(ctx context.Context, t Task) {
	if t.Fn == nil {
		slog.Warn("scheduler: task is nil, exit", "task", t.Name)
		return
	}
	if t.Interval <= 0 {
		slog.Warn("scheduler: invalid interval, exit", "task", t.Name, "interval", t.Interval)
		return
	}

	slog.Debug("scheduler: started", "task", t.Name, "interval", t.Interval, "run_immediately", t.RunImmediately)
	if t.RunImmediately && ctx.Err() == nil {
		t.Fn(ctx)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("scheduler: ctx done, exit", "task", t.Name)
			return
		case <-ticker.C:
			t.Fn(ctx)
		}
	}
}

// Go starts t in its own goroutine and returns a channel closed when it exits.
func Go(ctx context.Context, t Task) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, t)
	}()
	return done
}
