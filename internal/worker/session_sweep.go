package worker

import (
	"context"
	"log/slog"
	"time"
)

// sessionSweepInterval is how often idle sessions are checked against the
// Conversation Correlator's idle timeout.
const sessionSweepInterval = 1 * time.Minute

// SessionSweeper is the subset of conversation.Correlator the
// SessionSweepWorker depends on.
type SessionSweeper interface {
	SweepIdle(ctx context.Context, now time.Time) (int, error)
}

// SessionSweepWorker periodically closes conversation sessions that have
// gone idle past the Conversation Correlator's configured timeout.
type SessionSweepWorker struct {
	correlator SessionSweeper
	interval   time.Duration
}

// NewSessionSweepWorker creates a SessionSweepWorker backed by correlator.
// interval of 0 uses the default sweep cadence (1m).
func NewSessionSweepWorker(correlator SessionSweeper, interval time.Duration) *SessionSweepWorker {
	if interval <= 0 {
		interval = sessionSweepInterval
	}
	return &SessionSweepWorker{correlator: correlator, interval: interval}
}

// Name returns the worker identifier.
func (w *SessionSweepWorker) Name() string { return "session_sweep" }

// Run sweeps for idle sessions every interval until ctx is cancelled.
func (w *SessionSweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := w.correlator.SweepIdle(ctx, time.Now())
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "session sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				slog.LogAttrs(ctx, slog.LevelInfo, "idle sessions closed",
					slog.Int("count", n),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
