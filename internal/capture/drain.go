package capture

import (
	"context"
	"log/slog"
	"time"
)

// maxDrainAttempts bounds how many redelivery attempts an entry gets before
// it is dropped, per spec (initial 1s, multiplier 2, cap 60s, max 6
// attempts).
const maxDrainAttempts = 6

// backoffDelay returns the wait before attempt+1, given attempt has just
// failed (1-indexed).
func backoffDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 60*time.Second {
			return 60 * time.Second
		}
	}
	return d
}

// DrainOnce retries every entry in the fallback queue whose backoff has
// elapsed, re-queuing failures that haven't exhausted their attempt budget
// and dropping (with a structured log and a counter increment) those that
// have. It's designed to be called by a periodic worker, not inline on the
// request path.
func (p *Pipeline) DrainOnce(ctx context.Context, now time.Time) {
	for _, e := range p.queue.Drain() {
		if now.Before(e.nextRetryAt) {
			p.queue.Push(e)
			continue
		}

		e.attempts++
		dctx, cancel := context.WithTimeout(ctx, p.primaryTimeout)
		err := p.deliver(dctx, e)
		cancel()
		if err == nil {
			continue
		}

		if e.attempts >= maxDrainAttempts {
			p.metrics.CaptureDropped()
			slog.LogAttrs(ctx, slog.LevelError, "capture entry dropped after exhausting retries",
				slog.String("request_id", e.usage.RequestID),
				slog.Int("attempts", e.attempts),
				slog.String("error", err.Error()),
			)
			continue
		}

		e.nextRetryAt = now.Add(backoffDelay(e.attempts))
		p.queue.Push(e)
	}
}
