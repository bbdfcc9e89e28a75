package executor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// messageRateLimiter caps inbound status traffic so a misbehaving
// device agent cannot flood the dialog with executor events. Counters
// are reset once per window.
type messageRateLimiter struct {
	seen    atomic.Int64
	dropped atomic.Int64
	limit   int64
	window  time.Duration
	logger  *slog.Logger
}

func newMessageRateLimiter(limit int64, window time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, window: window, logger: logger}
}

// start resets the window on a ticker until ctx is done.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

// reset closes the current window, logging if anything was dropped.
func (r *messageRateLimiter) reset() {
	seen := r.seen.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("executor messages dropped",
			"seen", seen,
			"dropped", dropped,
			"window", r.window,
			"limit", r.limit,
		)
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.seen.Add(1) <= r.limit {
		return true
	}
	r.dropped.Add(1)
	return false
}
