package clock

import (
	"context"
	"time"
)

// Backoff returns min(max, 2^attempt seconds). Negative attempts count as 0.
func Backoff(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^30s is far past any sane max; avoid shifting into overflow.
	if attempt > 30 {
		return max
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if max > 0 && d > max {
		return max
	}
	return d
}

// Sleep waits for d on clk or until ctx is done.
func Sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
