package session

import (
	"context"
	"time"
)

// DefaultYieldDelay is how long a job waits before raster work so that the
// processing status can be observed first
const DefaultYieldDelay = 10 * time.Millisecond

// Scheduler hands control back to the presentation layer before a job starts its
// pixel work. Yield returns early with the context error when ctx is done.
type Scheduler interface {
	Yield(ctx context.Context) error
}

// DelayScheduler yields by sleeping for Delay
type DelayScheduler struct {
	Delay time.Duration
}

func (d DelayScheduler) Yield(ctx context.Context) error {
	if d.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
