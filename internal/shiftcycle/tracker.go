package shiftcycle

import (
	"context"
	"time"
)

const defaultTickInterval = time.Second

// Tracker re-evaluates a duty window on a fixed tick. It stops on its own
// once the window completes or the window's day is no longer the current
// day, and immediately when the context is canceled.
type Tracker struct {
	Window   Window
	Interval time.Duration
	Now      func() time.Time
}

// Run emits progress snapshots to fn, starting with one immediate
// evaluation. It returns nil when tracking ends naturally and ctx.Err()
// when canceled. The tick is released on every exit path.
func (t *Tracker) Run(ctx context.Context, fn func(Progress)) error {
	interval := t.Interval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	now := t.Now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		current := now()
		p := ComputeProgress(current, t.Window)
		fn(p)
		if p.Complete || !sameDay(current, t.Window.Date) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sameDay(t, day time.Time) bool {
	t = t.In(day.Location())
	return t.Year() == day.Year() && t.Month() == day.Month() && t.Day() == day.Day()
}
