package schedule

import (
	"context"
	"time"
)

// RunAt calls execute at runAt in a new goroutine. If ctx is done first,
// execute is never called. The returned channel is closed once the goroutine
// exits.
func RunAt(ctx context.Context, runAt time.Time, execute func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if !sleepUntil(ctx, runAt) {
			return
		}
		execute(ctx)
	}()
	return done
}

func sleepUntil(ctx context.Context, t time.Time) bool {
	delay := time.Until(t)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Every calls execute at each time the cron expression fires, until ctx is
// done. Runs never overlap: a run that outlasts the next fire time delays it
// to the first fire time after the run ends.
func Every(ctx context.Context, cron string, execute func(ctx context.Context, at time.Time)) error {
	expr, err := Parse(cron)
	if err != nil {
		return err
	}
	for {
		next := expr.Next(time.Now().UTC())
		if next.IsZero() {
			// The expression has no future fire times.
			return nil
		}
		if !sleepUntil(ctx, next) {
			return nil
		}
		execute(ctx, next)
	}
}
