// Package ctxtime provides cancellation-aware replacements for time
// package helpers, used by the stream reconnect backoff.
package ctxtime

import (
	"context"
	"time"
)

// Sleep waits for d unless ctx is cancelled first. A non-positive duration
// returns immediately, so the first reconnect attempt is never delayed.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if ctx == nil {
		time.Sleep(d)
		return nil
	}

	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}
	return nil
}
