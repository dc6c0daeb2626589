package daemon

import (
	"context"
	"time"
)

// Sleep for d, but return early if ctx is done.
//
// Used where sleeping is a deliberate anti-flood measure but shutdown or
// client disconnect should abort the sleep immediately.
func Sleep(ctx context.Context, d time.Duration) (ctxDone bool) {
	t := time.NewTicker(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}
