package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is additionally
// canceled when secondary is canceled. Browser operations use it so a single
// call respects both the session lifetime and the caller's deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}

// valueOnlyContext keeps the values of its parent but drops cancellation and
// deadlines.
type valueOnlyContext struct{ context.Context }

func (valueOnlyContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (valueOnlyContext) Done() <-chan struct{}       { return nil }
func (valueOnlyContext) Err() error                  { return nil }

// Detach returns a context that still resolves the chromedp target attached
// to ctx but ignores ctx's cancellation. Used for best-effort cleanup work
// that must outlive an expiring operation context.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
