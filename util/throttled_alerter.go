package util

import (
	"context"
	"sync"
	"time"
)

// ThrottledAlerter wraps an Alerter so operator-visible notifications fire
// at most once per MinInterval, so a flapping chain cannot page an
// operator more than once per window. The wrapped Alerter's own delivery
// (Slack, Sentry, Loggly, ...) is the caller's concern.
type ThrottledAlerter struct {
	next        Alerter
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewThrottledAlerter(next Alerter, minInterval time.Duration) *ThrottledAlerter {
	if next == nil {
		next = NoopAlerter()
	}
	return &ThrottledAlerter{next: next, minInterval: minInterval}
}

// Alert forwards to the wrapped Alerter only if MinInterval has elapsed
// since the last forwarded call; otherwise it is silently dropped. Within a
// window only the first alert is delivered; later ones are not kept.
func (a *ThrottledAlerter) Alert(ctx context.Context, format string, v ...interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if !a.last.IsZero() && now.Sub(a.last) < a.minInterval {
		return
	}
	a.last = now
	a.next.Alert(ctx, format, v...)
}
