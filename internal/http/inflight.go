package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/weather-lookup/internal/observability"
)

// InFlightTracker counts requests currently being served. Shutdown waits on it
// after the listener has stopped accepting connections.
type InFlightTracker struct {
	count atomic.Int64
	gauge bool // mirror into observability.HTTPRequestsInFlight
}

// Increment marks a request as started.
func (t *InFlightTracker) Increment() {
	t.count.Add(1)
	if t.gauge {
		observability.HTTPRequestsInFlight.Inc()
	}
}

// Decrement marks a request as finished.
func (t *InFlightTracker) Decrement() {
	t.count.Add(-1)
	if t.gauge {
		observability.HTTPRequestsInFlight.Dec()
	}
}

// Count returns the current in-flight count.
func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// WaitForZero blocks until the in-flight count reaches zero or ctx is cancelled,
// polling every checkInterval.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// globalInFlightTracker is the process-wide counter maintained by MetricsMiddleware.
var globalInFlightTracker = &InFlightTracker{gauge: true}

// InFlightCount returns the current number of in-flight requests.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
