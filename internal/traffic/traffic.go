// Package traffic keeps a sliding window of weather lookup outcomes for the
// health endpoint.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one lookup.
type Outcome int

const (
	Served Outcome = iota
	ProviderFailed
	Denied
)

// Snapshot summarizes a window.
type Snapshot struct {
	Served         int `json:"served"`
	ProviderFailed int `json:"providerFailed"`
	Denied         int `json:"denied"`
}

// ErrorPct returns provider failures as a percentage of served plus failed lookups.
// Denials are excluded. Returns 0 for an empty window.
func (s Snapshot) ErrorPct() float64 {
	total := s.Served + s.ProviderFailed
	if total == 0 {
		return 0
	}
	return float64(s.ProviderFailed) * 100 / float64(total)
}

// Tracker records outcome timestamps and drops entries older than its window.
// Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	times  [3][]time.Time
	now    func() time.Time
}

// NewTracker creates a Tracker over window.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{window: window, now: time.Now}
}

// Record adds one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.times[o] = append(t.times[o], now)
	t.pruneLocked(now)
}

// Snapshot counts the outcomes inside the window.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	return Snapshot{
		Served:         len(t.times[Served]),
		ProviderFailed: len(t.times[ProviderFailed]),
		Denied:         len(t.times[Denied]),
	}
}

// Window returns the configured window length.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// pruneLocked drops timestamps older than the window. Slices are append-only
// in time order, so the prefix is the expired part. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	for k := range t.times {
		times := t.times[k]
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.times[k] = append(times[:0], times[i:]...)
		}
	}
}
