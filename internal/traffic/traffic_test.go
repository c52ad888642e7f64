package traffic

import (
	"sync"
	"testing"
	"time"
)

func newTestTracker(window time.Duration) (*Tracker, *time.Time) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(window)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestTracker_Empty(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	if got := tr.Snapshot(); got != (Snapshot{}) {
		t.Errorf("Snapshot() = %+v, want zero", got)
	}
	if pct := tr.Snapshot().ErrorPct(); pct != 0 {
		t.Errorf("ErrorPct() = %v, want 0", pct)
	}
}

func TestTracker_CountsByOutcome(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	tr.Record(Served)
	tr.Record(Served)
	tr.Record(ProviderFailed)
	tr.Record(Denied)

	got := tr.Snapshot()
	want := Snapshot{Served: 2, ProviderFailed: 1, Denied: 1}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestSnapshot_ErrorPctExcludesDenials(t *testing.T) {
	s := Snapshot{Served: 3, ProviderFailed: 1, Denied: 10}
	if pct := s.ErrorPct(); pct != 25 {
		t.Errorf("ErrorPct() = %v, want 25", pct)
	}
}

func TestTracker_ExpiresOldOutcomes(t *testing.T) {
	tr, now := newTestTracker(time.Minute)
	tr.Record(ProviderFailed)
	*now = now.Add(30 * time.Second)
	tr.Record(Served)

	*now = now.Add(31 * time.Second)
	got := tr.Snapshot()
	if got.ProviderFailed != 0 || got.Served != 1 {
		t.Errorf("Snapshot() = %+v, want only the recent success", got)
	}

	*now = now.Add(time.Minute)
	if got := tr.Snapshot(); got != (Snapshot{}) {
		t.Errorf("Snapshot() = %+v, want zero after window", got)
	}
}

func TestTracker_ConcurrentRecord(t *testing.T) {
	tr := NewTracker(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(Served)
		}()
	}
	wg.Wait()
	if got := tr.Snapshot().Served; got != 50 {
		t.Errorf("Served = %d, want 50", got)
	}
}
