package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-lookup/internal/cache"
	"github.com/kjstillabower/weather-lookup/internal/client"
	"github.com/kjstillabower/weather-lookup/internal/models"
)

type mockFetcher struct {
	mu      sync.Mutex
	reading models.WeatherReading
	err     error
	delay   time.Duration
	calls   int
	cities  []string
}

func (m *mockFetcher) Fetch(ctx context.Context, city string) (models.WeatherReading, error) {
	m.mu.Lock()
	m.calls++
	m.cities = append(m.cities, city)
	reading, err, delay := m.reading, m.err, m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return models.WeatherReading{}, err
	}
	reading.City = city
	return reading, nil
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// faultyStore wraps an InMemoryStore and fails the selected operations.
type faultyStore struct {
	*cache.InMemoryStore
	findErr   error
	upsertErr error
}

func (s *faultyStore) Find(ctx context.Context, city string) (cache.Record, bool, error) {
	if s.findErr != nil {
		return cache.Record{}, false, s.findErr
	}
	return s.InMemoryStore.Find(ctx, city)
}

func (s *faultyStore) Upsert(ctx context.Context, rec cache.Record) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.InMemoryStore.Upsert(ctx, rec)
}

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func parisReading(temp float64) models.WeatherReading {
	return models.WeatherReading{City: "Paris", Temperature: temp, Description: "clear sky", Icon: "01d"}
}

func seed(t *testing.T, store cache.Store, reading models.WeatherReading, refreshedAt time.Time) {
	t.Helper()
	if err := store.Upsert(context.Background(), cache.NewRecord(reading, refreshedAt)); err != nil {
		t.Fatalf("seed Upsert() error = %v", err)
	}
}

func mustFind(t *testing.T, store cache.Store, city string) cache.Record {
	t.Helper()
	rec, ok, err := store.Find(context.Background(), city)
	if err != nil || !ok {
		t.Fatalf("Find(%q) = ok %v, err %v; want a record", city, ok, err)
	}
	return rec
}

func TestGetOrRefresh_NewCityFetchesAndStores(t *testing.T) {
	store := cache.NewInMemoryStore()
	fetcher := &mockFetcher{reading: parisReading(18.5)}
	svc := NewWeatherService(fetcher, store, nil)

	got, err := svc.GetOrRefresh(context.Background(), "Paris", t0)
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if got.Temperature != 18.5 || got.Description != "clear sky" || got.Icon != "01d" {
		t.Errorf("GetOrRefresh() = %+v, want 18.5 clear sky 01d", got)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.callCount())
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1", store.Len())
	}
	rec := mustFind(t, store, "Paris")
	if !rec.LastRefreshed.Equal(t0) {
		t.Errorf("LastRefreshed = %v, want %v", rec.LastRefreshed, t0)
	}
	if rec.Temperature != 18.5 {
		t.Errorf("stored Temperature = %v, want 18.5", rec.Temperature)
	}
}

func TestGetOrRefresh_FreshRecordServedWithoutFetch(t *testing.T) {
	store := cache.NewInMemoryStore()
	seed(t, store, parisReading(18.5), t0)
	fetcher := &mockFetcher{reading: parisReading(99)}
	svc := NewWeatherService(fetcher, store, nil)

	got, err := svc.GetOrRefresh(context.Background(), "Paris", t0.Add(10*time.Second))
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if got.Temperature != 18.5 {
		t.Errorf("Temperature = %v, want stored 18.5", got.Temperature)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("fetch calls = %d, want 0", fetcher.callCount())
	}
	if rec := mustFind(t, store, "Paris"); !rec.LastRefreshed.Equal(t0) {
		t.Errorf("LastRefreshed changed on hit: %v", rec.LastRefreshed)
	}
}

func TestGetOrRefresh_StaleRecordOverwrittenInPlace(t *testing.T) {
	store := cache.NewInMemoryStore()
	seed(t, store, parisReading(12.0), t0)
	fetcher := &mockFetcher{reading: parisReading(20.0)}
	svc := NewWeatherService(fetcher, store, nil)

	now := t0.Add(45 * time.Second)
	got, err := svc.GetOrRefresh(context.Background(), "Paris", now)
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if got.Temperature != 20.0 {
		t.Errorf("Temperature = %v, want 20.0", got.Temperature)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.callCount())
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1", store.Len())
	}
	rec := mustFind(t, store, "Paris")
	if rec.Temperature != 20.0 || !rec.LastRefreshed.Equal(now) {
		t.Errorf("record = %v at %v, want 20.0 at %v", rec.Temperature, rec.LastRefreshed, now)
	}
}

func TestGetOrRefresh_ProviderErrorCreatesNoRecord(t *testing.T) {
	store := cache.NewInMemoryStore()
	fetcher := &mockFetcher{err: &client.ProviderError{City: "Nowhere", StatusCode: 404, Err: client.ErrLocationNotFound}}
	svc := NewWeatherService(fetcher, store, nil)

	_, err := svc.GetOrRefresh(context.Background(), "Nowhere", t0)
	if err == nil {
		t.Fatal("GetOrRefresh() error = nil, want provider error")
	}
	var perr *client.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error %v is not a *client.ProviderError", err)
	}
	if perr.City != "Nowhere" {
		t.Errorf("ProviderError.City = %q, want Nowhere", perr.City)
	}
	if want := "Could not retrieve weather for Nowhere. Please try again."; perr.UserMessage() != want {
		t.Errorf("UserMessage() = %q, want %q", perr.UserMessage(), want)
	}
	if !errors.Is(err, client.ErrLocationNotFound) {
		t.Errorf("errors.Is(err, ErrLocationNotFound) = false")
	}
	if store.Len() != 0 {
		t.Errorf("store.Len() = %d, want 0", store.Len())
	}
}

func TestGetOrRefresh_FailureLeavesStaleRecordUnchanged(t *testing.T) {
	store := cache.NewInMemoryStore()
	seed(t, store, parisReading(12.0), t0)
	fetcher := &mockFetcher{err: &client.ProviderError{City: "Paris", Err: client.ErrUpstreamFailure}}
	svc := NewWeatherService(fetcher, store, nil)

	if _, err := svc.GetOrRefresh(context.Background(), "Paris", t0.Add(time.Minute)); err == nil {
		t.Fatal("GetOrRefresh() error = nil, want error")
	}
	rec := mustFind(t, store, "Paris")
	if rec.Temperature != 12.0 || !rec.LastRefreshed.Equal(t0) {
		t.Errorf("record mutated on failure: %v at %v", rec.Temperature, rec.LastRefreshed)
	}
}

func TestGetOrRefresh_StalenessBoundary(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		wantFetch bool
	}{
		{name: "just refreshed", age: 0, wantFetch: false},
		{name: "10s old", age: 10 * time.Second, wantFetch: false},
		{name: "just under threshold", age: StalenessThreshold - time.Nanosecond, wantFetch: false},
		{name: "exactly threshold", age: StalenessThreshold, wantFetch: true},
		{name: "45s old", age: 45 * time.Second, wantFetch: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := cache.NewInMemoryStore()
			seed(t, store, parisReading(12.0), t0)
			fetcher := &mockFetcher{reading: parisReading(20.0)}
			svc := NewWeatherService(fetcher, store, nil)

			if _, err := svc.GetOrRefresh(context.Background(), "Paris", t0.Add(tt.age)); err != nil {
				t.Fatalf("GetOrRefresh() error = %v", err)
			}
			if got := fetcher.callCount() == 1; got != tt.wantFetch {
				t.Errorf("fetched = %v, want %v", got, tt.wantFetch)
			}
		})
	}
}

func TestGetOrRefresh_KeysAreCaseSensitive(t *testing.T) {
	store := cache.NewInMemoryStore()
	seed(t, store, parisReading(18.5), t0)
	fetcher := &mockFetcher{reading: parisReading(17.0)}
	svc := NewWeatherService(fetcher, store, nil)

	got, err := svc.GetOrRefresh(context.Background(), "paris", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.callCount())
	}
	if got.City != "paris" {
		t.Errorf("City = %q, want paris", got.City)
	}
	if store.Len() != 2 {
		t.Errorf("store.Len() = %d, want 2", store.Len())
	}
}

func TestGetOrRefresh_HitReturnsSameReadingAsMiss(t *testing.T) {
	observed := time.Date(2026, 3, 14, 13, 58, 0, 0, time.FixedZone("", 3600))
	sunrise := time.Date(2026, 3, 14, 7, 2, 0, 0, time.FixedZone("", 3600))
	fetcher := &mockFetcher{reading: models.WeatherReading{
		Temperature: 18.5, Description: "clear sky", Icon: "01d",
		UTCOffset: 3600, ObservedAt: &observed, Sunrise: &sunrise,
	}}
	svc := NewWeatherService(fetcher, cache.NewInMemoryStore(), nil)

	first, err := svc.GetOrRefresh(context.Background(), "Paris", t0)
	if err != nil {
		t.Fatalf("first GetOrRefresh() error = %v", err)
	}
	second, err := svc.GetOrRefresh(context.Background(), "Paris", t0.Add(5*time.Second))
	if err != nil {
		t.Fatalf("second GetOrRefresh() error = %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetcher.callCount())
	}
	assertSameReading(t, first, second)
	if !first.RefreshedAt.Equal(t0) {
		t.Errorf("RefreshedAt = %v, want %v", first.RefreshedAt, t0)
	}
	if first.Sunset != nil {
		t.Errorf("Sunset = %v, want nil", first.Sunset)
	}
}

func assertSameReading(t *testing.T, a, b models.WeatherReading) {
	t.Helper()
	if a.City != b.City || a.Temperature != b.Temperature || a.Description != b.Description ||
		a.Icon != b.Icon || a.UTCOffset != b.UTCOffset || !a.RefreshedAt.Equal(b.RefreshedAt) {
		t.Errorf("readings differ:\n  %+v\n  %+v", a, b)
	}
	for _, pair := range [][2]*time.Time{{a.ObservedAt, b.ObservedAt}, {a.Sunrise, b.Sunrise}, {a.Sunset, b.Sunset}} {
		switch {
		case pair[0] == nil && pair[1] == nil:
		case pair[0] == nil || pair[1] == nil:
			t.Errorf("optional timestamp present in one reading only: %v vs %v", pair[0], pair[1])
		case !pair[0].Equal(*pair[1]):
			t.Errorf("timestamp %v != %v", *pair[0], *pair[1])
		}
	}
}

func TestGetOrRefresh_StoreWriteFailureStillServesReading(t *testing.T) {
	store := &faultyStore{InMemoryStore: cache.NewInMemoryStore(), upsertErr: errors.New("disk full")}
	fetcher := &mockFetcher{reading: parisReading(18.5)}
	svc := NewWeatherService(fetcher, store, nil)

	got, err := svc.GetOrRefresh(context.Background(), "Paris", t0)
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v, want nil", err)
	}
	if got.Temperature != 18.5 || !got.RefreshedAt.Equal(t0) {
		t.Errorf("GetOrRefresh() = %+v", got)
	}
	if store.Len() != 0 {
		t.Errorf("store.Len() = %d, want 0", store.Len())
	}
}

func TestGetOrRefresh_StoreReadFailureTreatedAsMiss(t *testing.T) {
	store := &faultyStore{InMemoryStore: cache.NewInMemoryStore(), findErr: errors.New("connection refused")}
	seed(t, store.InMemoryStore, parisReading(12.0), t0)
	fetcher := &mockFetcher{reading: parisReading(20.0)}
	svc := NewWeatherService(fetcher, store, nil)

	got, err := svc.GetOrRefresh(context.Background(), "Paris", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if fetcher.callCount() != 1 || got.Temperature != 20.0 {
		t.Errorf("calls = %d, Temperature = %v; want 1, 20.0", fetcher.callCount(), got.Temperature)
	}
	if rec := mustFind(t, store.InMemoryStore, "Paris"); rec.Temperature != 20.0 {
		t.Errorf("stored Temperature = %v, want 20.0", rec.Temperature)
	}
}

func TestGetOrRefresh_ConcurrentLookupsFetchOnce(t *testing.T) {
	store := cache.NewInMemoryStore()
	fetcher := &mockFetcher{reading: parisReading(18.5), delay: 20 * time.Millisecond}
	svc := NewWeatherService(fetcher, store, nil)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := svc.GetOrRefresh(context.Background(), "Paris", t0)
			if err == nil && got.Temperature != 18.5 {
				err = errors.New("unexpected temperature")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("GetOrRefresh() error = %v", err)
		}
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.callCount())
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1", store.Len())
	}
	if svc.locks.size() != 0 {
		t.Errorf("locks.size() = %d, want 0", svc.locks.size())
	}
}

func TestGetOrRefresh_ContextCancelledWhileWaiting(t *testing.T) {
	fetcher := &mockFetcher{reading: parisReading(18.5)}
	svc := NewWeatherService(fetcher, cache.NewInMemoryStore(), nil)

	release, _, err := svc.locks.acquire(context.Background(), "Paris")
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := svc.GetOrRefresh(ctx, "Paris", t0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetOrRefresh() error = %v, want deadline exceeded", err)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("fetch calls = %d, want 0", fetcher.callCount())
	}
}

func TestGetWeather_UsesServiceClock(t *testing.T) {
	store := cache.NewInMemoryStore()
	seed(t, store, parisReading(12.0), t0)
	fetcher := &mockFetcher{reading: parisReading(20.0)}
	svc := NewWeatherService(fetcher, store, nil)

	svc.now = func() time.Time { return t0.Add(5 * time.Second) }
	if got, _ := svc.GetWeather(context.Background(), "Paris"); got.Temperature != 12.0 {
		t.Errorf("Temperature = %v, want cached 12.0", got.Temperature)
	}

	svc.now = func() time.Time { return t0.Add(31 * time.Second) }
	if got, _ := svc.GetWeather(context.Background(), "Paris"); got.Temperature != 20.0 {
		t.Errorf("Temperature = %v, want refreshed 20.0", got.Temperature)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.callCount())
	}
}
