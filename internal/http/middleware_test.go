package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup/internal/models"
	"github.com/kjstillabower/weather-lookup/internal/observability"
	"github.com/kjstillabower/weather-lookup/internal/traffic"
)

func TestCorrelationIDMiddleware_GeneratesAndPropagates(t *testing.T) {
	var seenID string
	var seenLogger bool
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seenID = observability.CorrelationID(r.Context())
		seenLogger = observability.LoggerFromContext(r.Context()) != nil
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if seenID == "" || seenID != w.Header().Get("X-Correlation-ID") {
		t.Errorf("context id = %q, header = %q", seenID, w.Header().Get("X-Correlation-ID"))
	}
	if !seenLogger {
		t.Error("request logger not stored in context")
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "test-correlation-123")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if seenID != "test-correlation-123" || w.Header().Get("X-Correlation-ID") != "test-correlation-123" {
		t.Errorf("incoming id not reused: ctx %q header %q", seenID, w.Header().Get("X-Correlation-ID"))
	}
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	router := newTestRouter(parisWeather(), nil, nil)
	counter := observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/weather/{city}", "2xx")
	before := testutil.ToFloat64(counter)

	doRequest(router, http.MethodGet, "/weather/Paris", nil)
	doRequest(router, http.MethodGet, "/weather/Lyon", nil)

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("requests counted under route template = %v, want 2", got)
	}
}

func TestMetricsMiddleware_TracksInFlight(t *testing.T) {
	var during int64
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		during = InFlightCount()
	})

	before := InFlightCount()
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))
	if during != before+1 {
		t.Errorf("in-flight during request = %d, want %d", during, before+1)
	}
	if after := InFlightCount(); after != before {
		t.Errorf("in-flight after request = %d, want %d", after, before)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tracker := traffic.NewTracker(time.Minute)
	h := NewHandler(parisWeather(), nil, &HealthConfig{Traffic: tracker}, SessionConfig{}, zap.NewNop())
	router := NewRouter(h, RouterConfig{RateLimiter: rate.NewLimiter(rate.Limit(1), 1)}, zap.NewNop())
	denied := testutil.ToFloat64(observability.RateLimitDeniedTotal)

	if w := doRequest(router, http.MethodGet, "/weather/Paris", nil); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := doRequest(router, http.MethodGet, "/weather/Paris", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "1" {
		t.Errorf("Retry-After = %q, want \"1\"", ra)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("JSON route Content-Type = %q", ct)
	}
	page := doRequest(router, http.MethodGet, "/", nil)
	if page.Code != http.StatusTooManyRequests {
		t.Errorf("page status = %d, want 429", page.Code)
	}
	if health := doRequest(router, http.MethodGet, "/health", nil); health.Code != http.StatusOK {
		t.Errorf("/health should bypass the limiter, got %d", health.Code)
	}

	if got := testutil.ToFloat64(observability.RateLimitDeniedTotal) - denied; got != 2 {
		t.Errorf("denials counted = %v, want 2", got)
	}
	if got := tracker.Snapshot().Denied; got != 2 {
		t.Errorf("tracker denials = %d, want 2", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "1"},
		{200 * time.Millisecond, "1"},
		{time.Second, "1"},
		{1500 * time.Millisecond, "2"},
		{10 * time.Second, "10"},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.d); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestStatusRecorder_KeepsFirstStatus(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rec.WriteHeader(http.StatusNotFound)
	rec.WriteHeader(http.StatusInternalServerError)
	if rec.status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.status)
	}
	if got := statusClass(rec.status); got != "4xx" {
		t.Errorf("statusClass = %q, want 4xx", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	RateLimitMiddleware(nil, nil)(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("next handler not called")
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var deadline time.Time
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	})
	start := time.Now()
	TimeoutMiddleware(50*time.Millisecond)(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !ok {
		t.Fatal("no deadline on request context")
	}
	if d := deadline.Sub(start); d <= 0 || d > time.Second {
		t.Errorf("deadline in %v, want about 50ms", d)
	}
}

func TestTimeoutMiddleware_CancelsSlowLookup(t *testing.T) {
	blocking := &blockingWeather{}
	h := NewHandler(blocking, nil, nil, SessionConfig{}, zap.NewNop())
	router := NewRouter(h, RouterConfig{RequestTimeout: 20 * time.Millisecond}, zap.NewNop())

	w := doRequest(router, http.MethodGet, "/weather/Paris", nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
}

type blockingWeather struct{}

func (b *blockingWeather) GetWeather(ctx context.Context, city string) (models.WeatherReading, error) {
	<-ctx.Done()
	return models.WeatherReading{}, ctx.Err()
}
