package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup/internal/account"
	"github.com/kjstillabower/weather-lookup/internal/client"
	"github.com/kjstillabower/weather-lookup/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup/internal/models"
	"github.com/kjstillabower/weather-lookup/internal/observability"
	"github.com/kjstillabower/weather-lookup/internal/traffic"
	"github.com/kjstillabower/weather-lookup/internal/validation"
)

const maxCityLen = 100

// WeatherLookup is the freshness-cached weather source.
type WeatherLookup interface {
	GetWeather(ctx context.Context, city string) (models.WeatherReading, error)
}

// Accounts is the subset of account.Service used by the handlers.
type Accounts interface {
	Register(ctx context.Context, username, password string) (account.User, error)
	Authenticate(ctx context.Context, username, password string) (account.User, error)
	CreateSession(ctx context.Context, userID uint) (account.Session, error)
	LookupSession(ctx context.Context, token string) (account.User, error)
	DeleteSession(ctx context.Context, token string) error
	AddFavorite(ctx context.Context, userID uint, city string) error
	RemoveFavorite(ctx context.Context, userID uint, city string) error
	Favorites(ctx context.Context, userID uint) ([]string, error)
}

// HealthConfig holds dependency checks for the health handler.
type HealthConfig struct {
	DatabasePing func(ctx context.Context) error
	CachePing    func(ctx context.Context) error
	// Traffic, when set, drives the error-rate check.
	Traffic            *traffic.Tracker
	DegradedErrorPct   int // 0 disables the error-rate check
	DegradedMinSamples int
	Version            string
}

// SessionConfig controls the login cookie.
type SessionConfig struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather          WeatherLookup
	accounts         Accounts
	health           *HealthConfig
	session          SessionConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. accounts may be nil, in which case the
// account routes are not registered.
func NewHandler(weather WeatherLookup, accounts Accounts, health *HealthConfig, session SessionConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if session.CookieName == "" {
		session.CookieName = "session"
	}
	return &Handler{
		weather:  weather,
		accounts: accounts,
		health:   health,
		session:  session,
		logger:   logger,
	}
}

// Index handles GET / (empty form) and POST / (form field "city").
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Weather"}
	if r.Method != http.MethodPost {
		h.render(w, r, http.StatusOK, "index.html", data)
		return
	}

	city := r.PostFormValue("city")
	data.City = city
	if _, err := validation.ValidateCity(city, 1, maxCityLen); err != nil {
		data.Error = cityErrorMessage(err)
		h.render(w, r, http.StatusBadRequest, "index.html", data)
		return
	}

	reading, err := h.lookup(r.Context(), city)
	if err != nil {
		data.Error = userMessage(city, err)
		h.logFromRequest(r).Info("weather lookup failed", zap.String("city", city), zap.Error(err))
		h.render(w, r, http.StatusOK, "index.html", data)
		return
	}
	data.Weather = &reading
	if user := userFromContext(r.Context()); user != nil && h.accounts != nil {
		data.IsFavorite = h.isFavorite(r.Context(), user.ID, city)
	}
	h.render(w, r, http.StatusOK, "index.html", data)
}

// GetWeather handles GET /weather/{city}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	city := mux.Vars(r)["city"]
	if _, err := validation.ValidateCity(city, 1, maxCityLen); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}

	reading, err := h.lookup(r.Context(), city)
	if err != nil {
		writeServiceError(w, r, city, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// lookup runs the cached lookup and records its outcome for health and metrics.
func (h *Handler) lookup(ctx context.Context, city string) (models.WeatherReading, error) {
	observability.RecordWeatherQuery(city)
	reading, err := h.weather.GetWeather(ctx, city)
	if tracker := h.trafficTracker(); tracker != nil {
		switch {
		case err == nil, errors.Is(err, client.ErrLocationNotFound):
			tracker.Record(traffic.Served)
		default:
			tracker.Record(traffic.ProviderFailed)
		}
	}
	return reading, err
}

func (h *Handler) trafficTracker() *traffic.Tracker {
	if h.health == nil {
		return nil
	}
	return h.health.Traffic
}

func (h *Handler) isFavorite(ctx context.Context, userID uint, city string) bool {
	favs, err := h.accounts.Favorites(ctx, userID)
	if err != nil {
		return false
	}
	for _, f := range favs {
		if f == city {
			return true
		}
	}
	return false
}

// userMessage is the visitor-facing text for a failed lookup.
func userMessage(city string, err error) string {
	var perr *client.ProviderError
	if errors.As(err, &perr) {
		return perr.UserMessage()
	}
	return (&client.ProviderError{City: city}).UserMessage()
}

func cityErrorMessage(err error) string {
	switch {
	case errors.Is(err, validation.ErrCityEmpty):
		return "Please enter a city."
	case errors.Is(err, validation.ErrCityTooLong):
		return "City name is too long."
	case errors.Is(err, validation.ErrCityInvalidChars):
		return "City name contains characters that are not allowed."
	default:
		return "Please enter a valid city."
	}
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string)
	result, snapshot := h.computeHealthStatus(ctx, checks)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := "dev"
	if h.health != nil && h.health.Version != "" {
		version = h.health.Version
	}
	now := time.Now()
	resp := map[string]interface{}{
		"status":        result.status,
		"service":       "weather-lookup",
		"version":       version,
		"checks":        checks,
		"uptimeSeconds": int64(lifecycle.Uptime(now).Seconds()),
		"timestamp":     now.UTC().Format(time.RFC3339),
	}
	if snapshot != nil {
		resp["lookups"] = snapshot
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus fills checks and picks the status.
// Precedence: shutting-down > unhealthy (database) > degraded (error rate, then cache) > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context, checks map[string]string) (healthResult, *traffic.Snapshot) {
	result := healthResult{"healthy", http.StatusOK, ""}
	if h.health == nil {
		if lifecycle.IsShuttingDown() {
			result = healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
		}
		return result, nil
	}

	dbOK, cacheOK := true, true
	if h.health.DatabasePing != nil {
		dbOK = h.health.DatabasePing(ctx) == nil
		checks["database"] = healthWord(dbOK)
	}
	if h.health.CachePing != nil {
		cacheOK = h.health.CachePing(ctx) == nil
		checks["cache"] = healthWord(cacheOK)
	}
	var snapshot *traffic.Snapshot
	errorRateOK := true
	if h.health.Traffic != nil {
		s := h.health.Traffic.Snapshot()
		snapshot = &s
		if h.health.DegradedErrorPct > 0 && s.Served+s.ProviderFailed >= h.health.DegradedMinSamples {
			errorRateOK = s.ErrorPct() < float64(h.health.DegradedErrorPct)
		}
		checks["weatherApi"] = healthWord(errorRateOK)
	}

	switch {
	case lifecycle.IsShuttingDown():
		result = healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	case !dbOK:
		result = healthResult{"unhealthy", http.StatusServiceUnavailable, "database_unreachable"}
	case !errorRateOK:
		result = healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	case !cacheOK:
		// Lookups still succeed without the cache store.
		result = healthResult{"degraded", http.StatusOK, "cache_unreachable"}
	}
	return result, snapshot
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{"code","message","requestId"}}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps a lookup failure to a JSON error response.
func writeServiceError(w http.ResponseWriter, r *http.Request, city string, err error) {
	msg := userMessage(city, err)
	switch {
	case errors.Is(err, client.ErrLocationNotFound):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", msg)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", msg)
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", msg)
	}
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		logger.Debug("upstream error", zap.String("city", city), zap.Error(err))
	}
}

func (h *Handler) logFromRequest(r *http.Request) *zap.Logger {
	if l := observability.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return h.logger
}
