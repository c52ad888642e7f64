package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup/internal/observability"
)

// RouterConfig holds the cross-cutting settings applied to application routes.
type RouterConfig struct {
	RequestTimeout time.Duration
	RateLimiter    *rate.Limiter // nil disables rate limiting
}

// NewRouter wires every route. /health and /metrics skip the rate limiter,
// request timeout and session lookup.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(logger))
	r.Use(MetricsMiddleware)

	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	app := r.NewRoute().Subrouter()
	app.Use(RateLimitMiddleware(cfg.RateLimiter, h.trafficTracker()))
	if cfg.RequestTimeout > 0 {
		app.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	if h.accounts != nil {
		app.Use(h.SessionMiddleware())
	}

	app.HandleFunc("/", h.Index).Methods(http.MethodGet, http.MethodPost)
	app.HandleFunc("/weather/{city}", h.GetWeather).Methods(http.MethodGet)

	if h.accounts != nil {
		app.HandleFunc("/register", h.RegisterForm).Methods(http.MethodGet)
		app.HandleFunc("/register", h.Register).Methods(http.MethodPost)
		app.HandleFunc("/login", h.LoginForm).Methods(http.MethodGet)
		app.HandleFunc("/login", h.Login).Methods(http.MethodPost)
		app.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)
		app.HandleFunc("/profile", h.Profile).Methods(http.MethodGet)
		app.HandleFunc("/favorites", h.AddFavorite).Methods(http.MethodPost)
		app.HandleFunc("/favorites/delete", h.RemoveFavorite).Methods(http.MethodPost)
	}
	return r
}
