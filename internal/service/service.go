package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup/internal/cache"
	"github.com/kjstillabower/weather-lookup/internal/models"
	"github.com/kjstillabower/weather-lookup/internal/observability"
)

// StalenessThreshold is how long a stored reading is served without contacting the provider.
const StalenessThreshold = 30 * time.Second

// Fetcher retrieves the current reading for a city from the weather provider.
type Fetcher interface {
	Fetch(ctx context.Context, city string) (models.WeatherReading, error)
}

// WeatherService serves readings from the store while they are fresh and
// refreshes them through the Fetcher otherwise. City keys are used verbatim.
type WeatherService struct {
	fetcher Fetcher
	store   cache.Store
	locks   *cityLocks
	logger  *zap.Logger
	now     func() time.Time
}

// NewWeatherService creates a WeatherService. logger is used when the request
// context carries none; nil disables that fallback.
func NewWeatherService(fetcher Fetcher, store cache.Store, logger *zap.Logger) *WeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherService{
		fetcher: fetcher,
		store:   store,
		locks:   newCityLocks(),
		logger:  logger,
		now:     time.Now,
	}
}

// GetWeather is GetOrRefresh evaluated at the current time.
func (s *WeatherService) GetWeather(ctx context.Context, city string) (models.WeatherReading, error) {
	return s.GetOrRefresh(ctx, city, s.now())
}

// GetOrRefresh returns the stored reading for city when it was refreshed less
// than StalenessThreshold before now. Otherwise it fetches a new reading, stores
// it with now as its refresh time and returns it. A fetch failure leaves the
// stored record untouched and is returned to the caller.
//
// Lookups for the same city are serialized, so concurrent callers that find a
// stale record cause a single fetch.
func (s *WeatherService) GetOrRefresh(ctx context.Context, city string, now time.Time) (models.WeatherReading, error) {
	logger := s.loggerFor(ctx)
	start := time.Now()

	release, contended, err := s.locks.acquire(ctx, city)
	observability.CityLockWaitSeconds.Observe(time.Since(start).Seconds())
	if contended {
		observability.ConcurrentRefreshesTotal.WithLabelValues(observability.MetricCityLabel(city)).Inc()
	}
	if err != nil {
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
		return models.WeatherReading{}, fmt.Errorf("wait for refresh of %s: %w", city, err)
	}
	defer release()

	if rec, ok := s.find(ctx, city, logger); ok && now.Sub(rec.LastRefreshed) < StalenessThreshold {
		observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
		logger.Debug("weather served", zap.String("city", city), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return rec.Reading(), nil
	}

	logger.Debug("cache miss, fetching upstream", zap.String("city", city))
	reading, err := s.fetcher.Fetch(ctx, city)
	if err != nil {
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
		return models.WeatherReading{}, fmt.Errorf("fetch weather for %s: %w", city, err)
	}
	observability.CacheLookupsTotal.WithLabelValues("miss").Inc()

	reading.City = city
	rec := cache.NewRecord(reading, now)
	s.upsert(ctx, rec, logger)

	logger.Debug("weather served", zap.String("city", city), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return rec.Reading(), nil
}

// find treats a store read failure as a miss.
func (s *WeatherService) find(ctx context.Context, city string, logger *zap.Logger) (cache.Record, bool) {
	start := time.Now()
	rec, ok, err := s.store.Find(ctx, city)
	if err != nil {
		observability.StoreOperationDuration.WithLabelValues("find", "error").Observe(time.Since(start).Seconds())
		observability.StoreErrorsTotal.WithLabelValues("find").Inc()
		logger.Warn("cache read failed, treating as miss", zap.String("city", city), zap.Error(err))
		return cache.Record{}, false
	}
	observability.StoreOperationDuration.WithLabelValues("find", "success").Observe(time.Since(start).Seconds())
	return rec, ok
}

// upsert logs and counts a store write failure; the caller still serves the reading.
func (s *WeatherService) upsert(ctx context.Context, rec cache.Record, logger *zap.Logger) {
	start := time.Now()
	if err := s.store.Upsert(ctx, rec); err != nil {
		observability.StoreOperationDuration.WithLabelValues("upsert", "error").Observe(time.Since(start).Seconds())
		observability.StoreErrorsTotal.WithLabelValues("upsert").Inc()
		logger.Warn("cache write failed", zap.String("city", rec.City), zap.Error(err))
		return
	}
	observability.StoreOperationDuration.WithLabelValues("upsert", "success").Observe(time.Since(start).Seconds())
}

func (s *WeatherService) loggerFor(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}
