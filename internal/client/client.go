package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/kjstillabower/weather-lookup/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup/internal/models"
	"github.com/kjstillabower/weather-lookup/internal/observability"
)

// WeatherClient fetches current conditions for a city from the provider.
type WeatherClient interface {
	Fetch(ctx context.Context, city string) (models.WeatherReading, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrMalformedReply   = errors.New("malformed provider response")
)

// ProviderError reports a failed lookup for City. StatusCode is 0 when no
// HTTP response was received.
type ProviderError struct {
	City       string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("weather for %q: HTTP %d: %v", e.City, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("weather for %q: %v", e.City, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// UserMessage is safe to show to visitors.
func (e *ProviderError) UserMessage() string {
	return fmt.Sprintf("Could not retrieve weather for %s. Please try again.", e.City)
}

// OpenWeatherClient calls the OpenWeatherMap current-conditions endpoint.
type OpenWeatherClient struct {
	apiKey         string
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewOpenWeatherClient creates a client that makes a single attempt per Fetch.
func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, apiURL, timeout, 1, 100*time.Millisecond, 2*time.Second)
}

// NewOpenWeatherClientWithRetry creates a client that retries transient failures
// (timeouts, 429, 5xx) up to retryAttempts total attempts with jittered backoff.
func NewOpenWeatherClientWithRetry(apiKey, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(apiURL); err != nil || apiURL == "" {
		return nil, fmt.Errorf("invalid API URL %q", apiURL)
	}
	if retryAttempts <= 0 {
		retryAttempts = 1
	}
	return &OpenWeatherClient{
		apiKey:         apiKey,
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker wraps every provider call in cb. Nil disables it.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type openWeatherResponse struct {
	Main struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Timezone int   `json:"timezone"`
	Dt       int64 `json:"dt"`
	Sys      struct {
		Sunrise int64 `json:"sunrise"`
		Sunset  int64 `json:"sunset"`
	} `json:"sys"`
}

// Fetch returns current conditions for city. The city is sent exactly as given.
// Every failure is a *ProviderError.
func (c *OpenWeatherClient) Fetch(ctx context.Context, city string) (models.WeatherReading, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return models.WeatherReading{}, c.fail(&ProviderError{City: city, Err: ctx.Err()})
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		result, err := c.callWithBreaker(ctx, city)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return models.WeatherReading{}, c.fail(lastErr)
}

func (c *OpenWeatherClient) fail(err error) error {
	observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
	return err
}

func (c *OpenWeatherClient) callWithBreaker(ctx context.Context, city string) (models.WeatherReading, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, city)
	}
	var result models.WeatherReading
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		result, callErr = c.callAPI(ctx, city)
		return callErr
	})
	if err != nil {
		var perr *ProviderError
		if !errors.As(err, &perr) {
			err = &ProviderError{City: city, Err: err}
		}
		return models.WeatherReading{}, err
	}
	return result, nil
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, city string) (models.WeatherReading, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, city)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherReading{}, &ProviderError{City: city, Err: fmt.Errorf("build request: %w", err)}
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.WeatherReading{}, &ProviderError{City: city, Err: fmt.Errorf("request timeout: %w", err)}
		}
		return models.WeatherReading{}, &ProviderError{City: city, Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := statusError(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.WeatherReading{}, &ProviderError{City: city, StatusCode: resp.StatusCode, Err: err}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.WeatherReading{}, &ProviderError{City: city, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}
	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.WeatherReading{}, &ProviderError{City: city, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: parse response: %v", ErrMalformedReply, err)}
	}
	if apiResp.Main.Temp == nil {
		return models.WeatherReading{}, &ProviderError{City: city, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: missing main.temp", ErrMalformedReply)}
	}
	return mapResponse(apiResp, city), nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	return CategorizeError(err) == ErrorCategoryTimeout
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// buildRequest produces {base}?q={city}&units=metric&appid={key}.
func (c *OpenWeatherClient) buildRequest(ctx context.Context, city string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params := baseURL.Query()
	params.Set("q", city)
	params.Set("units", "metric")
	params.Set("appid", c.apiKey)
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func statusError(code int) error {
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrInvalidAPIKey
	case http.StatusNotFound:
		return ErrLocationNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if code >= 500 {
		return ErrUpstreamFailure
	}
	return fmt.Errorf("unexpected status %d", code)
}

func mapResponse(apiResp openWeatherResponse, city string) models.WeatherReading {
	var description, icon string
	if len(apiResp.Weather) > 0 {
		description = apiResp.Weather[0].Main
		if apiResp.Weather[0].Description != "" {
			description = apiResp.Weather[0].Description
		}
		icon = apiResp.Weather[0].Icon
	}
	zone := time.FixedZone("", apiResp.Timezone)
	return models.WeatherReading{
		City:        city,
		Temperature: *apiResp.Main.Temp,
		Description: description,
		Icon:        icon,
		UTCOffset:   apiResp.Timezone,
		ObservedAt:  localTime(apiResp.Dt, zone),
		Sunrise:     localTime(apiResp.Sys.Sunrise, zone),
		Sunset:      localTime(apiResp.Sys.Sunset, zone),
	}
}

// localTime converts a UNIX timestamp to the provider-local zone; 0 means absent.
func localTime(unix int64, zone *time.Location) *time.Time {
	if unix == 0 {
		return nil
	}
	t := time.Unix(unix, 0).In(zone)
	return &t
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey performs a probe lookup and reports ErrInvalidAPIKey on 401.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, "London")
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
