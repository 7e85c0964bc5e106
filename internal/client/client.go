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

	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-viewer/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
)

const (
	ProviderWeatherAPI     = "weatherapi"
	ProviderOpenWeatherMap = "openweathermap"
)

// ForecastClient fetches a forecast from one provider and normalizes it to day buckets.
type ForecastClient interface {
	GetForecast(ctx context.Context, location string, days int) (models.Forecast, error)
	ValidateAPIKey(ctx context.Context) error
	Provider() string
	// MaxDays is the largest day count the provider accepts; callers clamp to 1..MaxDays.
	MaxDays() int
}

var (
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrLocationNotFound  = errors.New("location not found")
	ErrBadRequest        = errors.New("request rejected by provider")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrRateLimited       = errors.New("rate limited")
)

// Options configures a provider client. Zero values take defaults.
type Options struct {
	APIKey         string
	BaseURL        string // provider default when empty
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Location is the viewer's time zone; providers that return a flat list are grouped by
	// calendar date in it. time.Local when nil.
	Location   *time.Location
	Breaker    *circuitbreaker.CircuitBreaker
	Limiter    *rate.Limiter // outbound; nil disables
	HTTPClient *http.Client
}

// New returns the client for the named provider.
func New(provider string, opts Options) (ForecastClient, error) {
	switch provider {
	case ProviderWeatherAPI:
		return NewWeatherAPIClient(opts)
	case ProviderOpenWeatherMap:
		return NewOpenWeatherClient(opts)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// transport is the HTTP plumbing shared by the provider clients: per-attempt timeout,
// retry with backoff, optional breaker and outbound limiter, status mapping and metrics.
type transport struct {
	provider       string
	apiKey         string
	baseURL        string
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	limiter        *rate.Limiter
	client         *http.Client
}

func newTransport(provider, defaultURL string, opts Options) (*transport, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(opts.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	t := &transport{
		provider:       provider,
		apiKey:         opts.APIKey,
		baseURL:        opts.BaseURL,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		breaker:        opts.Breaker,
		limiter:        opts.Limiter,
		client:         opts.HTTPClient,
	}
	if t.baseURL == "" {
		t.baseURL = defaultURL
	}
	if _, err := url.Parse(t.baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if t.timeout <= 0 {
		t.timeout = 10 * time.Second
	}
	if t.retryAttempts <= 0 {
		t.retryAttempts = 3
	}
	if t.retryBaseDelay <= 0 {
		t.retryBaseDelay = 100 * time.Millisecond
	}
	if t.retryMaxDelay <= 0 {
		t.retryMaxDelay = 2 * time.Second
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: t.timeout}
	}
	return t, nil
}

// getJSON issues GET baseURL?params and decodes the body into out, retrying transient failures.
func (t *transport) getJSON(ctx context.Context, params url.Values, out any) error {
	err := t.getJSONWithRetry(ctx, params, out)
	if err != nil {
		observability.ForecastAPIErrorsTotal.WithLabelValues(t.provider, string(CategorizeError(err))).Inc()
	}
	return err
}

func (t *transport) getJSONWithRetry(ctx context.Context, params url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt < t.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ForecastAPIRetriesTotal.WithLabelValues(t.provider).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.backoff(attempt)):
			}
		}

		err := t.attempt(ctx, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (t *transport) attempt(ctx context.Context, params url.Values, out any) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	call := func(ctx context.Context) error { return t.do(ctx, params, out) }
	if t.breaker == nil {
		return call(ctx)
	}
	return t.breaker.Call(ctx, call)
}

func (t *transport) do(ctx context.Context, params url.Values, out any) error {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := t.buildRequest(reqCtx, params)
	if err != nil {
		observability.ForecastAPICallsTotal.WithLabelValues(t.provider, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		observability.ForecastAPICallsTotal.WithLabelValues(t.provider, "error").Inc()
		observability.ForecastAPIDuration.WithLabelValues(t.provider, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("%w: http request failed: %w", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.ForecastAPICallsTotal.WithLabelValues(t.provider, status).Inc()
	observability.ForecastAPIDuration.WithLabelValues(t.provider, status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %w", ErrUpstreamFailure, err)
	}
	if err := errorFromResponse(resp.StatusCode, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func (t *transport) buildRequest(ctx context.Context, params url.Values) (*http.Request, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

// validate performs a single unretried request and reports only key problems.
func (t *transport) validate(ctx context.Context, params url.Values) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := t.buildRequest(ctx, params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	default:
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
}

func (t *transport) backoff(attempt int) time.Duration {
	delay := float64(t.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(t.retryMaxDelay) {
		delay = float64(t.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// providerError is the error body both providers return on 4xx.
type providerError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"` // OpenWeatherMap
}

// weatherAPINoLocation is WeatherAPI.com's error code for an unknown location (sent with 400).
const weatherAPINoLocation = 1006

func errorFromResponse(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var pe providerError
	_ = json.Unmarshal(body, &pe)
	msg := pe.Error.Message
	if msg == "" {
		msg = pe.Message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d %s", ErrInvalidAPIKey, status, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrLocationNotFound, msg)
	case status == http.StatusBadRequest && pe.Error.Code == weatherAPINoLocation:
		return fmt.Errorf("%w: %s", ErrLocationNotFound, msg)
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, status)
	default:
		return fmt.Errorf("%w: HTTP %d %s", ErrBadRequest, status, msg)
	}
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, circuitbreaker.ErrOpen):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// IsUpstreamFault reports whether err says something about provider health. Used as the
// circuit breaker failure predicate so bad input from users cannot open the circuit.
func IsUpstreamFault(err error) bool {
	return errors.Is(err, ErrUpstreamFailure) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrMalformedResponse) || errors.Is(err, context.DeadlineExceeded)
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
