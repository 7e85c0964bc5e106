package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-viewer/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/forecast"
	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/render"
	"github.com/kjstillabower/forecast-viewer/internal/traffic"
	"github.com/kjstillabower/forecast-viewer/internal/validation"
)

// ForecastGetter is the part of service.ForecastService the handlers use.
type ForecastGetter interface {
	GetForecast(ctx context.Context, location string, days int) (models.ForecastView, error)
	MaxDays() int
}

// KeyValidator checks the upstream API key. Satisfied by client.ForecastClient.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow     time.Duration
	DegradedErrorPct   int
	DegradedMinSamples int
	// KeyCheckInterval caches the API key check result. Zero checks on every request.
	KeyCheckInterval time.Duration
	// BreakerState, when set, reports the upstream circuit breaker state.
	BreakerState func() circuitbreaker.State
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Config holds request defaults and health settings for Handler.
type Config struct {
	DefaultLocation string
	DefaultDays     int
	LocationMinLen  int
	LocationMaxLen  int
	Version         string
	Health          HealthConfig
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	forecasts ForecastGetter
	keys      KeyValidator
	pages     *render.HTML
	tracker   *traffic.Tracker
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	shuttingDown atomic.Bool

	healthStatusMu   sync.Mutex
	healthStatusPrev string

	keyMu        sync.Mutex
	keyCheckedAt time.Time
	keyErr       error
}

// NewHandler returns a new Handler. A nil tracker gets a private one.
func NewHandler(
	forecasts ForecastGetter,
	keys KeyValidator,
	pages *render.HTML,
	tracker *traffic.Tracker,
	cfg Config,
	logger *zap.Logger,
) *Handler {
	if tracker == nil {
		tracker = traffic.NewTracker(traffic.DefaultRetention)
	}
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = 1
	}
	if cfg.LocationMinLen <= 0 {
		cfg.LocationMinLen = 1
	}
	if cfg.LocationMaxLen <= 0 {
		cfg.LocationMaxLen = 100
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Handler{
		forecasts: forecasts,
		keys:      keys,
		pages:     pages,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetShuttingDown marks the instance as draining. Health then reports shutting-down.
func (h *Handler) SetShuttingDown(v bool) {
	h.shuttingDown.Store(v)
}

// Index handles GET /.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := h.pages.Index(&buf, render.IndexPage{
		DefaultLocation: h.cfg.DefaultLocation,
		DefaultDays:     h.cfg.DefaultDays,
		MaxDays:         h.forecasts.MaxDays(),
	})
	if err != nil {
		h.writeTemplateFailure(w, r, err)
		return
	}
	writeHTML(w, http.StatusOK, buf.Bytes())
}

// SearchForecast handles GET /weather?location=&days= and the POST form. An empty location
// falls back to the configured default.
func (h *Handler) SearchForecast(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.FormValue("location"))
	if raw == "" {
		raw = h.cfg.DefaultLocation
	}
	view, err := h.lookup(r, raw, r.FormValue("days"))
	if err != nil {
		status, _, message := classifyError(err)
		h.writeErrorPage(w, r, status, message)
		return
	}

	var buf bytes.Buffer
	if err := h.pages.Forecast(&buf, view, h.forecasts.MaxDays()); err != nil {
		h.writeTemplateFailure(w, r, err)
		return
	}
	writeHTML(w, http.StatusOK, buf.Bytes())
}

// GetForecast handles GET /weather/{location}?days=.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	view, err := h.lookup(r, mux.Vars(r)["location"], r.URL.Query().Get("days"))
	if err != nil {
		status, code, message := classifyError(err)
		writeError(w, r, status, code, message)
		return
	}
	if view.Days == nil {
		view.Days = []forecast.Day{}
	}
	writeJSON(w, http.StatusOK, view)
}

// lookup validates the inputs, fetches the view and records the outcome for health tracking.
func (h *Handler) lookup(r *http.Request, rawLocation, rawDays string) (models.ForecastView, error) {
	location, err := validation.ValidateLocation(rawLocation, h.cfg.LocationMinLen, h.cfg.LocationMaxLen)
	if err != nil {
		return models.ForecastView{}, err
	}
	days, err := validation.ParseDays(rawDays, h.cfg.DefaultDays, h.forecasts.MaxDays())
	if err != nil {
		return models.ForecastView{}, err
	}

	view, err := h.forecasts.GetForecast(r.Context(), location, days)
	if err != nil {
		if status, _, _ := classifyError(err); status >= http.StatusInternalServerError {
			h.tracker.RecordError()
		} else {
			h.tracker.RecordSuccess()
		}
		observability.LoggerFromContext(r.Context()).Debug("forecast lookup failed",
			zap.String("location", location),
			zap.Int("days", days),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
		return models.ForecastView{}, err
	}
	h.tracker.RecordSuccess()
	return view, nil
}

// classifyError maps a lookup error to an HTTP status, error code and user-facing message.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, validation.ErrDaysInvalid):
		return http.StatusBadRequest, "INVALID_DAYS", "days must be a whole number"
	case errors.Is(err, validation.ErrLocationEmpty),
		errors.Is(err, validation.ErrLocationTooShort),
		errors.Is(err, validation.ErrLocationTooLong),
		errors.Is(err, validation.ErrLocationInvalidChars):
		return http.StatusBadRequest, "INVALID_LOCATION", err.Error()
	case errors.Is(err, client.ErrLocationNotFound):
		return http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found"
	case errors.Is(err, client.ErrBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST", "The forecast provider rejected the request"
	default:
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch forecast data"
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

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

	checks := map[string]string{"forecastApi": "healthy"}
	if result.status == "degraded" {
		checks["forecastApi"] = "unhealthy"
	}
	if h.cfg.Health.BreakerState != nil {
		checks["circuitBreaker"] = h.cfg.Health.BreakerState().String()
	}
	if h.cfg.Health.CachePing != nil {
		if h.cfg.Health.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]any{
		"status":    result.status,
		"service":   "forecast-viewer",
		"version":   h.cfg.Version,
		"checks":    checks,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > API key invalid > circuit open > error rate > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if h.shuttingDown.Load() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if err := h.checkAPIKey(ctx); err != nil {
		if errors.Is(err, client.ErrInvalidAPIKey) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
		}
		return healthResult{"degraded", http.StatusServiceUnavailable, "upstream_unreachable"}
	}
	hc := h.cfg.Health
	if hc.BreakerState != nil && hc.BreakerState() == circuitbreaker.StateOpen {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if hc.DegradedWindow > 0 && hc.DegradedErrorPct > 0 &&
		h.tracker.Degraded(hc.DegradedWindow, hc.DegradedMinSamples, float64(hc.DegradedErrorPct)) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// checkAPIKey validates the key at most once per KeyCheckInterval.
func (h *Handler) checkAPIKey(ctx context.Context) error {
	h.keyMu.Lock()
	defer h.keyMu.Unlock()
	interval := h.cfg.Health.KeyCheckInterval
	if interval > 0 && !h.keyCheckedAt.IsZero() && h.now().Sub(h.keyCheckedAt) < interval {
		return h.keyErr
	}
	h.keyErr = h.keys.ValidateAPIKey(ctx)
	h.keyCheckedAt = h.now()
	return h.keyErr
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeErrorPage renders error.html with status. Falls back to plain text if rendering fails.
func (h *Handler) writeErrorPage(w http.ResponseWriter, r *http.Request, status int, message string) {
	var buf bytes.Buffer
	if err := h.pages.Error(&buf, message); err != nil {
		observability.LoggerFromContext(r.Context()).Error("render error page", zap.Error(err))
		http.Error(w, message, status)
		return
	}
	writeHTML(w, status, buf.Bytes())
}

func (h *Handler) writeTemplateFailure(w http.ResponseWriter, r *http.Request, err error) {
	observability.LoggerFromContext(r.Context()).Error("render page", zap.Error(err))
	h.writeErrorPage(w, r, http.StatusInternalServerError, "Something went wrong rendering this page")
}
