package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/forecast-viewer/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/forecast"
	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/render"
	"github.com/kjstillabower/forecast-viewer/internal/traffic"
)

type mockForecasts struct {
	mu      sync.Mutex
	view    models.ForecastView
	err     error
	maxDays int
	block   bool // if set, GetForecast waits for ctx.Done()

	calls       int
	gotLocation string
	gotDays     int
}

func (m *mockForecasts) GetForecast(ctx context.Context, location string, days int) (models.ForecastView, error) {
	m.mu.Lock()
	m.calls++
	m.gotLocation = location
	m.gotDays = days
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return models.ForecastView{}, fmt.Errorf("%w: %w", client.ErrUpstreamFailure, ctx.Err())
	}
	return m.view, m.err
}

func (m *mockForecasts) MaxDays() int {
	if m.maxDays == 0 {
		return 5
	}
	return m.maxDays
}

type mockKeys struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *mockKeys) ValidateAPIKey(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func sampleView() models.ForecastView {
	ts := time.Date(2024, time.June, 1, 15, 0, 0, 0, time.UTC)
	return models.ForecastView{
		Provider: client.ProviderWeatherAPI,
		Location: models.Location{Name: "London", Country: "United Kingdom"},
		Current:  models.Current{TempC: 18.5, Condition: "Partly cloudy"},
		Days: []forecast.Day{{
			Date:    forecast.DateOf(ts),
			IsToday: true,
			Entries: []forecast.DisplayEntry{{
				Entry:               forecast.Entry{Time: ts, TempC: 19, PrecipChance: 60, Condition: "Light rain"},
				IsHighPrecipitation: true,
			}},
		}},
		RequestedDays: 1,
		AvailableDays: 1,
		TotalDays:     1,
		FetchedAt:     ts,
		GeneratedAt:   ts,
	}
}

func newTestHandler(t *testing.T, fs *mockForecasts, keys *mockKeys, cfg Config, logger *zap.Logger) *Handler {
	t.Helper()
	pages, err := render.NewHTML(time.UTC)
	if err != nil {
		t.Fatalf("NewHTML() error = %v", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if keys == nil {
		keys = &mockKeys{}
	}
	if cfg.DefaultLocation == "" {
		cfg.DefaultLocation = "Delhi"
	}
	return NewHandler(fs, keys, pages, traffic.NewTracker(time.Minute), cfg, logger)
}

func do(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	NewRouter(h, zap.NewNop(), RouterConfig{}).ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v (body %q)", err, w.Body.String())
	}
	return body
}

func TestHandler_GetForecast_Success(t *testing.T) {
	fs := &mockForecasts{view: sampleView()}
	h := newTestHandler(t, fs, nil, Config{}, nil)

	w := do(h, httptest.NewRequest("GET", "/weather/London?days=3", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var got models.ForecastView
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Location.Name != "London" {
		t.Errorf("Location.Name = %q, want London", got.Location.Name)
	}
	if len(got.Days) != 1 || len(got.Days[0].Entries) != 1 || !got.Days[0].Entries[0].IsHighPrecipitation {
		t.Errorf("Days = %+v, want one day with one high-precipitation entry", got.Days)
	}
	if fs.gotLocation != "London" || fs.gotDays != 3 {
		t.Errorf("GetForecast(%q, %d), want (London, 3)", fs.gotLocation, fs.gotDays)
	}
}

func TestHandler_GetForecast_DaysDefaultAndClamp(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantDays int
	}{
		{"default", "", 2},
		{"above max", "?days=40", 5},
		{"below min", "?days=0", 1},
		{"negative", "?days=-3", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &mockForecasts{view: sampleView()}
			h := newTestHandler(t, fs, nil, Config{DefaultDays: 2}, nil)

			w := do(h, httptest.NewRequest("GET", "/weather/Paris"+tt.query, nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if fs.gotDays != tt.wantDays {
				t.Errorf("days = %d, want %d", fs.gotDays, tt.wantDays)
			}
		})
	}
}

func TestHandler_GetForecast_EmptySelectionIsEmptyArray(t *testing.T) {
	view := sampleView()
	view.Days = nil
	view.AvailableDays = 0
	h := newTestHandler(t, &mockForecasts{view: view}, nil, Config{}, nil)

	w := do(h, httptest.NewRequest("GET", "/weather/London", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"days":[]`) {
		t.Errorf("body = %s, want days as empty array", w.Body.String())
	}
}

func TestHandler_GetForecast_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		wantCode   string
		wantCalls  int
	}{
		{"invalid characters", "/weather/" + url.PathEscape("<script>"), nil, http.StatusBadRequest, "INVALID_LOCATION", 0},
		{"too long", "/weather/" + strings.Repeat("a", 101), nil, http.StatusBadRequest, "INVALID_LOCATION", 0},
		{"days not a number", "/weather/London?days=two", nil, http.StatusBadRequest, "INVALID_DAYS", 0},
		{"unknown location", "/weather/Atlantis", fmt.Errorf("%w: No matching location found.", client.ErrLocationNotFound), http.StatusNotFound, "LOCATION_NOT_FOUND", 1},
		{"provider rejected", "/weather/London", fmt.Errorf("%w: HTTP 400", client.ErrBadRequest), http.StatusBadRequest, "BAD_REQUEST", 1},
		{"upstream failure", "/weather/London", fmt.Errorf("%w: HTTP 502", client.ErrUpstreamFailure), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", 1},
		{"circuit open", "/weather/London", circuitbreaker.ErrOpen, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", 1},
		{"invalid key", "/weather/London", client.ErrInvalidAPIKey, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &mockForecasts{err: tt.err}
			h := newTestHandler(t, fs, nil, Config{}, nil)

			req := httptest.NewRequest("GET", tt.path, nil)
			req.Header.Set("X-Correlation-ID", "req-123")
			w := do(h, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeError(t, w)
			if body.Error.Code != tt.wantCode {
				t.Errorf("error.code = %q, want %q", body.Error.Code, tt.wantCode)
			}
			if body.Error.RequestID != "req-123" {
				t.Errorf("error.requestId = %q, want req-123", body.Error.RequestID)
			}
			if fs.calls != tt.wantCalls {
				t.Errorf("service calls = %d, want %d", fs.calls, tt.wantCalls)
			}
		})
	}
}

func TestHandler_GetForecast_RecordsOutcomes(t *testing.T) {
	fs := &mockForecasts{err: client.ErrLocationNotFound}
	h := newTestHandler(t, fs, nil, Config{}, nil)

	do(h, httptest.NewRequest("GET", "/weather/Atlantis", nil))
	fs.err = fmt.Errorf("%w: HTTP 500", client.ErrUpstreamFailure)
	do(h, httptest.NewRequest("GET", "/weather/London", nil))
	do(h, httptest.NewRequest("GET", "/weather/London", nil))

	errs, total := h.tracker.ErrorRate(time.Minute)
	if errs != 2 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (2, 3); unknown locations are not upstream errors", errs, total)
	}
}

func TestHandler_SearchForecast_RendersPage(t *testing.T) {
	fs := &mockForecasts{view: sampleView()}
	h := newTestHandler(t, fs, nil, Config{}, nil)

	w := do(h, httptest.NewRequest("GET", "/weather?location=London&days=2", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"London", "June 01, 2024", "high-rain"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if fs.gotDays != 2 {
		t.Errorf("days = %d, want 2", fs.gotDays)
	}
}

func TestHandler_SearchForecast_DefaultLocation(t *testing.T) {
	fs := &mockForecasts{view: sampleView()}
	h := newTestHandler(t, fs, nil, Config{DefaultLocation: "Delhi"}, nil)

	w := do(h, httptest.NewRequest("GET", "/weather", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if fs.gotLocation != "Delhi" {
		t.Errorf("location = %q, want Delhi", fs.gotLocation)
	}
}

func TestHandler_SearchForecast_PostForm(t *testing.T) {
	fs := &mockForecasts{view: sampleView()}
	h := newTestHandler(t, fs, nil, Config{}, nil)

	form := url.Values{"location": {"Mumbai"}, "days": {"4"}}
	req := httptest.NewRequest("POST", "/weather", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := do(h, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if fs.gotLocation != "Mumbai" || fs.gotDays != 4 {
		t.Errorf("GetForecast(%q, %d), want (Mumbai, 4)", fs.gotLocation, fs.gotDays)
	}
}

func TestHandler_SearchForecast_ErrorPage(t *testing.T) {
	fs := &mockForecasts{err: fmt.Errorf("%w: no match", client.ErrLocationNotFound)}
	h := newTestHandler(t, fs, nil, Config{}, nil)

	w := do(h, httptest.NewRequest("GET", "/weather?location=Atlantis", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Location not found") {
		t.Errorf("error page missing message: %s", w.Body.String())
	}
}

func TestHandler_Index(t *testing.T) {
	h := newTestHandler(t, &mockForecasts{maxDays: 14}, nil, Config{DefaultLocation: "Delhi"}, nil)

	w := do(h, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `value="Delhi"`) {
		t.Error("index missing default location")
	}
	if !strings.Contains(body, `value="14"`) {
		t.Error("index day picker does not reach the provider maximum")
	}
}

func TestHandler_Static(t *testing.T) {
	h := newTestHandler(t, &mockForecasts{}, nil, Config{}, nil)

	w := do(h, httptest.NewRequest("GET", "/static/style.css", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("empty stylesheet")
	}
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return body
}

func TestHandler_GetHealth(t *testing.T) {
	h := newTestHandler(t, &mockForecasts{}, nil, Config{Version: "1.2.3"}, nil)

	w := do(h, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeHealth(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if body["service"] != "forecast-viewer" || body["version"] != "1.2.3" {
		t.Errorf("service/version = %v/%v", body["service"], body["version"])
	}
	if _, ok := body["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

func TestHandler_GetHealth_Statuses(t *testing.T) {
	tests := []struct {
		name       string
		keyErr     error
		breaker    circuitbreaker.State
		errors     int
		successes  int
		shutdown   bool
		wantStatus string
		wantReason string
		wantCode   int
	}{
		{name: "healthy", wantStatus: "healthy", wantCode: http.StatusOK},
		{name: "invalid key", keyErr: client.ErrInvalidAPIKey, wantStatus: "degraded", wantReason: "api_key_invalid", wantCode: http.StatusServiceUnavailable},
		{name: "upstream unreachable", keyErr: errors.New("dial tcp: refused"), wantStatus: "degraded", wantReason: "upstream_unreachable", wantCode: http.StatusServiceUnavailable},
		{name: "circuit open", breaker: circuitbreaker.StateOpen, wantStatus: "degraded", wantReason: "circuit_open", wantCode: http.StatusServiceUnavailable},
		{name: "half open is healthy", breaker: circuitbreaker.StateHalfOpen, wantStatus: "healthy", wantCode: http.StatusOK},
		{name: "error rate breach", errors: 6, successes: 4, wantStatus: "degraded", wantReason: "error_rate_breach", wantCode: http.StatusServiceUnavailable},
		{name: "error rate below threshold", errors: 4, successes: 6, wantStatus: "healthy", wantCode: http.StatusOK},
		{name: "too few samples", errors: 3, wantStatus: "healthy", wantCode: http.StatusOK},
		{name: "shutting down wins", keyErr: client.ErrInvalidAPIKey, shutdown: true, wantStatus: "shutting-down", wantReason: "signal", wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := tt.breaker
			cfg := Config{Health: HealthConfig{
				DegradedWindow:     time.Minute,
				DegradedErrorPct:   50,
				DegradedMinSamples: 5,
				BreakerState:       func() circuitbreaker.State { return breaker },
			}}
			h := newTestHandler(t, &mockForecasts{}, &mockKeys{err: tt.keyErr}, cfg, nil)
			for i := 0; i < tt.errors; i++ {
				h.tracker.RecordError()
			}
			for i := 0; i < tt.successes; i++ {
				h.tracker.RecordSuccess()
			}
			h.SetShuttingDown(tt.shutdown)

			w := do(h, httptest.NewRequest("GET", "/health", nil))

			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
			body := decodeHealth(t, w)
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
			reason, _ := body["reason"].(string)
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestHandler_GetHealth_Checks(t *testing.T) {
	cfg := Config{Health: HealthConfig{
		BreakerState: func() circuitbreaker.State { return circuitbreaker.StateClosed },
		CachePing:    func() error { return errors.New("memcache: no servers") },
	}}
	h := newTestHandler(t, &mockForecasts{}, nil, cfg, nil)

	body := decodeHealth(t, do(h, httptest.NewRequest("GET", "/health", nil)))

	checks, ok := body["checks"].(map[string]any)
	if !ok {
		t.Fatalf("checks = %v, want object", body["checks"])
	}
	want := map[string]string{"forecastApi": "healthy", "circuitBreaker": "closed", "cache": "unhealthy"}
	for k, v := range want {
		if checks[k] != v {
			t.Errorf("checks[%s] = %v, want %s", k, checks[k], v)
		}
	}
}

func TestHandler_GetHealth_KeyCheckCached(t *testing.T) {
	keys := &mockKeys{}
	h := newTestHandler(t, &mockForecasts{}, keys, Config{Health: HealthConfig{KeyCheckInterval: time.Minute}}, nil)
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		do(h, httptest.NewRequest("GET", "/health", nil))
	}
	if keys.calls != 1 {
		t.Errorf("ValidateAPIKey calls = %d, want 1 within the interval", keys.calls)
	}

	now = now.Add(2 * time.Minute)
	do(h, httptest.NewRequest("GET", "/health", nil))
	if keys.calls != 2 {
		t.Errorf("ValidateAPIKey calls = %d, want 2 after the interval", keys.calls)
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	keys := &mockKeys{}
	h := newTestHandler(t, &mockForecasts{}, keys, Config{}, zap.New(core))

	do(h, httptest.NewRequest("GET", "/health", nil))
	keys.err = client.ErrInvalidAPIKey
	do(h, httptest.NewRequest("GET", "/health", nil))
	do(h, httptest.NewRequest("GET", "/health", nil))

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "api_key_invalid" {
		t.Errorf("fields = %v", fields)
	}
}

func TestHandler_GetForecast_DebugLogsFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fs := &mockForecasts{err: fmt.Errorf("%w: HTTP 503", client.ErrUpstreamFailure)}
	h := newTestHandler(t, fs, nil, Config{}, nil)

	w := httptest.NewRecorder()
	NewRouter(h, zap.New(core), RouterConfig{}).ServeHTTP(w, httptest.NewRequest("GET", "/weather/London", nil))

	entries := logs.FilterMessage("forecast lookup failed").All()
	if len(entries) != 1 {
		t.Fatalf("failure logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["category"] != string(client.ErrorCategoryUpstream5xx) {
		t.Errorf("category = %v, want %s", fields["category"], client.ErrorCategoryUpstream5xx)
	}
	if fields["correlation_id"] == "" || fields["correlation_id"] == nil {
		t.Error("request logger missing correlation_id")
	}
}
