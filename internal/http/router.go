package http

import (
	"io/fs"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/render"
)

// RouterConfig holds the per-route middleware settings.
type RouterConfig struct {
	RequestTimeout time.Duration // deadline for /weather routes; zero disables
	Limiter        *rate.Limiter // inbound limit for /weather routes; nil disables
	InFlight       *InFlightTracker
	Static         fs.FS // embedded assets when nil
}

// NewRouter wires the handler routes and middleware.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(logger))
	r.Use(MetricsMiddleware(cfg.InFlight))

	r.HandleFunc("/", h.Index).Methods(http.MethodGet)
	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	static := cfg.Static
	if static == nil {
		static = render.StaticFiles()
	}
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	weather := r.PathPrefix("/weather").Subrouter()
	weather.Use(RateLimitMiddleware(cfg.Limiter, h.tracker))
	if cfg.RequestTimeout > 0 {
		weather.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	weather.HandleFunc("", h.SearchForecast).Methods(http.MethodGet, http.MethodPost)
	weather.HandleFunc("/{location}", h.GetForecast).Methods(http.MethodGet)
	return r
}
