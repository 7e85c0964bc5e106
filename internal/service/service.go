package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/forecast-viewer/internal/cache"
	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/validation"
)

// Config tunes ForecastService. Zero StaleTTL disables the stale fallback.
type Config struct {
	TTL      time.Duration
	StaleTTL time.Duration
	Coalesce bool
	// Now returns the current time in the viewer's zone; "today" is taken from it.
	// time.Now when nil.
	Now func() time.Time
}

// ForecastService orchestrates forecast retrieval using the cache-aside pattern with upstream
// fallback, then selects the days to display.
type ForecastService struct {
	client client.ForecastClient
	cache  cache.Cache
	cfg    Config
	group  singleflight.Group
}

// NewForecastService creates a ForecastService with the provided dependencies.
func NewForecastService(c client.ForecastClient, fc cache.Cache, cfg Config) *ForecastService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ForecastService{client: c, cache: fc, cfg: cfg}
}

// Provider names the upstream the service is bound to.
func (s *ForecastService) Provider() string { return s.client.Provider() }

// MaxDays is the provider's largest accepted day count.
func (s *ForecastService) MaxDays() int { return s.client.MaxDays() }

// GetForecast returns the days to display for location, starting today. days is clamped to
// 1..MaxDays. The clock is read once so every day and entry is judged against the same instant.
func (s *ForecastService) GetForecast(ctx context.Context, location string, days int) (models.ForecastView, error) {
	now := s.cfg.Now()
	days = validation.ClampDays(days, s.client.MaxDays())
	observability.RecordForecastQuery(location)

	f, stale, err := s.fetch(ctx, location)
	if err != nil {
		return models.ForecastView{}, err
	}

	view := models.NewForecastView(f, days, now)
	view.Stale = stale

	observability.ForecastDaysServed.Observe(float64(view.AvailableDays))
	if view.Empty() {
		observability.ForecastEmptyTotal.Inc()
	}
	for _, d := range view.Days {
		if d.UsedFallback() {
			observability.ForecastFallbackTotal.Inc()
			break
		}
	}

	observability.LoggerFromContext(ctx).Debug("forecast served",
		zap.String("location", normalizeLocation(location)),
		zap.Int("requested_days", days),
		zap.Int("available_days", view.AvailableDays),
		zap.Int("total_days", view.TotalDays),
		zap.Bool("stale", stale))
	return view, nil
}

// Fetch returns the normalized provider forecast, from cache when fresh. Used by the cache warmer.
func (s *ForecastService) Fetch(ctx context.Context, location string) (models.Forecast, error) {
	f, _, err := s.fetch(ctx, location)
	return f, err
}

// fetch is the cache-aside lookup. The provider's full range is fetched and cached once per
// location; Select trims it to the requested days. stale reports whether the result came from
// the stale fallback.
func (s *ForecastService) fetch(ctx context.Context, location string) (models.Forecast, bool, error) {
	logger := observability.LoggerFromContext(ctx)
	loc := normalizeLocation(location)
	key := cacheKey(s.client.Provider(), loc)

	cached, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	case ok:
		observability.CacheHitsTotal.WithLabelValues("fresh").Inc()
		logger.Debug("cache hit", zap.String("key", key))
		return cached, false, nil
	}
	observability.CacheMissesTotal.Inc()
	logger.Debug("cache miss, fetching upstream", zap.String("key", key))

	f, err := s.upstream(ctx, key, loc, s.client.MaxDays())
	if err != nil {
		if stale, ok := s.staleFallback(ctx, key); ok {
			logger.Info("serving stale cache",
				zap.String("key", key),
				zap.Duration("age", time.Since(stale.FetchedAt)),
				zap.Error(err))
			return stale, true, nil
		}
		return models.Forecast{}, false, fmt.Errorf("fetch forecast for %s: %w", loc, err)
	}

	if err := s.cache.Set(ctx, key, f, s.cfg.TTL); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return f, false, nil
}

// upstream calls the provider. With coalescing on, concurrent callers for the same key share one
// call; the shared call is detached from any single caller's cancellation.
func (s *ForecastService) upstream(ctx context.Context, key, location string, days int) (models.Forecast, error) {
	if !s.cfg.Coalesce {
		return s.client.GetForecast(ctx, location, days)
	}

	leader := false
	ch := s.group.DoChan(key, func() (any, error) {
		leader = true
		return s.client.GetForecast(context.WithoutCancel(ctx), location, days)
	})

	select {
	case <-ctx.Done():
		return models.Forecast{}, ctx.Err()
	case res := <-ch:
		if !leader {
			observability.RequestCoalescedTotal.Inc()
		}
		if res.Err != nil {
			return models.Forecast{}, res.Err
		}
		return res.Val.(models.Forecast), nil
	}
}

func (s *ForecastService) staleFallback(ctx context.Context, key string) (models.Forecast, bool) {
	if s.cfg.StaleTTL <= 0 {
		return models.Forecast{}, false
	}
	stale, ok, err := s.cache.GetStale(ctx, key, s.cfg.StaleTTL)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get_stale").Inc()
		return models.Forecast{}, false
	}
	if ok {
		observability.CacheHitsTotal.WithLabelValues("stale").Inc()
	}
	return stale, ok
}

func cacheKey(provider, location string) string {
	return provider + ":" + location
}

// normalizeLocation trims whitespace and lowercases so cache keys and upstream queries agree
// regardless of input format.
func normalizeLocation(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}
