//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/forecast-viewer/internal/cache"
	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	Provider      string
	APIKey        string
	APIURL        string // provider default when empty
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	provider := os.Getenv("WEATHER_PROVIDER")
	if provider == "" {
		provider = client.ProviderWeatherAPI
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		Provider:      provider,
		APIKey:        apiKey,
		APIURL:        os.Getenv("WEATHER_API_URL"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationClient creates a live provider client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) client.ForecastClient {
	t.Helper()
	c, err := client.New(cfg.Provider, client.Options{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.APIURL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("client.New(%q) error = %v", cfg.Provider, err)
	}
	return c
}

// SetupIntegrationService creates a fully configured service for integration tests.
// Falls back to the in-memory cache when memcached is requested but unreachable.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.ForecastService, client.ForecastClient, cache.Cache) {
	t.Helper()
	fc := SetupIntegrationClient(t, cfg)

	var cacheSvc cache.Cache = cache.NewInMemoryCache(10 * time.Minute)
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, 10*time.Minute)
		if err == nil {
			cacheSvc = mc
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
		}
	}

	svc := service.NewForecastService(fc, cacheSvc, service.Config{
		TTL:      5 * time.Minute,
		StaleTTL: 10 * time.Minute,
		Coalesce: true,
	})
	return svc, fc, cacheSvc
}
