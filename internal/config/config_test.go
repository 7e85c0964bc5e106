package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// envKeys are every variable Load and LoadCLI read.
var envKeys = []string{
	"ENV_NAME", "WEATHER_API_KEY", "WEATHER_API_URL", "WEATHER_PROVIDER", "WEATHER_API_TIMEOUT",
	"CACHE_BACKEND", "MEMCACHED_ADDRS", "SERVER_PORT", "TIMEZONE", "DEFAULT_LOCATION",
}

// isolate runs the test in a fresh directory with none of envKeys set. Both are restored on cleanup.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_FailsWhenNoAPIKey(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error when no WEATHER_API_KEY and no secrets file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "WEATHER_API_KEY") {
		t.Errorf("Load() error = %v, want message containing WEATHER_API_KEY", err)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "weather_api_key: key-from-secrets-file\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIKey != "key-from-secrets-file" {
		t.Errorf("APIKey = %q, want key-from-secrets-file", cfg.APIKey)
	}
}

func TestLoad_EnvKeyBeatsSecretsFile(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "weather_api_key: from-file\n")
	t.Setenv("WEATHER_API_KEY", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want from-env", cfg.APIKey)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WEATHER_API_KEY=from-dotenv\nCACHE_BACKEND=memcached\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("WEATHER_API_KEY")
		os.Unsetenv("CACHE_BACKEND")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIKey != "from-dotenv" {
		t.Errorf("APIKey = %q, want from-dotenv", cfg.APIKey)
	}
	if cfg.CacheBackend != CacheMemcached {
		t.Errorf("CacheBackend = %q, want memcached", cfg.CacheBackend)
	}
}

// TestLoad_ServerAndCLIShareProviderVariable verifies that WEATHER_PROVIDER from .env overrides
// the YAML provider for the server and selects the same provider for the CLI.
func TestLoad_ServerAndCLIShareProviderVariable(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)
	dotenv := "WEATHER_API_KEY=test-key\nWEATHER_PROVIDER=openweathermap\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("WEATHER_API_KEY")
		os.Unsetenv("WEATHER_PROVIDER")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider != ProviderOpenWeatherMap {
		t.Errorf("Load() Provider = %q, want %q (yaml says weatherapi)", cfg.Provider, ProviderOpenWeatherMap)
	}

	cli, err := LoadCLI()
	if err != nil {
		t.Fatalf("LoadCLI() error = %v", err)
	}
	if cli.Provider != cfg.Provider {
		t.Errorf("LoadCLI() Provider = %q, server Provider = %q", cli.Provider, cfg.Provider)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, "server:\n  port: \"9090\"\n")
	t.Setenv("WEATHER_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"ServerPort", cfg.ServerPort, "9090"},
		{"Provider", cfg.Provider, ProviderWeatherAPI},
		{"APITimeout", cfg.APITimeout, 10 * time.Second},
		{"RequestTimeout", cfg.RequestTimeout, 15 * time.Second},
		{"CacheBackend", cfg.CacheBackend, CacheInMemory},
		{"CacheTTL", cfg.CacheTTL, 10 * time.Minute},
		{"CacheStaleTTL", cfg.CacheStaleTTL, time.Hour},
		{"Coalesce", cfg.Coalesce, true},
		{"DefaultLocation", cfg.DefaultLocation, "Delhi"},
		{"DefaultDays", cfg.DefaultDays, 1},
		{"BreakerFailureThreshold", cfg.BreakerFailureThreshold, 5},
		{"Location", cfg.Location, time.Local},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_FullFile(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, fullEnvYAML)
	t.Setenv("WEATHER_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider != ProviderOpenWeatherMap {
		t.Errorf("Provider = %q, want openweathermap", cfg.Provider)
	}
	if cfg.ProviderRateLimitRPS != 2.5 || cfg.ProviderRateLimitBurst != 5 {
		t.Errorf("provider rate limit = %v/%d, want 2.5/5", cfg.ProviderRateLimitRPS, cfg.ProviderRateLimitBurst)
	}
	if cfg.CacheStaleTTL != 0 {
		t.Errorf("CacheStaleTTL = %v, want 0 (disabled)", cfg.CacheStaleTTL)
	}
	if cfg.Coalesce {
		t.Error("Coalesce = true, want false")
	}
	if len(cfg.WarmLocations) != 2 || cfg.WarmInterval != 15*time.Minute {
		t.Errorf("warm = %v/%v", cfg.WarmLocations, cfg.WarmInterval)
	}
	if cfg.BreakerFailureThreshold != 3 || cfg.BreakerOpenTimeout != 45*time.Second {
		t.Errorf("breaker = %d/%v, want 3/45s", cfg.BreakerFailureThreshold, cfg.BreakerOpenTimeout)
	}
	if cfg.Location == nil || cfg.Location.String() != "Asia/Kolkata" {
		t.Errorf("Location = %v, want Asia/Kolkata", cfg.Location)
	}
	if cfg.DefaultLocation != "Mumbai" || cfg.DefaultDays != 3 {
		t.Errorf("display defaults = %q/%d", cfg.DefaultLocation, cfg.DefaultDays)
	}
	if cfg.DegradedErrorPct != 25 || cfg.DegradedMinSamples != 4 {
		t.Errorf("degraded = %d%%/%d", cfg.DegradedErrorPct, cfg.DegradedMinSamples)
	}
	if len(cfg.TrackedLocations) != 2 {
		t.Errorf("TrackedLocations = %v", cfg.TrackedLocations)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)
	t.Setenv("WEATHER_API_KEY", "test-key")
	t.Setenv("WEATHER_PROVIDER", "OpenWeatherMap")
	t.Setenv("CACHE_BACKEND", "memcached")
	t.Setenv("MEMCACHED_ADDRS", "cache-1:11211,cache-2:11211")
	t.Setenv("SERVER_PORT", "7000")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("DEFAULT_LOCATION", "Chennai")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider != ProviderOpenWeatherMap {
		t.Errorf("Provider = %q", cfg.Provider)
	}
	if cfg.CacheBackend != CacheMemcached || cfg.MemcachedAddrs != "cache-1:11211,cache-2:11211" {
		t.Errorf("cache = %q %q", cfg.CacheBackend, cfg.MemcachedAddrs)
	}
	if cfg.ServerPort != "7000" {
		t.Errorf("ServerPort = %q", cfg.ServerPort)
	}
	if cfg.Location != time.UTC {
		t.Errorf("Location = %v, want UTC", cfg.Location)
	}
	if cfg.DefaultLocation != "Chennai" {
		t.Errorf("DefaultLocation = %q", cfg.DefaultLocation)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	isolate(t)
	t.Setenv("WEATHER_API_KEY", "test-key")
	t.Setenv("ENV_NAME", "staging")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "staging.yaml") {
		t.Errorf("Load() error = %v, want config file not found for staging.yaml", err)
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, "cache:\n  ttl: \"soon\"\nrequest:\n  timeout: \"\"\n")
	t.Setenv("WEATHER_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Errorf("CacheTTL = %v, want 10m default", cfg.CacheTTL)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("RequestTimeout = %v, want 15s default", cfg.RequestTimeout)
	}
}

func TestLoad_RequestTimeoutRaisedAboveProviderTimeout(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, "provider:\n  timeout: \"8s\"\nrequest:\n  timeout: \"5s\"\n")
	t.Setenv("WEATHER_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestTimeout != 9*time.Second {
		t.Errorf("RequestTimeout = %v, want 9s", cfg.RequestTimeout)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"zero provider timeout", "provider:\n  timeout: \"0s\"\n", "provider.timeout"},
		{"unknown provider", "provider:\n  name: darksky\n", "provider must be"},
		{"unknown cache backend", "cache:\n  backend: redis\n", "cache.backend"},
		{"negative stale ttl", "cache:\n  stale_ttl: \"-1m\"\n", "stale_ttl"},
		{"bad timezone", "display:\n  timezone: Mars/Olympus\n", "timezone"},
		{"error pct over 100", "lifecycle:\n  degraded_error_pct: 150\n", "degraded_error_pct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			writeEnvFile(t, dir, tt.yaml)
			t.Setenv("WEATHER_API_KEY", "test-key")

			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Load() error = %v, want message containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_InvalidSecretsYAML(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "weather_api_key: [unterminated\n")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse secrets file") {
		t.Errorf("Load() error = %v, want parse secrets file error", err)
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	dir := isolate(t)
	writeEnvFile(t, dir, "server: [unterminated\n")
	t.Setenv("WEATHER_API_KEY", "test-key")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Errorf("Load() error = %v, want parse config file error", err)
	}
}

func TestLoadCLI(t *testing.T) {
	isolate(t)
	t.Setenv("WEATHER_API_KEY", "cli-key")
	t.Setenv("TIMEZONE", "Asia/Kolkata")

	cfg, err := LoadCLI()
	if err != nil {
		t.Fatalf("LoadCLI() error = %v", err)
	}
	if cfg.APIKey != "cli-key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.Provider != ProviderWeatherAPI {
		t.Errorf("Provider = %q, want weatherapi default", cfg.Provider)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s default", cfg.Timeout)
	}
	if cfg.Location == nil || cfg.Location.String() != "Asia/Kolkata" {
		t.Errorf("Location = %v", cfg.Location)
	}
}

func TestLoadCLI_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantMsg string
	}{
		{"missing key", map[string]string{}, "WEATHER_API_KEY"},
		{"unknown provider", map[string]string{"WEATHER_API_KEY": "k", "WEATHER_PROVIDER": "darksky"}, "provider must be"},
		{"bad timeout", map[string]string{"WEATHER_API_KEY": "k", "WEATHER_API_TIMEOUT": "soon"}, "WEATHER_API_TIMEOUT"},
		{"bad timezone", map[string]string{"WEATHER_API_KEY": "k", "TIMEZONE": "Nowhere/City"}, "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadCLI()
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("LoadCLI() error = %v, want message containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_RepositoryDevConfig(t *testing.T) {
	root := findProjectRoot(t)
	isolate(t)
	t.Chdir(root)
	t.Setenv("WEATHER_API_KEY", "test-key")

	if _, err := Load(); err != nil {
		t.Fatalf("Load() with config/dev.yaml error = %v", err)
	}
}

const minimalEnvYAML = `
server:
  port: "8080"
provider:
  name: weatherapi
  timeout: "2s"
request:
  timeout: "5s"
cache:
  ttl: "5m"
reliability:
  retry_max_attempts: 3
  retry_base_delay: "100ms"
  retry_max_delay: "2s"
  rate_limit_rps: 5
  rate_limit_burst: 10
shutdown:
  timeout: "10s"
`

const fullEnvYAML = `
provider:
  name: OpenWeatherMap
  url: "https://owm.example.com/forecast"
  timeout: "3s"
  rate_limit_rps: 2.5
  rate_limit_burst: 5
cache:
  backend: in_memory
  ttl: "2m"
  stale_ttl: "0s"
  warm: ["Delhi", "Mumbai"]
  warm_interval: "15m"
reliability:
  coalesce: false
  circuit_breaker:
    failure_threshold: 3
    success_threshold: 1
    open_timeout: "45s"
display:
  default_location: Mumbai
  default_days: 3
  timezone: Asia/Kolkata
lifecycle:
  degraded_window: "2m"
  degraded_error_pct: 25
  degraded_min_samples: 4
metrics:
  tracked_locations: ["delhi", "mumbai"]
`

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	secretsDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(secretsDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(secretsDir, "secrets.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
