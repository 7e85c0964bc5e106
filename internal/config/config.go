package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	ProviderWeatherAPI     = "weatherapi"
	ProviderOpenWeatherMap = "openweathermap"

	CacheInMemory  = "in_memory"
	CacheMemcached = "memcached"
)

// Config holds server configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string
	Version    string

	Provider               string
	APIKey                 string
	APIURL                 string // provider default when empty
	APITimeout             time.Duration
	ProviderRateLimitRPS   float64 // outbound; 0 disables
	ProviderRateLimitBurst int

	RequestTimeout time.Duration

	CacheBackend          string // "in_memory" or "memcached"
	CacheTTL              time.Duration
	CacheStaleTTL         time.Duration // 0 disables the stale fallback
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	WarmLocations         []string
	WarmInterval          time.Duration // 0 warms once at startup

	RetryAttempts           int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenTimeout      time.Duration
	RateLimitRPS            int
	RateLimitBurst          int
	Coalesce                bool

	ShutdownTimeout    time.Duration
	ShutdownDrainDelay time.Duration

	DefaultLocation string
	DefaultDays     int
	Timezone        string
	Location        *time.Location
	StaticDir       string // embedded assets when empty

	DegradedWindow     time.Duration
	DegradedErrorPct   int
	DegradedMinSamples int
	KeyCheckInterval   time.Duration

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port    string `yaml:"port"`
		Version string `yaml:"version"`
	} `yaml:"server"`

	Provider struct {
		Name           string  `yaml:"name"`
		URL            string  `yaml:"url"`
		Timeout        string  `yaml:"timeout"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
	} `yaml:"provider"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		StaleTTL  string `yaml:"stale_ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warm         []string `yaml:"warm"`
		WarmInterval string   `yaml:"warm_interval"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		CircuitBreaker   struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			OpenTimeout      string `yaml:"open_timeout"`
		} `yaml:"circuit_breaker"`
		RateLimitRPS   int   `yaml:"rate_limit_rps"`
		RateLimitBurst int   `yaml:"rate_limit_burst"`
		Coalesce       *bool `yaml:"coalesce"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout    string `yaml:"timeout"`
		DrainDelay string `yaml:"drain_delay"`
	} `yaml:"shutdown"`

	Display struct {
		DefaultLocation string `yaml:"default_location"`
		DefaultDays     int    `yaml:"default_days"`
		Timezone        string `yaml:"timezone"`
		StaticDir       string `yaml:"static_dir"`
	} `yaml:"display"`

	Lifecycle struct {
		DegradedWindow     string `yaml:"degraded_window"`
		DegradedErrorPct   int    `yaml:"degraded_error_pct"`
		DegradedMinSamples int    `yaml:"degraded_min_samples"`
		KeyCheckInterval   string `yaml:"key_check_interval"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// envOverrides are applied after the YAML file. Empty values leave the file setting alone.
type envOverrides struct {
	APIKey          string `envconfig:"WEATHER_API_KEY"`
	APIURL          string `envconfig:"WEATHER_API_URL"`
	Provider        string `envconfig:"WEATHER_PROVIDER"`
	CacheBackend    string `envconfig:"CACHE_BACKEND"`
	MemcachedAddrs  string `envconfig:"MEMCACHED_ADDRS"`
	ServerPort      string `envconfig:"SERVER_PORT"`
	Timezone        string `envconfig:"TIMEZONE"`
	DefaultLocation string `envconfig:"DEFAULT_LOCATION"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory is loaded first; variables already set win.
// API key comes from WEATHER_API_KEY or the secrets file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := loadDotEnv(filepath.Join(cwd, ".env")); err != nil {
		return nil, err
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var ov envOverrides
	if err := envconfig.Process("", &ov); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg := fromFile(fc)
	applyOverrides(cfg, ov)

	if cfg.APIKey == "" {
		key, err := loadAPIKeyFromSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.APIKey = key
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc fileConfig) *Config {
	cfg := &Config{
		ServerPort: orDefault(fc.Server.Port, "8080"),
		Version:    orDefault(fc.Server.Version, "dev"),

		Provider:               strings.ToLower(orDefault(fc.Provider.Name, ProviderWeatherAPI)),
		APIURL:                 strings.TrimSpace(fc.Provider.URL),
		APITimeout:             parseDurationOrZero(fc.Provider.Timeout, 10*time.Second),
		ProviderRateLimitRPS:   fc.Provider.RateLimitRPS,
		ProviderRateLimitBurst: fc.Provider.RateLimitBurst,

		RequestTimeout: parseDuration(fc.Request.Timeout, 15*time.Second),

		CacheBackend:          strings.ToLower(orDefault(fc.Cache.Backend, CacheInMemory)),
		CacheTTL:              parseDuration(fc.Cache.TTL, 10*time.Minute),
		CacheStaleTTL:         parseDurationOrZero(fc.Cache.StaleTTL, time.Hour),
		MemcachedAddrs:        orDefault(fc.Cache.Memcached.Addrs, "localhost:11211"),
		MemcachedTimeout:      parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond),
		MemcachedMaxIdleConns: fc.Cache.Memcached.MaxIdleConns,
		WarmLocations:         fc.Cache.Warm,
		WarmInterval:          parseDurationOrZero(fc.Cache.WarmInterval, 0),

		RetryAttempts:           fc.Reliability.RetryMaxAttempts,
		RetryBaseDelay:          parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond),
		RetryMaxDelay:           parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second),
		BreakerFailureThreshold: fc.Reliability.CircuitBreaker.FailureThreshold,
		BreakerSuccessThreshold: fc.Reliability.CircuitBreaker.SuccessThreshold,
		BreakerOpenTimeout:      parseDuration(fc.Reliability.CircuitBreaker.OpenTimeout, 30*time.Second),
		RateLimitRPS:            fc.Reliability.RateLimitRPS,
		RateLimitBurst:          fc.Reliability.RateLimitBurst,
		Coalesce:                true,

		ShutdownTimeout:    parseDuration(fc.Shutdown.Timeout, 30*time.Second),
		ShutdownDrainDelay: parseDurationOrZero(fc.Shutdown.DrainDelay, 0),

		DefaultLocation: orDefault(fc.Display.DefaultLocation, "Delhi"),
		DefaultDays:     fc.Display.DefaultDays,
		Timezone:        strings.TrimSpace(fc.Display.Timezone),
		StaticDir:       strings.TrimSpace(fc.Display.StaticDir),

		DegradedWindow:     parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second),
		DegradedErrorPct:   fc.Lifecycle.DegradedErrorPct,
		DegradedMinSamples: fc.Lifecycle.DegradedMinSamples,
		KeyCheckInterval:   parseDurationOrZero(fc.Lifecycle.KeyCheckInterval, time.Minute),

		TrackedLocations: fc.Metrics.TrackedLocations,
	}
	if fc.Reliability.Coalesce != nil {
		cfg.Coalesce = *fc.Reliability.Coalesce
	}

	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.ProviderRateLimitRPS > 0 && cfg.ProviderRateLimitBurst <= 0 {
		cfg.ProviderRateLimitBurst = 1
	}
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = 1
	}
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	if cfg.DegradedMinSamples <= 0 {
		cfg.DegradedMinSamples = 10
	}
	return cfg
}

func applyOverrides(cfg *Config, ov envOverrides) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.APIKey, ov.APIKey)
	set(&cfg.APIURL, ov.APIURL)
	set(&cfg.Provider, strings.ToLower(ov.Provider))
	set(&cfg.CacheBackend, strings.ToLower(ov.CacheBackend))
	set(&cfg.MemcachedAddrs, ov.MemcachedAddrs)
	set(&cfg.ServerPort, ov.ServerPort)
	set(&cfg.Timezone, ov.Timezone)
	set(&cfg.DefaultLocation, ov.DefaultLocation)
}

// loadDotEnv loads path into the environment without overriding variables already set.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadAPIKeyFromSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// loadTimezone resolves an IANA zone name; empty means the host zone.
func loadTimezone(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

func validateProvider(p string) error {
	switch p {
	case ProviderWeatherAPI, ProviderOpenWeatherMap:
		return nil
	default:
		return fmt.Errorf("provider must be %s or %s, got %q", ProviderWeatherAPI, ProviderOpenWeatherMap, p)
	}
}

// validate checks the loaded values and resolves the display zone. RequestTimeout is raised
// above APITimeout so a single upstream attempt always fits in the request deadline.
func validate(cfg *Config) error {
	if err := validateProvider(cfg.Provider); err != nil {
		return err
	}
	if cfg.APITimeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.APITimeout {
		cfg.RequestTimeout = cfg.APITimeout + time.Second
	}
	if cfg.CacheStaleTTL < 0 {
		return fmt.Errorf("cache.stale_ttl must not be negative")
	}
	switch cfg.CacheBackend {
	case CacheInMemory, CacheMemcached:
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("lifecycle.degraded_error_pct must be at most 100, got %d", cfg.DegradedErrorPct)
	}
	loc, err := loadTimezone(cfg.Timezone)
	if err != nil {
		return err
	}
	cfg.Location = loc
	return nil
}

// CLIConfig is the command-line viewer's configuration, read from the environment only.
type CLIConfig struct {
	APIKey   string         `envconfig:"WEATHER_API_KEY" required:"true"`
	Provider string         `envconfig:"WEATHER_PROVIDER" default:"weatherapi"`
	APIURL   string         `envconfig:"WEATHER_API_URL"`
	Timeout  time.Duration  `envconfig:"WEATHER_API_TIMEOUT" default:"10s"`
	Timezone string         `envconfig:"TIMEZONE"`
	Location *time.Location `ignored:"true"`
}

// LoadCLI loads .env from the working directory, then the environment.
func LoadCLI() (*CLIConfig, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	var cfg CLIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required")
	}
	cfg.Provider = strings.ToLower(orDefault(cfg.Provider, ProviderWeatherAPI))
	if err := validateProvider(cfg.Provider); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("WEATHER_API_TIMEOUT must be positive")
	}
	loc, err := loadTimezone(strings.TrimSpace(cfg.Timezone))
	if err != nil {
		return nil, err
	}
	cfg.Location = loc
	return &cfg, nil
}
