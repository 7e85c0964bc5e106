package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/config"
	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/observability"
	"github.com/kjstillabower/forecast-viewer/internal/render"
	"github.com/kjstillabower/forecast-viewer/internal/validation"
)

const (
	defaultLocation = "India"
	defaultDays     = 1
	fetchTimeout    = 15 * time.Second
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	provider string
	debug    bool
	location string
	days     int
}

// parseArgs reads `[-provider name] [-debug] [location] [days]`. Days that do not parse as a
// whole number fall back to 1; clamping to the provider limit happens once it is known.
func parseArgs(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("forecast", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: forecast [-provider name] [-debug] [location] [days]")
		fs.PrintDefaults()
	}

	opts := options{location: defaultLocation, days: defaultDays}
	fs.StringVar(&opts.provider, "provider", "", "forecast provider (weatherapi, openweathermap); overrides WEATHER_PROVIDER")
	fs.BoolVar(&opts.debug, "debug", false, "log request diagnostics to stderr")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	rest := fs.Args()
	if len(rest) > 0 {
		opts.location = rest[0]
	}
	if len(rest) > 1 {
		n, err := strconv.Atoi(rest[1])
		if err != nil {
			n = defaultDays
		}
		opts.days = n
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger, err := observability.NewCLILogger(opts.debug)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadCLI()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	provider := cfg.Provider
	if opts.provider != "" {
		provider = opts.provider
	}

	c, err := client.New(provider, client.Options{
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.APIURL,
		Timeout:  cfg.Timeout,
		Location: cfg.Location,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	days := validation.ClampDays(opts.days, c.MaxDays())
	logger.Debug("fetching forecast",
		zap.String("provider", c.Provider()),
		zap.String("location", opts.location),
		zap.Int("days", days))

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	f, err := c.GetForecast(fetchCtx, opts.location, days)
	if err != nil {
		logger.Debug("forecast fetch failed",
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	view := models.NewForecastView(f, days, time.Now().In(cfg.Location))
	if err := render.NewTerminal(stdout, cfg.Location).Render(view); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
