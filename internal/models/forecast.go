package models

import (
	"time"

	"github.com/kjstillabower/forecast-viewer/internal/forecast"
)

type Location struct {
	Name    string `json:"name"`
	Country string `json:"country"`
}

type Current struct {
	TempC     float64 `json:"tempC"`
	Condition string  `json:"condition"`
}

// Forecast is a provider response normalized to day buckets. It is what the cache stores.
type Forecast struct {
	Provider  string            `json:"provider"`
	Location  Location          `json:"location"`
	Current   Current           `json:"current"`
	Buckets   []forecast.Bucket `json:"buckets"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// ForecastView is the selected forecast handed to presenters.
type ForecastView struct {
	Provider      string         `json:"provider"`
	Location      Location       `json:"location"`
	Current       Current        `json:"current"`
	Days          []forecast.Day `json:"days"`
	RequestedDays int            `json:"requestedDays"`
	AvailableDays int            `json:"availableDays"`
	TotalDays     int            `json:"totalDays"` // day buckets in the provider response
	FetchedAt     time.Time      `json:"fetchedAt"`
	GeneratedAt   time.Time      `json:"generatedAt"`
	Stale         bool           `json:"stale,omitempty"` // served from stale cache
}

// Empty reports whether no day at or after today was available.
func (v ForecastView) Empty() bool {
	return len(v.Days) == 0
}

// NewForecastView selects the days to show from f as of now.
func NewForecastView(f Forecast, requestedDays int, now time.Time) ForecastView {
	days := forecast.Select(f.Buckets, requestedDays, now)
	return ForecastView{
		Provider:      f.Provider,
		Location:      f.Location,
		Current:       f.Current,
		Days:          days,
		RequestedDays: requestedDays,
		AvailableDays: len(days),
		TotalDays:     len(f.Buckets),
		FetchedAt:     f.FetchedAt,
		GeneratedAt:   now,
	}
}
