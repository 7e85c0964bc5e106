package render

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/forecast"
	"github.com/kjstillabower/forecast-viewer/internal/models"
)

// Terminal writes a forecast as colored text. Rows with a high chance of precipitation are red;
// past rows shown for today are dimmed.
type Terminal struct {
	w   io.Writer
	loc *time.Location

	bold   *color.Color
	red    *color.Color
	dim    *color.Color
	dimRed *color.Color
	green  *color.Color
}

// NewTerminal returns a renderer writing to w with times shown in loc (time.Local when nil).
func NewTerminal(w io.Writer, loc *time.Location) *Terminal {
	if loc == nil {
		loc = time.Local
	}
	return &Terminal{
		w:      w,
		loc:    loc,
		bold:   color.New(color.Bold),
		red:    color.New(color.FgRed),
		dim:    color.New(color.Faint),
		dimRed: color.New(color.FgRed, color.Faint),
		green:  color.New(color.FgGreen),
	}
}

// Render writes the whole view. An empty view prints the no-forecast message, not an error.
func (t *Terminal) Render(v models.ForecastView) error {
	ew := &errWriter{w: t.w}

	ew.printf("%s: %.0f°C, %s\n", t.bold.Sprint(locationTitle(v.Location)), v.Current.TempC, conditionLabel(v.Current.Condition))
	ew.printf("Requested days: %d, Available future days: %d\n", v.RequestedDays, v.AvailableDays)

	if v.Empty() {
		ew.printf("%s\n", NoForecastMessage)
		return ew.err
	}

	for _, day := range v.Days {
		t.renderDay(ew, day)
	}

	t.renderSummary(ew, v)
	return ew.err
}

func (t *Terminal) renderDay(ew *errWriter, day forecast.Day) {
	ew.printf("\n📅 Forecast for %s:\n", day.Date.Format(isoDateLayout))
	if day.UsedFallback() {
		ew.printf("No future hours available for today. Showing last few hours:\n")
	}
	for _, e := range day.Entries {
		line := fmt.Sprintf("%s - %.0f°C, %.0f%%, %s",
			e.Time.In(t.loc).Format(timeLayout), e.TempC, e.PrecipChance, conditionLabel(e.Condition))

		var c *color.Color
		switch {
		case e.IsPast && e.IsHighPrecipitation:
			line += " (past)"
			c = t.dimRed
		case e.IsPast:
			line += " (past)"
			c = t.dim
		case e.IsHighPrecipitation:
			c = t.red
		}
		if c != nil {
			line = c.Sprint(line)
		}
		ew.printf("%s\n", line)
	}
}

func (t *Terminal) renderSummary(ew *errWriter, v models.ForecastView) {
	ew.printf("\n%s: Weather data fetched successfully!\n", t.green.Sprint("Success"))
	ew.printf("Requested days: %d\n", v.RequestedDays)
	ew.printf("Available future days: %d\n", v.AvailableDays)
	ew.printf("Total days in API response: %d\n", v.TotalDays)
	ew.printf("Location: %s\n", t.bold.Sprint(v.Location.Name))
	ew.printf("Current Temperature: %.0f°C\n", v.Current.TempC)
	ew.printf("Current Condition: %s\n", conditionLabel(v.Current.Condition))
	ew.printf("Data fetched at: %s\n", v.FetchedAt.In(t.loc).Format(timestampLayout))
	if v.Stale {
		ew.printf("Note: the provider was unavailable; showing cached data.\n")
	}

	if v.RequestedDays > v.AvailableDays {
		ew.printf("\n⚠️  Warning: You requested %d days, but only %d future days are available.\n",
			v.RequestedDays, v.AvailableDays)
		if v.Provider == client.ProviderWeatherAPI {
			ew.printf("Note: Free WeatherAPI.com accounts typically provide only 3 days of forecast data.\n")
		}
	}
}

func locationTitle(l models.Location) string {
	if l.Country == "" {
		return l.Name
	}
	return l.Name + ", " + l.Country
}

// errWriter keeps the first write error so rendering code can print unconditionally.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
