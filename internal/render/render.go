// Package render presents a selected forecast on a terminal or as HTML pages.
package render

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	timeLayout      = "15:04"
	isoDateLayout   = "2006-01-02"
	dayHeadLayout   = "January 02, 2006"
	timestampLayout = "2006-01-02 15:04:05"
)

// NoForecastMessage is shown when no day at or after today is available.
const NoForecastMessage = "No forecast data available for the requested period"

// conditionLabel title-cases provider condition text ("light rain" -> "Light Rain").
// Casers keep state, so one is built per call.
func conditionLabel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Unknown"
	}
	return cases.Title(language.English).String(s)
}
