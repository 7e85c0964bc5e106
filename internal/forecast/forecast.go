// Package forecast decides which upstream forecast entries are shown to the user.
//
// Providers hand over day buckets (WeatherAPI.com) or a flat timestamped list
// (OpenWeatherMap, normalized with GroupByDate). Select turns those buckets into
// the day-grouped view rendered by the terminal and HTML presenters. Everything
// here is a pure function of its arguments and safe for concurrent use.
package forecast

import (
	"slices"
	"time"
)

const (
	// HighPrecipitationThreshold is the precipitation chance (percent) at or above
	// which an entry is highlighted.
	HighPrecipitationThreshold = 40.0

	// RecentWindow is how far into the past today's entries stay visible.
	RecentWindow = time.Hour

	// FallbackEntries is how many of today's last entries are shown, marked as past,
	// when every entry of today is older than RecentWindow.
	FallbackEntries = 3
)

// Entry is one forecast data point as reported by the provider.
type Entry struct {
	Time         time.Time `json:"time"`
	TempC        float64   `json:"tempC"`
	PrecipChance float64   `json:"precipChance"` // percent, 0 when the provider omits it
	Condition    string    `json:"condition"`
}

// Bucket is the set of provider entries for one calendar date, in upstream order.
type Bucket struct {
	Date    Date    `json:"date"`
	Entries []Entry `json:"entries"`
}

// DisplayEntry is an Entry annotated for presentation.
type DisplayEntry struct {
	Entry
	IsPast              bool `json:"isPast"`
	IsHighPrecipitation bool `json:"isHighPrecipitation"`
}

// Day is one selected calendar date with the entries to display, chronological.
type Day struct {
	Date    Date           `json:"date"`
	IsToday bool           `json:"isToday"`
	Entries []DisplayEntry `json:"entries"`
}

// UsedFallback reports whether the day shows stale entries because none of today's
// entries were recent enough.
func (d Day) UsedFallback() bool {
	for _, e := range d.Entries {
		if e.IsPast {
			return true
		}
	}
	return false
}

// Select returns at most days calendar days, starting with today, taken from buckets.
//
// today is the calendar date of now in now.Location(); buckets dated before today are
// dropped. Entries of today's bucket older than now-RecentWindow are dropped; if that
// leaves today empty although the bucket had entries, its last FallbackEntries entries
// are shown instead with IsPast set. Entry order inside a bucket is never changed.
//
// Callers must clamp days to 1..provider maximum before calling; a non-positive days
// yields an empty result. An empty result means no forecast is available for the
// requested period and is not an error.
func Select(buckets []Bucket, days int, now time.Time) []Day {
	today := DateOf(now)

	upcoming := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Date.Before(today) {
			continue
		}
		upcoming = append(upcoming, b)
	}
	slices.SortStableFunc(upcoming, func(a, b Bucket) int { return a.Date.Compare(b.Date) })
	if days < 0 {
		days = 0
	}
	if len(upcoming) > days {
		upcoming = upcoming[:days]
	}

	cutoff := now.Add(-RecentWindow)
	out := make([]Day, 0, len(upcoming))
	for _, b := range upcoming {
		day := Day{
			Date:    b.Date,
			IsToday: b.Date == today,
			Entries: make([]DisplayEntry, 0, len(b.Entries)),
		}
		for _, e := range b.Entries {
			if day.IsToday && e.Time.Before(cutoff) {
				continue
			}
			day.Entries = append(day.Entries, annotate(e, false))
		}
		if day.IsToday && len(day.Entries) == 0 && len(b.Entries) > 0 {
			day.Entries = lastAsPast(b.Entries, FallbackEntries)
		}
		out = append(out, day)
	}
	return out
}

// lastAsPast returns the last n entries in their original order, marked as past.
func lastAsPast(entries []Entry, n int) []DisplayEntry {
	start := len(entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]DisplayEntry, 0, len(entries)-start)
	for _, e := range entries[start:] {
		out = append(out, annotate(e, true))
	}
	return out
}

func annotate(e Entry, past bool) DisplayEntry {
	return DisplayEntry{
		Entry:               e,
		IsPast:              past,
		IsHighPrecipitation: e.PrecipChance >= HighPrecipitationThreshold,
	}
}

// GroupByDate buckets a flat, chronological list of entries by their calendar date in
// loc (time.Local when nil). Buckets are ascending by date; entry order is preserved.
func GroupByDate(entries []Entry, loc *time.Location) []Bucket {
	if loc == nil {
		loc = time.Local
	}
	index := make(map[Date]int)
	var buckets []Bucket
	for _, e := range entries {
		d := DateOf(e.Time.In(loc))
		i, ok := index[d]
		if !ok {
			i = len(buckets)
			index[d] = i
			buckets = append(buckets, Bucket{Date: d})
		}
		buckets[i].Entries = append(buckets[i].Entries, e)
	}
	slices.SortStableFunc(buckets, func(a, b Bucket) int { return a.Date.Compare(b.Date) })
	return buckets
}
