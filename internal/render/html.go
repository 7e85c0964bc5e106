package render

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"math"
	"strconv"
	"time"

	"github.com/kjstillabower/forecast-viewer/internal/forecast"
	"github.com/kjstillabower/forecast-viewer/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// StaticFiles returns the stylesheet and chart script served under /static/.
func StaticFiles() fs.FS {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err) // embedded path is fixed at build time
	}
	return sub
}

// HTML renders the web pages from embedded templates.
type HTML struct {
	tmpl *template.Template
	loc  *time.Location
}

// NewHTML parses the embedded templates. Times are shown in loc (time.Local when nil).
func NewHTML(loc *time.Location) (*HTML, error) {
	if loc == nil {
		loc = time.Local
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &HTML{tmpl: tmpl, loc: loc}, nil
}

// IndexPage is the search form.
type IndexPage struct {
	Title           string
	DefaultLocation string
	DefaultDays     int
	MaxDays         int
}

// searchForm is the location/day picker shared by the index and forecast pages.
type searchForm struct {
	Location string
	Choices  []int
	Selected int
}

func newSearchForm(location string, selected, maxDays int) searchForm {
	if maxDays < 1 {
		maxDays = 1
	}
	choices := make([]int, 0, maxDays)
	for d := 1; d <= maxDays; d++ {
		choices = append(choices, d)
	}
	return searchForm{Location: location, Choices: choices, Selected: selected}
}

// Search is the form prefilled with the defaults.
func (p IndexPage) Search() searchForm {
	return newSearchForm(p.DefaultLocation, p.DefaultDays, p.MaxDays)
}

type forecastPage struct {
	Title         string
	Location      string
	Country       string
	Provider      string
	CurrentTemp   string
	CurrentCond   string
	RequestedDays int
	AvailableDays int
	MaxDays       int
	Days          []dayGroup
	ChartData     []chartPoint
	Dates         []string
	CurrentTime   string
	FetchedAt     string
	Stale         bool
	Empty         bool
	NoForecast    string
}

// Search is the form prefilled with the current query.
func (p forecastPage) Search() searchForm {
	return newSearchForm(p.Location, p.RequestedDays, p.MaxDays)
}

type dayGroup struct {
	Date     string // 2006-01-02, used as the chart key
	Heading  string
	IsToday  bool
	Fallback bool
	Entries  []entryRow
}

type entryRow struct {
	Time      string
	Temp      string
	Pop       int
	Condition string
	Class     string
}

// chartPoint feeds the temperature chart script.
type chartPoint struct {
	Date        string `json:"date"`
	Time        string `json:"time"`
	Temp        string `json:"temp"`
	Description string `json:"description"`
	Pop         string `json:"pop"`
}

type errorPage struct {
	Title   string
	Message string
}

// Index writes the landing page.
func (h *HTML) Index(w io.Writer, page IndexPage) error {
	if page.Title == "" {
		page.Title = "Weather Forecast"
	}
	return h.tmpl.ExecuteTemplate(w, "index.html", page)
}

// Forecast writes the forecast page for v. maxDays bounds the day picker.
func (h *HTML) Forecast(w io.Writer, v models.ForecastView, maxDays int) error {
	return h.tmpl.ExecuteTemplate(w, "forecast.html", h.forecastPage(v, maxDays))
}

// Error writes the error page with a user-facing message.
func (h *HTML) Error(w io.Writer, message string) error {
	return h.tmpl.ExecuteTemplate(w, "error.html", errorPage{Title: "Error", Message: message})
}

func (h *HTML) forecastPage(v models.ForecastView, maxDays int) forecastPage {
	page := forecastPage{
		Title:         "Weather Forecast",
		Location:      v.Location.Name,
		Country:       v.Location.Country,
		Provider:      v.Provider,
		CurrentTemp:   formatTemp(v.Current.TempC),
		CurrentCond:   conditionLabel(v.Current.Condition),
		RequestedDays: v.RequestedDays,
		AvailableDays: v.AvailableDays,
		MaxDays:       maxDays,
		Days:          make([]dayGroup, 0, len(v.Days)),
		ChartData:     []chartPoint{},
		Dates:         make([]string, 0, len(v.Days)),
		CurrentTime:   v.GeneratedAt.In(h.loc).Format(timestampLayout),
		FetchedAt:     v.FetchedAt.In(h.loc).Format(timestampLayout),
		Stale:         v.Stale,
		Empty:         v.Empty(),
		NoForecast:    NoForecastMessage,
	}

	for _, day := range v.Days {
		group := h.dayGroup(day)
		page.Days = append(page.Days, group)
		page.Dates = append(page.Dates, group.Date)
		for i, e := range day.Entries {
			page.ChartData = append(page.ChartData, chartPoint{
				Date:        group.Date,
				Time:        group.Entries[i].Time,
				Temp:        group.Entries[i].Temp,
				Description: group.Entries[i].Condition,
				Pop:         strconv.Itoa(popPercent(e.PrecipChance)),
			})
		}
	}
	return page
}

func (h *HTML) dayGroup(day forecast.Day) dayGroup {
	g := dayGroup{
		Date:     day.Date.Format(isoDateLayout),
		Heading:  day.Date.Format(dayHeadLayout),
		IsToday:  day.IsToday,
		Fallback: day.UsedFallback(),
		Entries:  make([]entryRow, 0, len(day.Entries)),
	}
	for _, e := range day.Entries {
		g.Entries = append(g.Entries, entryRow{
			Time:      e.Time.In(h.loc).Format(timeLayout),
			Temp:      formatTemp(e.TempC),
			Pop:       popPercent(e.PrecipChance),
			Condition: conditionLabel(e.Condition),
			Class:     entryClass(e),
		})
	}
	return g
}

func entryClass(e forecast.DisplayEntry) string {
	switch {
	case e.IsPast && e.IsHighPrecipitation:
		return "past high-rain"
	case e.IsPast:
		return "past"
	case e.IsHighPrecipitation:
		return "high-rain"
	default:
		return ""
	}
}

func formatTemp(c float64) string {
	return fmt.Sprintf("%.0f", math.Round(c))
}

func popPercent(p float64) int {
	return int(math.Round(math.Max(0, math.Min(100, p))))
}
