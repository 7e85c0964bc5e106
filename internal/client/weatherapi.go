package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/forecast-viewer/internal/forecast"
	"github.com/kjstillabower/forecast-viewer/internal/models"
)

const (
	weatherAPIDefaultURL = "https://api.weatherapi.com/v1/forecast.json"
	weatherAPIMaxDays    = 14
)

// WeatherAPIClient fetches hourly forecasts from WeatherAPI.com, which already groups
// hours into day buckets.
type WeatherAPIClient struct {
	t   *transport
	loc *time.Location
}

var _ ForecastClient = (*WeatherAPIClient)(nil)

func NewWeatherAPIClient(opts Options) (*WeatherAPIClient, error) {
	t, err := newTransport(ProviderWeatherAPI, weatherAPIDefaultURL, opts)
	if err != nil {
		return nil, err
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &WeatherAPIClient{t: t, loc: loc}, nil
}

type weatherAPIResponse struct {
	Location struct {
		Name    string `json:"name"`
		Country string `json:"country"`
	} `json:"location"`
	Current struct {
		TempC     float64 `json:"temp_c"`
		Condition struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
	Forecast struct {
		ForecastDay []weatherAPIDay `json:"forecastday"`
	} `json:"forecast"`
}

type weatherAPIDay struct {
	Date      string `json:"date"`
	DateEpoch int64  `json:"date_epoch"`
	Hour      []struct {
		TimeEpoch    int64    `json:"time_epoch"`
		TempC        float64  `json:"temp_c"`
		ChanceOfRain *float64 `json:"chance_of_rain"`
		Condition    struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"hour"`
}

func (c *WeatherAPIClient) Provider() string { return ProviderWeatherAPI }

func (c *WeatherAPIClient) MaxDays() int { return weatherAPIMaxDays }

// GetForecast requests days of hourly forecast for location.
func (c *WeatherAPIClient) GetForecast(ctx context.Context, location string, days int) (models.Forecast, error) {
	var resp weatherAPIResponse
	if err := c.t.getJSON(ctx, c.params(location, days), &resp); err != nil {
		return models.Forecast{}, err
	}
	return c.mapResponse(resp)
}

func (c *WeatherAPIClient) ValidateAPIKey(ctx context.Context) error {
	return c.t.validate(ctx, c.params("London", 1))
}

func (c *WeatherAPIClient) params(location string, days int) url.Values {
	params := url.Values{}
	params.Set("key", c.t.apiKey)
	params.Set("q", location)
	params.Set("days", strconv.Itoa(days))
	params.Set("aqi", "no")
	params.Set("alerts", "no")
	return params
}

func (c *WeatherAPIClient) mapResponse(resp weatherAPIResponse) (models.Forecast, error) {
	buckets := make([]forecast.Bucket, 0, len(resp.Forecast.ForecastDay))
	for _, day := range resp.Forecast.ForecastDay {
		date, err := day.date()
		if err != nil {
			return models.Forecast{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		b := forecast.Bucket{Date: date, Entries: make([]forecast.Entry, 0, len(day.Hour))}
		for _, h := range day.Hour {
			chance := 0.0
			if h.ChanceOfRain != nil {
				chance = *h.ChanceOfRain
			}
			b.Entries = append(b.Entries, forecast.Entry{
				Time:         time.Unix(h.TimeEpoch, 0).In(c.loc),
				TempC:        h.TempC,
				PrecipChance: chance,
				Condition:    h.Condition.Text,
			})
		}
		buckets = append(buckets, b)
	}

	return models.Forecast{
		Provider: ProviderWeatherAPI,
		Location: models.Location{
			Name:    resp.Location.Name,
			Country: resp.Location.Country,
		},
		Current: models.Current{
			TempC:     resp.Current.TempC,
			Condition: resp.Current.Condition.Text,
		},
		Buckets:   buckets,
		FetchedAt: time.Now(),
	}, nil
}

// date is the bucket's own calendar date. date_epoch is midnight UTC of that date, so its
// UTC components are used when the text field is missing.
func (d weatherAPIDay) date() (forecast.Date, error) {
	if d.Date != "" {
		return forecast.ParseDate(d.Date)
	}
	if d.DateEpoch != 0 {
		return forecast.DateOf(time.Unix(d.DateEpoch, 0).UTC()), nil
	}
	return forecast.Date{}, fmt.Errorf("forecast day without date")
}
