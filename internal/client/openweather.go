package client

import (
	"context"
	"net/url"
	"time"

	"github.com/kjstillabower/forecast-viewer/internal/forecast"
	"github.com/kjstillabower/forecast-viewer/internal/models"
)

const (
	openWeatherDefaultURL = "https://api.openweathermap.org/data/2.5/forecast"
	openWeatherMaxDays    = 5
)

// OpenWeatherClient fetches the OpenWeatherMap 5 day / 3 hour forecast, a flat list of
// timestamped entries that is grouped by local calendar date here.
type OpenWeatherClient struct {
	t   *transport
	loc *time.Location
}

var _ ForecastClient = (*OpenWeatherClient)(nil)

func NewOpenWeatherClient(opts Options) (*OpenWeatherClient, error) {
	t, err := newTransport(ProviderOpenWeatherMap, openWeatherDefaultURL, opts)
	if err != nil {
		return nil, err
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &OpenWeatherClient{t: t, loc: loc}, nil
}

type openWeatherResponse struct {
	City struct {
		Name    string `json:"name"`
		Country string `json:"country"`
	} `json:"city"`
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Weather []struct {
			Main        string `json:"main"`
			Description string `json:"description"`
		} `json:"weather"`
		Pop *float64 `json:"pop"` // probability of precipitation, 0..1
	} `json:"list"`
}

func (c *OpenWeatherClient) Provider() string { return ProviderOpenWeatherMap }

func (c *OpenWeatherClient) MaxDays() int { return openWeatherMaxDays }

// GetForecast fetches the full 5 day list; the endpoint has no day parameter, so days
// only matters to the caller's selection.
func (c *OpenWeatherClient) GetForecast(ctx context.Context, location string, days int) (models.Forecast, error) {
	var resp openWeatherResponse
	if err := c.t.getJSON(ctx, c.params(location), &resp); err != nil {
		return models.Forecast{}, err
	}
	return c.mapResponse(resp, location), nil
}

func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	return c.t.validate(ctx, c.params("London"))
}

func (c *OpenWeatherClient) params(location string) url.Values {
	params := url.Values{}
	params.Set("q", location)
	params.Set("appid", c.t.apiKey)
	params.Set("units", "metric")
	return params
}

func (c *OpenWeatherClient) mapResponse(resp openWeatherResponse, location string) models.Forecast {
	entries := make([]forecast.Entry, 0, len(resp.List))
	for _, item := range resp.List {
		conditions := ""
		if len(item.Weather) > 0 {
			conditions = item.Weather[0].Main
			if item.Weather[0].Description != "" {
				conditions = item.Weather[0].Description
			}
		}
		chance := 0.0
		if item.Pop != nil {
			chance = *item.Pop * 100
		}
		entries = append(entries, forecast.Entry{
			Time:         time.Unix(item.Dt, 0).In(c.loc),
			TempC:        item.Main.Temp,
			PrecipChance: chance,
			Condition:    conditions,
		})
	}

	displayName := resp.City.Name
	if displayName == "" {
		displayName = location
	}

	// The forecast endpoint has no current block; the first slot is the closest reading.
	var current models.Current
	if len(entries) > 0 {
		current = models.Current{TempC: entries[0].TempC, Condition: entries[0].Condition}
	}

	return models.Forecast{
		Provider:  ProviderOpenWeatherMap,
		Location:  models.Location{Name: displayName, Country: resp.City.Country},
		Current:   current,
		Buckets:   forecast.GroupByDate(entries, c.loc),
		FetchedAt: time.Now(),
	}
}
