package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/weathergrid/weathergrid/internal/weather"
)

// WeatherAPIProvider implements weather.Provider against WeatherAPI.com's
// bulk endpoint: one POST carries every coordinate of the batch, tagged with
// a custom_id so responses can be matched back positionally.
type WeatherAPIProvider struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewWeatherAPIProvider(client *http.Client, apiKey string) *WeatherAPIProvider {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weatherapi",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &WeatherAPIProvider{
		name:    "weatherapi",
		apiKey:  apiKey,
		baseURL: "https://api.weatherapi.com/v1/current.json",
		httpCfg: HTTPClientConfig{
			Client: client,
			Backoff: BackoffConfig{
				MaxRetries:      3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		circuit: cb,
	}
}

func (p *WeatherAPIProvider) Name() string {
	return p.name
}

type weatherAPICurrent struct {
	TempC      float64 `json:"temp_c"`
	Humidity   float64 `json:"humidity"`
	WindKph    float64 `json:"wind_kph"`
	PressureMb float64 `json:"pressure_mb"`
	PrecipMm   float64 `json:"precip_mm"`
}

type weatherAPIBulkResponse struct {
	Bulk []struct {
		Query struct {
			CustomID string            `json:"custom_id"`
			Current  weatherAPICurrent `json:"current"`
		} `json:"query"`
	} `json:"bulk"`
}

// FetchBatch posts the whole batch to the bulk endpoint and translates
// WeatherAPI's native field names into the requested measurement codes.
// Fields the upstream does not carry are omitted, not zeroed.
func (p *WeatherAPIProvider) FetchBatch(ctx context.Context, coords []weather.Coordinate, fields []weather.MeasurementCode) ([]weather.FieldMap, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("weatherapi api key is not configured")
	}
	if len(coords) == 0 {
		return nil, fmt.Errorf("weatherapi: empty coordinate batch")
	}

	buildRequest := func() (*http.Request, error) {
		type bulkLocation struct {
			Q        string `json:"q"`
			CustomID string `json:"custom_id"`
		}
		payload := struct {
			Locations []bulkLocation `json:"locations"`
		}{}
		for i, c := range coords {
			payload.Locations = append(payload.Locations, bulkLocation{
				Q:        fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon),
				CustomID: strconv.Itoa(i),
			})
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		values := url.Values{}
		values.Set("key", p.apiKey)
		values.Set("q", "bulk")

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload weatherAPIBulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("weatherapi: decode response: %w", err)
	}
	if len(payload.Bulk) != len(coords) {
		return nil, fmt.Errorf("weatherapi: got %d entries for %d coordinates", len(payload.Bulk), len(coords))
	}

	results := make([]weather.FieldMap, len(coords))
	for _, entry := range payload.Bulk {
		idx, err := strconv.Atoi(entry.Query.CustomID)
		if err != nil || idx < 0 || idx >= len(coords) {
			return nil, fmt.Errorf("weatherapi: unexpected custom_id %q", entry.Query.CustomID)
		}
		results[idx] = translateWeatherAPIFields(entry.Query.Current, fields)
	}
	for i, r := range results {
		if r == nil {
			return nil, fmt.Errorf("weatherapi: no entry for coordinate %d", i)
		}
	}
	return results, nil
}

// translateWeatherAPIFields maps the upstream's fixed current-conditions
// struct onto the generic measurement codes the collector requested.
func translateWeatherAPIFields(cur weatherAPICurrent, fields []weather.MeasurementCode) weather.FieldMap {
	fm := make(weather.FieldMap)
	for _, f := range fields {
		switch f {
		case "temperature_2m":
			fm[f] = cur.TempC
		case "relative_humidity_2m":
			fm[f] = cur.Humidity
		case "wind_speed_10m":
			// kph to m/s
			fm[f] = cur.WindKph / 3.6
		case "surface_pressure":
			fm[f] = cur.PressureMb
		case "precipitation":
			fm[f] = cur.PrecipMm
		}
	}
	return fm
}
