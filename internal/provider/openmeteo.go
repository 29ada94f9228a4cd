package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/weathergrid/weathergrid/internal/weather"
)

// OpenMeteoProvider implements weather.Provider against Open-Meteo, which
// natively supports multi-coordinate batch requests (comma-separated
// latitude/longitude lists, one response element per coordinate).
type OpenMeteoProvider struct {
	name    string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewOpenMeteoProvider(client *http.Client) *OpenMeteoProvider {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openmeteo",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &OpenMeteoProvider{
		name:    "openmeteo",
		baseURL: "https://api.open-meteo.com/v1/forecast",
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

func (p *OpenMeteoProvider) Name() string {
	return p.name
}

// FetchBatch requests the current values for every coordinate in one round
// trip. Open-Meteo's current-weather parameter names double as our
// measurement codes, so requested fields pass through unchanged.
func (p *OpenMeteoProvider) FetchBatch(ctx context.Context, coords []weather.Coordinate, fields []weather.MeasurementCode) ([]weather.FieldMap, error) {
	if len(coords) == 0 {
		return nil, fmt.Errorf("openmeteo: empty coordinate batch")
	}

	buildRequest := func() (*http.Request, error) {
		lats := make([]string, len(coords))
		lons := make([]string, len(coords))
		for i, c := range coords {
			lats[i] = fmt.Sprintf("%.4f", c.Lat)
			lons[i] = fmt.Sprintf("%.4f", c.Lon)
		}

		params := make([]string, len(fields))
		for i, f := range fields {
			params[i] = string(f)
		}

		values := url.Values{}
		values.Set("latitude", strings.Join(lats, ","))
		values.Set("longitude", strings.Join(lons, ","))
		values.Set("current", strings.Join(params, ","))

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	entries, err := decodeOpenMeteoBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openmeteo: decode response: %w", err)
	}
	if len(entries) != len(coords) {
		return nil, fmt.Errorf("openmeteo: got %d entries for %d coordinates", len(entries), len(coords))
	}

	results := make([]weather.FieldMap, len(entries))
	for i, e := range entries {
		fm := make(weather.FieldMap)
		for _, f := range fields {
			if v, ok := e.Current[string(f)]; ok {
				if num, ok := v.(float64); ok {
					fm[f] = num
				}
			}
		}
		results[i] = fm
	}
	return results, nil
}

type openMeteoEntry struct {
	Current map[string]any `json:"current"`
}

// decodeOpenMeteoBody handles Open-Meteo's response shape: an object for a
// single coordinate, an array for several.
func decodeOpenMeteoBody(body io.Reader) ([]openMeteoEntry, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, err
	}

	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		var entries []openMeteoEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	var single openMeteoEntry
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []openMeteoEntry{single}, nil
}
