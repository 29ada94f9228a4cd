package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/weathergrid/weathergrid/internal/grid"
	"github.com/weathergrid/weathergrid/internal/store"
	"github.com/weathergrid/weathergrid/internal/weather"
)

// stubStore serves a single grid point with one recorded slice.
type stubStore struct {
	point weather.Observation
}

func (s *stubStore) NearestGridPoint(context.Context, float64, float64) (grid.Point, error) {
	return grid.Point{ID: 1, Latitude: 40, Longitude: -80, Region: "northeast"}, nil
}

func (s *stubStore) GridPoint(_ context.Context, id int64) (grid.Point, error) {
	if id != 1 {
		return grid.Point{}, store.ErrNotFound
	}
	return grid.Point{ID: 1, Latitude: 40, Longitude: -80, Region: "northeast"}, nil
}

func (s *stubStore) GridPoints(context.Context) ([]grid.Point, error) {
	return []grid.Point{{ID: 1, Latitude: 40, Longitude: -80, Region: "northeast"}}, nil
}

func (s *stubStore) ObservationsAt(context.Context, int64, string) ([]weather.Observation, error) {
	return []weather.Observation{s.point}, nil
}

func (s *stubStore) TimeSlices(context.Context, int64, string, string) ([]string, error) {
	return []string{"2026-08-25T10"}, nil
}

func (s *stubStore) LatestTimeSlice(context.Context, int64) (string, error) {
	return "2026-08-25T10", nil
}

type stubAggregator struct{}

func (stubAggregator) Aggregate(_ context.Context, id int64, slice string) (weather.CanonicalRecord, error) {
	return weather.CanonicalRecord{
		GridPointID: id,
		TimeSlice:   slice,
		Values:      map[string]float64{"m_temperature_2m": 20},
		Sources:     []string{"openmeteo"},
		SourceCount: 1,
	}, nil
}

func newTestApp() *fiber.App {
	app := fiber.New()
	svc := weather.NewService(&stubStore{}, stubAggregator{})
	RegisterRoutes(app, svc)
	return app
}

// TestCurrentCoordinateValidation verifies the lat/lon query contract.
func TestCurrentCoordinateValidation(t *testing.T) {
	app := newTestApp()

	// Missing coordinates should return 400.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/weather/current", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}

	// Out-of-range latitude should also return 400.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/weather/current?lat=123&lon=10", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}

	// Valid coordinates succeed.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/weather/current?lat=40.1&lon=-79.9", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
}

// TestPointRoutes verifies the per-point endpoints and 404 mapping.
func TestPointRoutes(t *testing.T) {
	app := newTestApp()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/points/1/weather", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	// Unknown point maps to 404, not 500.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/points/99/weather", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.StatusCode)
	}

	// Bad id is a 400.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/points/abc/weather", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}

	// History requires both window bounds.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/points/1/weather?from=2026-08-25T00:00:00Z", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet,
		"/api/v1/points/1/weather?from=2026-08-25T00:00:00Z&to=2026-08-25T23:00:00Z", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
}

// TestRawAndStatsRoutes covers the diagnostics endpoints.
func TestRawAndStatsRoutes(t *testing.T) {
	app := newTestApp()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/points/1/raw", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/grid/stats", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
}
