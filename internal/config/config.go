package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/weathergrid/weathergrid/internal/collector"
	"github.com/weathergrid/weathergrid/internal/grid"
	"github.com/weathergrid/weathergrid/internal/weather"
)

var validate = validator.New()

// AppConfig is the full configuration surface, loaded from the environment.
type AppConfig struct {
	WeatherAPIKey string

	// Bounding region and named sub-regions for grid generation.
	Region     grid.BoundingBox
	SubRegions []grid.SubRegion

	// SpacingKm is the lattice spacing; TargetPoints, when positive,
	// overrides it with a solved spacing.
	SpacingKm    float64 `validate:"gt=0"`
	TargetPoints int     `validate:"gte=0"`

	// RegenerateGrid forces a full grid replace at startup even when a
	// grid is already persisted.
	RegenerateGrid bool

	// Collection parameters.
	BatchSize      int                     `validate:"gt=0"`
	RateDelay      time.Duration           `validate:"gte=0"`
	RateLimitWait  time.Duration           `validate:"gt=0"`
	RetryCeiling   int                     `validate:"gte=0"`
	Backoff        collector.BackoffPolicy `validate:"oneof=fixed exponential"`
	RequestTimeout time.Duration           `validate:"gt=0"`

	// Fields requested from every provider each cycle.
	Fields []weather.MeasurementCode

	// Precedence lists provider names highest priority first; it drives
	// field selection during aggregation.
	Precedence []string

	// CollectInterval controls how often a full collection cycle runs.
	CollectInterval time.Duration `validate:"gt=0"`

	HTTPTimeout time.Duration
	DBPath      string
	Port        string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := &AppConfig{}

	cfg.WeatherAPIKey = os.Getenv("WEATHERAPI_API_KEY")

	region, err := loadRegion()
	if err != nil {
		return nil, err
	}
	cfg.Region = region
	cfg.SubRegions = quadrantSubRegions(region)

	cfg.SpacingKm = getenvFloat("GRID_SPACING_KM", 50)
	cfg.TargetPoints = getenvInt("GRID_TARGET_POINTS", 0)
	cfg.RegenerateGrid = getenvDefault("GRID_REGENERATE", "false") == "true"

	cfg.BatchSize = getenvInt("BATCH_SIZE", 100)
	cfg.RetryCeiling = getenvInt("RETRY_CEILING", 3)
	cfg.Backoff = collector.BackoffPolicy(getenvDefault("RATE_BACKOFF_POLICY", "fixed"))

	if cfg.RateDelay, err = getenvDuration("RATE_LIMIT_DELAY", "1s"); err != nil {
		return nil, err
	}
	if cfg.RateLimitWait, err = getenvDuration("RATE_LIMIT_WAIT", "5s"); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getenvDuration("REQUEST_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if cfg.CollectInterval, err = getenvDuration("COLLECT_INTERVAL", "15m"); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "30s"); err != nil {
		return nil, err
	}

	cfg.Fields = loadFields()
	cfg.Precedence = strings.Split(getenvDefault("PROVIDER_PRECEDENCE", "openmeteo,weatherapi"), ",")

	cfg.DBPath = getenvDefault("DB_PATH", "weathergrid.db")
	cfg.Port = getenvDefault("PORT", "8080")

	if err := cfg.Region.Validate(); err != nil {
		return nil, fmt.Errorf("invalid region: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadRegion reads the bounding region, defaulting to the contiguous US.
func loadRegion() (grid.BoundingBox, error) {
	box := grid.BoundingBox{
		MinLat: getenvFloat("REGION_MIN_LAT", 24.5),
		MaxLat: getenvFloat("REGION_MAX_LAT", 49.0),
		MinLon: getenvFloat("REGION_MIN_LON", -125.0),
		MaxLon: getenvFloat("REGION_MAX_LON", -66.9),
	}
	return box, nil
}

// quadrantSubRegions builds the fixed, ordered sub-region table by splitting
// the bounding region into labeled quadrants. First match wins during
// labeling, so the order here is the priority order.
func quadrantSubRegions(region grid.BoundingBox) []grid.SubRegion {
	midLat := (region.MinLat + region.MaxLat) / 2
	midLon := (region.MinLon + region.MaxLon) / 2
	return []grid.SubRegion{
		{Name: "northwest", Box: grid.BoundingBox{MinLat: midLat, MaxLat: region.MaxLat, MinLon: region.MinLon, MaxLon: midLon}},
		{Name: "northeast", Box: grid.BoundingBox{MinLat: midLat, MaxLat: region.MaxLat, MinLon: midLon, MaxLon: region.MaxLon}},
		{Name: "southwest", Box: grid.BoundingBox{MinLat: region.MinLat, MaxLat: midLat, MinLon: region.MinLon, MaxLon: midLon}},
		{Name: "southeast", Box: grid.BoundingBox{MinLat: region.MinLat, MaxLat: midLat, MinLon: midLon, MaxLon: region.MaxLon}},
	}
}

func loadFields() []weather.MeasurementCode {
	raw := getenvDefault("MEASUREMENT_FIELDS",
		"temperature_2m,relative_humidity_2m,wind_speed_10m,surface_pressure,precipitation")
	var fields []weather.MeasurementCode
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			fields = append(fields, weather.MeasurementCode(f))
		}
	}
	return fields
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
