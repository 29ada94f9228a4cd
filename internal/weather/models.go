package weather

import (
	"time"
)

// MeasurementCode is an upstream-defined identifier for a physical quantity
// (e.g. "temperature_2m", "precip_mm"). Codes are opaque: providers may emit
// codes we have never seen before and the schema layer maps them to storage
// columns on demand.
type MeasurementCode string

// FieldMap holds one provider's reported values for a single point, keyed by
// measurement code. Quantities the provider did not report are simply absent.
type FieldMap map[MeasurementCode]float64

// Coordinate is a bare lat/lon pair used in batched provider requests.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Observation is one provider's stored report for one grid point in one time
// slice. Values are keyed by storage column name (the schema manager owns the
// code -> column mapping). Observations are immutable once written; a later
// report for the same (point, provider, slice) key supersedes the row via
// upsert.
type Observation struct {
	GridPointID int64              `json:"grid_point_id"`
	Provider    string             `json:"provider"`
	TimeSlice   string             `json:"time_slice"`
	ObservedAt  time.Time          `json:"observed_at"`
	Values      map[string]float64 `json:"values"`
}

// CanonicalRecord is the merged per-point-per-slice view exposed to readers.
// It is always recomputed from the current observations, never stored.
// Quantities no provider reported are absent from Values, not zero.
type CanonicalRecord struct {
	GridPointID int64              `json:"grid_point_id"`
	TimeSlice   string             `json:"time_slice"`
	Values      map[string]float64 `json:"values"`
	Sources     []string           `json:"sources"`
	SourceCount int                `json:"source_count"`
}

// TimeSliceFor buckets a timestamp into the hourly collection slice key.
func TimeSliceFor(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}
