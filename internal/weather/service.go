package weather

import (
	"context"
	"fmt"
	"time"

	"github.com/weathergrid/weathergrid/internal/grid"
)

// Aggregator builds the canonical merged record for one (point, slice) key.
// Implemented by internal/aggregate.
type Aggregator interface {
	Aggregate(ctx context.Context, gridPointID int64, timeSlice string) (CanonicalRecord, error)
}

// ReadStore is the query surface the read API needs.
type ReadStore interface {
	NearestGridPoint(ctx context.Context, lat, lon float64) (grid.Point, error)
	GridPoint(ctx context.Context, id int64) (grid.Point, error)
	GridPoints(ctx context.Context) ([]grid.Point, error)
	ObservationsAt(ctx context.Context, gridPointID int64, timeSlice string) ([]Observation, error)
	TimeSlices(ctx context.Context, gridPointID int64, from, to string) ([]string, error)
	LatestTimeSlice(ctx context.Context, gridPointID int64) (string, error)
}

// Service exposes the aggregated and diagnostic read paths consumed by the
// HTTP layer.
type Service struct {
	store ReadStore
	agg   Aggregator
}

// NewService creates a read service.
func NewService(store ReadStore, agg Aggregator) *Service {
	return &Service{store: store, agg: agg}
}

// CurrentAt snaps a coordinate to the nearest grid point and returns its
// latest canonical record.
func (s *Service) CurrentAt(ctx context.Context, lat, lon float64) (grid.Point, CanonicalRecord, error) {
	point, err := s.store.NearestGridPoint(ctx, lat, lon)
	if err != nil {
		return grid.Point{}, CanonicalRecord{}, fmt.Errorf("nearest grid point: %w", err)
	}
	record, err := s.latestRecord(ctx, point.ID)
	if err != nil {
		return grid.Point{}, CanonicalRecord{}, err
	}
	return point, record, nil
}

// PointWeather returns the latest canonical record for a grid point.
func (s *Service) PointWeather(ctx context.Context, gridPointID int64) (CanonicalRecord, error) {
	if _, err := s.store.GridPoint(ctx, gridPointID); err != nil {
		return CanonicalRecord{}, err
	}
	return s.latestRecord(ctx, gridPointID)
}

// PointHistory aggregates every recorded slice for a point inside the window.
func (s *Service) PointHistory(ctx context.Context, gridPointID int64, from, to time.Time) ([]CanonicalRecord, error) {
	if _, err := s.store.GridPoint(ctx, gridPointID); err != nil {
		return nil, err
	}
	slices, err := s.store.TimeSlices(ctx, gridPointID, TimeSliceFor(from), TimeSliceFor(to))
	if err != nil {
		return nil, err
	}

	records := make([]CanonicalRecord, 0, len(slices))
	for _, slice := range slices {
		record, err := s.agg.Aggregate(ctx, gridPointID, slice)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// RawBreakdown returns the per-provider rows behind a point's record, for
// diagnostics. An empty slice selects the latest recorded one.
func (s *Service) RawBreakdown(ctx context.Context, gridPointID int64, timeSlice string) ([]Observation, error) {
	if _, err := s.store.GridPoint(ctx, gridPointID); err != nil {
		return nil, err
	}
	if timeSlice == "" {
		latest, err := s.store.LatestTimeSlice(ctx, gridPointID)
		if err != nil {
			return nil, err
		}
		timeSlice = latest
	}
	return s.store.ObservationsAt(ctx, gridPointID, timeSlice)
}

// GridStats summarizes grid coverage: point counts per region plus lattice
// spacing statistics.
type GridStats struct {
	PointCount     int               `json:"point_count"`
	CountsByRegion map[string]int    `json:"counts_by_region"`
	Spacing        grid.SpacingStats `json:"spacing"`
}

// Stats computes coverage statistics from the persisted grid.
func (s *Service) Stats(ctx context.Context) (GridStats, error) {
	points, err := s.store.GridPoints(ctx)
	if err != nil {
		return GridStats{}, err
	}

	counts := make(map[string]int)
	for _, p := range points {
		counts[p.Region]++
	}
	return GridStats{
		PointCount:     len(points),
		CountsByRegion: counts,
		Spacing:        grid.ComputeSpacingStats(points),
	}, nil
}

func (s *Service) latestRecord(ctx context.Context, gridPointID int64) (CanonicalRecord, error) {
	slice, err := s.store.LatestTimeSlice(ctx, gridPointID)
	if err != nil {
		return CanonicalRecord{}, err
	}
	return s.agg.Aggregate(ctx, gridPointID, slice)
}
