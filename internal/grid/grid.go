package grid

import (
	"context"
	"fmt"
	"math"
)

// kmPerDegree is the flat-earth approximation used to convert a spacing in
// kilometres into lat/lon degree steps (1 degree ~= 111 km).
const kmPerDegree = 111.0

// UnknownRegion is the sentinel label for points outside every named sub-region.
const UnknownRegion = "unknown"

// BoundingBox is a rectangular lat/lon region, bounds inclusive.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains reports whether the coordinate lies inside the box (inclusive).
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Validate checks the box for sane coordinate ranges and ordering.
func (b BoundingBox) Validate() error {
	if b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]")
	}
	if b.MinLon < -180 || b.MaxLon > 180 {
		return fmt.Errorf("longitude out of range [-180, 180]")
	}
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		return fmt.Errorf("min bounds must be strictly below max bounds")
	}
	return nil
}

// SubRegion is a named rectangle inside the bounding region. Sub-regions are
// checked in configuration order; the first match labels the point.
type SubRegion struct {
	Name string
	Box  BoundingBox
}

// Point is one sampled grid coordinate. Points are immutable after
// generation; parameter changes regenerate the whole grid.
type Point struct {
	ID        int64   `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Region    string  `json:"region"`
}

// Store is the persistence surface the grid index needs. ReplaceGridPoints
// must be a full replace (delete everything that hangs off the grid, then
// bulk insert) in one transaction.
type Store interface {
	ReplaceGridPoints(ctx context.Context, points []Point) error
	GridPoints(ctx context.Context) ([]Point, error)
}

// Index generates and persists the point grid for a bounding region.
type Index struct {
	region     BoundingBox
	subRegions []SubRegion
	store      Store
}

// NewIndex creates a grid index over the given region. subRegions may be nil;
// every point is then labeled with UnknownRegion.
func NewIndex(region BoundingBox, subRegions []SubRegion, store Store) (*Index, error) {
	if err := region.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bounding region: %w", err)
	}
	return &Index{
		region:     region,
		subRegions: subRegions,
		store:      store,
	}, nil
}

// Region returns the configured bounding region.
func (ix *Index) Region() BoundingBox {
	return ix.region
}

// GenerateFixedSpacing produces the lattice of points at the given spacing.
// Latitude and longitude are stepped independently by spacingKm/111 degrees
// from the region minimum to maximum, bounds inclusive. The sequence is
// deterministic: identical inputs always yield the identical ordered result.
func (ix *Index) GenerateFixedSpacing(spacingKm float64) ([]Point, error) {
	if spacingKm <= 0 {
		return nil, fmt.Errorf("spacing must be positive, got %f", spacingKm)
	}

	step := spacingKm / kmPerDegree

	// A small epsilon keeps the max bound inclusive despite float stepping.
	eps := step * 1e-9

	var points []Point
	var id int64 = 1
	for lat := ix.region.MinLat; lat <= ix.region.MaxLat+eps; lat += step {
		for lon := ix.region.MinLon; lon <= ix.region.MaxLon+eps; lon += step {
			points = append(points, Point{
				ID:        id,
				Latitude:  lat,
				Longitude: lon,
				Region:    ix.labelFor(lat, lon),
			})
			id++
		}
	}
	return points, nil
}

// GenerateTargetCount solves for a spacing that yields approximately the
// requested number of lattice points, then generates at that spacing. It
// returns the generated points and the spacing the search settled on.
func (ix *Index) GenerateTargetCount(target int) ([]Point, float64, error) {
	if target < 1 {
		return nil, 0, fmt.Errorf("target point count must be at least 1, got %d", target)
	}

	latSpanKm := (ix.region.MaxLat - ix.region.MinLat) * kmPerDegree
	lonSpanKm := (ix.region.MaxLon - ix.region.MinLon) * kmPerDegree

	// Point count is monotonically non-increasing in spacing, so binary
	// search converges on the spacing whose lattice is closest to target.
	lo := 0.001
	hi := math.Max(latSpanKm, lonSpanKm)
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if ix.countAtSpacing(mid) > target {
			lo = mid
		} else {
			hi = mid
		}
	}

	// The search straddles target; pick the closer of the two candidates.
	spacing := hi
	if diffLo, diffHi := absDiff(ix.countAtSpacing(lo), target), absDiff(ix.countAtSpacing(hi), target); diffLo < diffHi {
		spacing = lo
	}

	points, err := ix.GenerateFixedSpacing(spacing)
	if err != nil {
		return nil, 0, err
	}
	return points, spacing, nil
}

// countAtSpacing computes the lattice size for a spacing without generating.
func (ix *Index) countAtSpacing(spacingKm float64) int {
	step := spacingKm / kmPerDegree
	eps := step * 1e-9
	rows := int(math.Floor((ix.region.MaxLat-ix.region.MinLat+eps)/step)) + 1
	cols := int(math.Floor((ix.region.MaxLon-ix.region.MinLon+eps)/step)) + 1
	return rows * cols
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// labelFor returns the first matching sub-region name, in configuration
// order, or UnknownRegion.
func (ix *Index) labelFor(lat, lon float64) string {
	for _, sr := range ix.subRegions {
		if sr.Box.Contains(lat, lon) {
			return sr.Name
		}
	}
	return UnknownRegion
}

// Populate performs the full-replace persistence of a generated grid. The
// store runs it as one transaction, so a mid-way failure leaves the previous
// grid intact and is reported; callers must not start collection until a
// Populate succeeds.
func (ix *Index) Populate(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return fmt.Errorf("refusing to populate an empty grid")
	}
	if err := ix.store.ReplaceGridPoints(ctx, points); err != nil {
		return fmt.Errorf("grid populate failed: %w", err)
	}
	return nil
}

// Points lists the persisted grid in generation order.
func (ix *Index) Points(ctx context.Context) ([]Point, error) {
	return ix.store.GridPoints(ctx)
}

// CountByRegion returns the number of persisted points per region label.
func (ix *Index) CountByRegion(ctx context.Context) (map[string]int, error) {
	points, err := ix.store.GridPoints(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, p := range points {
		counts[p.Region]++
	}
	return counts, nil
}
