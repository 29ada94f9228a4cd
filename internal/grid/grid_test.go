package grid

import (
	"context"
	"math"
	"testing"
)

// fakeStore records the last replace and serves it back.
type fakeStore struct {
	points []Point
}

func (f *fakeStore) ReplaceGridPoints(_ context.Context, points []Point) error {
	f.points = append([]Point(nil), points...)
	return nil
}

func (f *fakeStore) GridPoints(_ context.Context) ([]Point, error) {
	return f.points, nil
}

func quadrantRegions(box BoundingBox) []SubRegion {
	midLat := (box.MinLat + box.MaxLat) / 2
	midLon := (box.MinLon + box.MaxLon) / 2
	return []SubRegion{
		{Name: "northwest", Box: BoundingBox{MinLat: midLat, MaxLat: box.MaxLat, MinLon: box.MinLon, MaxLon: midLon}},
		{Name: "northeast", Box: BoundingBox{MinLat: midLat, MaxLat: box.MaxLat, MinLon: midLon, MaxLon: box.MaxLon}},
		{Name: "southwest", Box: BoundingBox{MinLat: box.MinLat, MaxLat: midLat, MinLon: box.MinLon, MaxLon: midLon}},
		{Name: "southeast", Box: BoundingBox{MinLat: box.MinLat, MaxLat: midLat, MinLon: midLon, MaxLon: box.MaxLon}},
	}
}

func TestGenerateFixedSpacingBoundsAndDeterminism(t *testing.T) {
	region := BoundingBox{MinLat: 40, MaxLat: 45, MinLon: -80, MaxLon: -70}
	ix, err := NewIndex(region, nil, &fakeStore{})
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}

	first, err := ix.GenerateFixedSpacing(75)
	if err != nil {
		t.Fatalf("GenerateFixedSpacing failed: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected at least one point")
	}

	for _, p := range first {
		if !region.Contains(p.Latitude, p.Longitude) {
			t.Fatalf("point %d (%f, %f) outside bounding region", p.ID, p.Latitude, p.Longitude)
		}
		if p.Region != UnknownRegion {
			t.Fatalf("expected sentinel region without sub-regions, got %q", p.Region)
		}
	}

	second, err := ix.GenerateFixedSpacing(75)
	if err != nil {
		t.Fatalf("second GenerateFixedSpacing failed: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("regeneration changed count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("regeneration changed point %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestGenerateThreeByThreeQuadrants(t *testing.T) {
	// A 2x2 degree box stepped by 1 degree (111 km) yields a 3x3 lattice.
	region := BoundingBox{MinLat: 10, MaxLat: 12, MinLon: 20, MaxLon: 22}
	ix, err := NewIndex(region, quadrantRegions(region), &fakeStore{})
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}

	points, err := ix.GenerateFixedSpacing(111)
	if err != nil {
		t.Fatalf("GenerateFixedSpacing failed: %v", err)
	}
	if len(points) != 9 {
		t.Fatalf("expected 9 lattice points, got %d", len(points))
	}

	// Quadrant table order is the priority order: points on the midlines
	// land in the first matching quadrant.
	want := []string{
		"southwest", "southwest", "southeast",
		"northwest", "northwest", "northeast",
		"northwest", "northwest", "northeast",
	}
	for i, p := range points {
		if p.Region != want[i] {
			t.Errorf("point %d (%f, %f): got region %q, want %q",
				i, p.Latitude, p.Longitude, p.Region, want[i])
		}
	}
}

func TestGenerateTargetCount(t *testing.T) {
	region := BoundingBox{MinLat: 30, MaxLat: 40, MinLon: -100, MaxLon: -80}
	ix, err := NewIndex(region, nil, &fakeStore{})
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}

	target := 100
	points, spacing, err := ix.GenerateTargetCount(target)
	if err != nil {
		t.Fatalf("GenerateTargetCount failed: %v", err)
	}
	if spacing <= 0 {
		t.Fatalf("expected positive solved spacing, got %f", spacing)
	}

	// The lattice is quantized, so allow a generous band around the target.
	if len(points) < target/2 || len(points) > target*2 {
		t.Fatalf("got %d points for target %d (spacing %f)", len(points), target, spacing)
	}
}

func TestGenerateRejectsBadInputs(t *testing.T) {
	ix, err := NewIndex(BoundingBox{MinLat: 0, MaxLat: 1, MinLon: 0, MaxLon: 1}, nil, &fakeStore{})
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	if _, err := ix.GenerateFixedSpacing(0); err == nil {
		t.Error("expected error for zero spacing")
	}
	if _, _, err := ix.GenerateTargetCount(0); err == nil {
		t.Error("expected error for zero target")
	}
	if _, err := NewIndex(BoundingBox{MinLat: 5, MaxLat: 1, MinLon: 0, MaxLon: 1}, nil, &fakeStore{}); err == nil {
		t.Error("expected error for inverted region")
	}
}

func TestPopulateAndAccessors(t *testing.T) {
	region := BoundingBox{MinLat: 10, MaxLat: 12, MinLon: 20, MaxLon: 22}
	fs := &fakeStore{}
	ix, err := NewIndex(region, quadrantRegions(region), fs)
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}

	points, err := ix.GenerateFixedSpacing(111)
	if err != nil {
		t.Fatalf("GenerateFixedSpacing failed: %v", err)
	}
	if err := ix.Populate(context.Background(), points); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if err := ix.Populate(context.Background(), nil); err == nil {
		t.Fatal("expected error populating empty grid")
	}

	counts, err := ix.CountByRegion(context.Background())
	if err != nil {
		t.Fatalf("CountByRegion failed: %v", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 9 {
		t.Fatalf("region counts sum to %d, want 9", total)
	}
}

func TestComputeSpacingStats(t *testing.T) {
	region := BoundingBox{MinLat: 10, MaxLat: 12, MinLon: 20, MaxLon: 22}
	ix, err := NewIndex(region, nil, &fakeStore{})
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	points, err := ix.GenerateFixedSpacing(111)
	if err != nil {
		t.Fatalf("GenerateFixedSpacing failed: %v", err)
	}

	stats := ComputeSpacingStats(points)
	if stats.PointCount != 9 {
		t.Fatalf("PointCount = %d, want 9", stats.PointCount)
	}
	// Column spacing is a pure latitude step: ~111 km per degree.
	if math.Abs(stats.AvgColKm-111) > 2 {
		t.Errorf("AvgColKm = %f, want ~111", stats.AvgColKm)
	}
	// Row spacing shrinks with cos(latitude); at ~11 degrees it is ~109 km.
	if stats.AvgRowKm <= 0 || stats.AvgRowKm > 111.5 {
		t.Errorf("AvgRowKm = %f, want within (0, 111.5]", stats.AvgRowKm)
	}
	if stats.MinRowKm > stats.MaxRowKm {
		t.Errorf("MinRowKm %f > MaxRowKm %f", stats.MinRowKm, stats.MaxRowKm)
	}
}
