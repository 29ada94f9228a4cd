package grid

import "math"

// SpacingStats summarizes adjacent-point distances along lattice rows and
// columns, for coverage-quality reporting.
type SpacingStats struct {
	PointCount int     `json:"point_count"`
	MinRowKm   float64 `json:"min_row_km"`
	MaxRowKm   float64 `json:"max_row_km"`
	AvgRowKm   float64 `json:"avg_row_km"`
	MinColKm   float64 `json:"min_col_km"`
	MaxColKm   float64 `json:"max_col_km"`
	AvgColKm   float64 `json:"avg_col_km"`
}

// ComputeSpacingStats measures ground distance between lattice neighbours.
// Row neighbours share a latitude, column neighbours share a longitude;
// points are expected in generation order (row-major).
func ComputeSpacingStats(points []Point) SpacingStats {
	stats := SpacingStats{PointCount: len(points)}
	if len(points) < 2 {
		return stats
	}

	byLat := make(map[float64][]Point)
	byLon := make(map[float64][]Point)
	for _, p := range points {
		byLat[p.Latitude] = append(byLat[p.Latitude], p)
		byLon[p.Longitude] = append(byLon[p.Longitude], p)
	}

	stats.MinRowKm, stats.MaxRowKm, stats.AvgRowKm = neighbourDistances(byLat)
	stats.MinColKm, stats.MaxColKm, stats.AvgColKm = neighbourDistances(byLon)
	return stats
}

func neighbourDistances(lines map[float64][]Point) (min, max, avg float64) {
	min = math.Inf(1)
	var sum float64
	var n int
	for _, line := range lines {
		for i := 1; i < len(line); i++ {
			d := Haversine(line[i-1].Latitude, line[i-1].Longitude, line[i].Latitude, line[i].Longitude)
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0, 0, 0
	}
	return min, max, sum / float64(n)
}

// Haversine returns the great-circle distance between two coordinates in km.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
