package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/weathergrid/weathergrid/internal/weather"
)

// UpsertObservation writes one provider report for one (point, slice) key.
// Re-reports for the same key supersede the stored row (last write wins);
// the SQL is built from the observation's value columns, all of which must
// already exist via the schema manager.
func (db *DB) UpsertObservation(ctx context.Context, obs weather.Observation) error {
	names := make([]string, 0, len(obs.Values))
	for name := range obs.Values {
		if !validIdentifier(name) {
			return fmt.Errorf("invalid value column %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	cols := "grid_point_id, provider_id, time_slice, observed_at"
	placeholders := "?, ?, ?, ?"
	updates := "observed_at = excluded.observed_at"
	args := []any{obs.GridPointID, obs.Provider, obs.TimeSlice, obs.ObservedAt.UTC().Unix()}
	for _, name := range names {
		cols += ", " + name
		placeholders += ", ?"
		updates += fmt.Sprintf(", %s = excluded.%s", name, name)
		args = append(args, obs.Values[name])
	}

	q := fmt.Sprintf(`
		INSERT INTO observations (%s) VALUES (%s)
		ON CONFLICT (grid_point_id, provider_id, time_slice) DO UPDATE SET %s`,
		cols, placeholders, updates)

	if _, err := db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert observation point=%d provider=%s slice=%s: %w",
			obs.GridPointID, obs.Provider, obs.TimeSlice, err)
	}
	return nil
}

// ObservationsAt returns every provider's stored row for a (point, slice)
// key. Values carry only the columns the provider actually reported;
// NULL columns stay absent from the map.
func (db *DB) ObservationsAt(ctx context.Context, gridPointID int64, timeSlice string) ([]weather.Observation, error) {
	cols, err := db.MeasurementColumns(ctx)
	if err != nil {
		return nil, err
	}

	selectCols := "provider_id, observed_at"
	for _, c := range cols {
		selectCols += ", " + c.ColumnName
	}

	q := fmt.Sprintf(`
		SELECT %s FROM observations
		WHERE grid_point_id = ? AND time_slice = ?
		ORDER BY observed_at DESC, provider_id`, selectCols)

	rows, err := db.QueryContext(ctx, q, gridPointID, timeSlice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obs []weather.Observation
	for rows.Next() {
		var provider string
		var observedAt int64
		values := make([]sql.NullFloat64, len(cols))

		dest := make([]any, 0, 2+len(cols))
		dest = append(dest, &provider, &observedAt)
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		o := weather.Observation{
			GridPointID: gridPointID,
			Provider:    provider,
			TimeSlice:   timeSlice,
			ObservedAt:  time.Unix(observedAt, 0).UTC(),
			Values:      make(map[string]float64),
		}
		for i, c := range cols {
			if values[i].Valid {
				o.Values[c.ColumnName] = values[i].Float64
			}
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// TimeSlices lists the distinct slices recorded for a point within the
// inclusive window, ascending.
func (db *DB) TimeSlices(ctx context.Context, gridPointID int64, from, to string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT time_slice FROM observations
		WHERE grid_point_id = ? AND time_slice >= ? AND time_slice <= ?
		ORDER BY time_slice`,
		gridPointID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slices []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		slices = append(slices, s)
	}
	return slices, rows.Err()
}

// LatestTimeSlice returns the most recent slice recorded for a point.
func (db *DB) LatestTimeSlice(ctx context.Context, gridPointID int64) (string, error) {
	var s sql.NullString
	err := db.QueryRowContext(ctx,
		"SELECT MAX(time_slice) FROM observations WHERE grid_point_id = ?", gridPointID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !s.Valid) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return s.String, nil
}
