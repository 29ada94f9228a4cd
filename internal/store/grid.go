package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/weathergrid/weathergrid/internal/grid"
)

// ReplaceGridPoints swaps the whole grid in one transaction: observations go
// first (they foreign-key the grid), then the points, then the new set is
// bulk inserted. A failure anywhere rolls the previous grid back intact.
func (db *DB) ReplaceGridPoints(ctx context.Context, points []grid.Point) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grid replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM observations"); err != nil {
		return fmt.Errorf("clear observations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM grid_points"); err != nil {
		return fmt.Errorf("clear grid points: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO grid_points (id, latitude, longitude, region_label) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare grid insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Latitude, p.Longitude, p.Region); err != nil {
			return fmt.Errorf("insert grid point %d: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// GridPoints lists the grid in generation order.
func (db *DB) GridPoints(ctx context.Context) ([]grid.Point, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, latitude, longitude, region_label FROM grid_points ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []grid.Point
	for rows.Next() {
		var p grid.Point
		if err := rows.Scan(&p.ID, &p.Latitude, &p.Longitude, &p.Region); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// GridPoint fetches one point by id.
func (db *DB) GridPoint(ctx context.Context, id int64) (grid.Point, error) {
	var p grid.Point
	err := db.QueryRowContext(ctx,
		"SELECT id, latitude, longitude, region_label FROM grid_points WHERE id = ?", id).
		Scan(&p.ID, &p.Latitude, &p.Longitude, &p.Region)
	if errors.Is(err, sql.ErrNoRows) {
		return grid.Point{}, ErrNotFound
	}
	if err != nil {
		return grid.Point{}, err
	}
	return p, nil
}

// NearestGridPoint returns the grid point closest to the coordinate by
// squared degree distance. Adequate at grid scale; we are snapping to a
// lattice, not navigating.
func (db *DB) NearestGridPoint(ctx context.Context, lat, lon float64) (grid.Point, error) {
	var p grid.Point
	err := db.QueryRowContext(ctx, `
		SELECT id, latitude, longitude, region_label
		FROM grid_points
		ORDER BY (latitude - ?) * (latitude - ?) + (longitude - ?) * (longitude - ?)
		LIMIT 1`,
		lat, lat, lon, lon).
		Scan(&p.ID, &p.Latitude, &p.Longitude, &p.Region)
	if errors.Is(err, sql.ErrNoRows) {
		return grid.Point{}, ErrNotFound
	}
	if err != nil {
		return grid.Point{}, err
	}
	return p, nil
}

// GridPointCount returns the number of persisted grid points.
func (db *DB) GridPointCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM grid_points").Scan(&n)
	return n, err
}
