package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ColumnRecord is one row of the schema_columns registry: the persistent
// mapping from an upstream measurement code to its storage column. The
// registry is append-only; a code once mapped keeps its column for the
// lifetime of the database.
type ColumnRecord struct {
	Code          string
	ColumnName    string
	ValueType     string
	UnitTransform string
	Scale         float64
}

// MeasurementColumns lists the registry in creation order.
func (db *DB) MeasurementColumns(ctx context.Context) ([]ColumnRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT code, column_name, value_type, unit_transform, scale
		FROM schema_columns ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnRecord
	for rows.Next() {
		var c ColumnRecord
		if err := rows.Scan(&c.Code, &c.ColumnName, &c.ValueType, &c.UnitTransform, &c.Scale); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// AddMeasurementColumn registers a code -> column mapping and adds the value
// column to the observations table, atomically. Returns ErrColumnExists when
// the code is already registered or the physical column already exists (a
// concurrent caller won the race); callers treat that as success.
func (db *DB) AddMeasurementColumn(ctx context.Context, col ColumnRecord) error {
	if !validIdentifier(col.ColumnName) {
		return fmt.Errorf("invalid column name %q", col.ColumnName)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add column: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT column_name FROM schema_columns WHERE code = ?", col.Code).Scan(&existing)
	if err == nil {
		return ErrColumnExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check registry for %s: %w", col.Code, err)
	}

	ddl := fmt.Sprintf("ALTER TABLE observations ADD COLUMN %s %s", col.ColumnName, col.ValueType)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		if strings.Contains(err.Error(), "duplicate column name") {
			// The physical column is there but this code is not registered
			// against it yet: register it so the mapping stays consistent,
			// then report the duplicate so the caller treats the add as a
			// no-op. A concurrent registration of the same code is fine.
			if _, insErr := tx.ExecContext(ctx, `
				INSERT INTO schema_columns (code, column_name, value_type, unit_transform, scale)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (code) DO NOTHING`,
				col.Code, col.ColumnName, col.ValueType, col.UnitTransform, col.Scale); insErr != nil {
				return fmt.Errorf("repair registry for %s: %w", col.Code, insErr)
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			return ErrColumnExists
		}
		return fmt.Errorf("add column %s: %w", col.ColumnName, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_columns (code, column_name, value_type, unit_transform, scale)
		VALUES (?, ?, ?, ?, ?)`,
		col.Code, col.ColumnName, col.ValueType, col.UnitTransform, col.Scale); err != nil {
		return fmt.Errorf("register column %s: %w", col.Code, err)
	}

	return tx.Commit()
}

// ColumnUsage counts non-null observation values per measurement column.
// Purely diagnostic; nothing branches on it.
func (db *DB) ColumnUsage(ctx context.Context) (map[string]int64, error) {
	cols, err := db.MeasurementColumns(ctx)
	if err != nil {
		return nil, err
	}

	usage := make(map[string]int64, len(cols))
	for _, c := range cols {
		var n int64
		q := fmt.Sprintf("SELECT COUNT(%s) FROM observations", c.ColumnName)
		if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("usage count for %s: %w", c.ColumnName, err)
		}
		usage[c.ColumnName] = n
	}
	return usage, nil
}
