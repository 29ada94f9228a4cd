package store

import (
	"database/sql"
	"errors"
	"regexp"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrColumnExists is returned by AddMeasurementColumn when the column is
	// already present. Callers racing on column creation treat it as success.
	ErrColumnExists = errors.New("measurement column already exists")
)

// DB wraps the sqlite connection for grid, observation and schema storage.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and bootstraps the fixed
// schema. Measurement value columns are not part of the bootstrap; the
// schema manager adds them at runtime as new codes are observed.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_points (
			id             INTEGER PRIMARY KEY,
			latitude       DOUBLE NOT NULL,
			longitude      DOUBLE NOT NULL,
			region_label   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS observations (
			grid_point_id  INTEGER NOT NULL,
			provider_id    TEXT NOT NULL,
			time_slice     TEXT NOT NULL,
			observed_at    BIGINT NOT NULL,
			PRIMARY KEY (grid_point_id, provider_id, time_slice),
			FOREIGN KEY (grid_point_id) REFERENCES grid_points(id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS schema_columns (
			code           TEXT PRIMARY KEY,
			column_name    TEXT NOT NULL,
			value_type     TEXT NOT NULL,
			unit_transform TEXT NOT NULL DEFAULT '',
			scale          DOUBLE NOT NULL DEFAULT 1,
			created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// identifierRe limits the names we are willing to splice into DDL and DML.
// Generated column names are lowercase snake_case; anything else is rejected
// before it reaches a SQL string.
var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}
