// Package store persists the append-only device location log in sqlite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"ble-tracker.klederson.com/internal/location"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const driverName = "sqlite"

// LocationStore is the sqlite-backed location log.
type LocationStore struct {
	db *sql.DB
}

// New wraps an open database. The schema must already be migrated.
func New(db *sql.DB) *LocationStore { return &LocationStore{db: db} }

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*LocationStore, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Migrate applies every embedded migration not yet recorded in db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, driverName, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m is not closed: that would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *LocationStore) Close() error { return s.db.Close() }

// Append inserts one record. Missing ids and timestamps are filled in.
func (s *LocationStore) Append(ctx context.Context, rec location.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now()
	}
	deviceID := strings.ToUpper(strings.TrimSpace(rec.DeviceID))
	if deviceID == "" {
		return errors.New("append location: empty device id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_locations (id, device_id, latitude, longitude, captured_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		rec.ID,
		deviceID,
		rec.Latitude,
		rec.Longitude,
		rec.CapturedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append location: %w", err)
	}
	return nil
}

// List returns the records for deviceID captured at or after since, oldest
// first. An empty deviceID lists every device; a zero since lists all time.
func (s *LocationStore) List(ctx context.Context, deviceID string, since time.Time) ([]location.Record, error) {
	var (
		conds []string
		args  []any
	)
	if id := strings.ToUpper(strings.TrimSpace(deviceID)); id != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, id)
	}
	if !since.IsZero() {
		conds = append(conds, "captured_at >= ?")
		args = append(args, since.UTC())
	}

	q := `SELECT id, device_id, latitude, longitude, captured_at FROM device_locations`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY captured_at ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	out := make([]location.Record, 0, 32)
	for rows.Next() {
		var rec location.Record
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.Latitude, &rec.Longitude, &rec.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		rec.CapturedAt = rec.CapturedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	return out, nil
}
