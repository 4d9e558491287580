package telemetry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/track.replay/internal/metrics"
	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/track"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteSource serves locations from an offline SQLite export of the
// telemetry API. The schema is managed by embedded migrations.
type SQLiteSource struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// OpenSQLite opens (creating if needed) the export at path and migrates it
// to the latest schema.
func OpenSQLite(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteSource{db: db, path: path, log: monitoring.Component("telemetry")}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return nil
}

// MigrateUp applies every pending migration.
func (s *SQLiteSource) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close s.db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version, 0 when none.
func (s *SQLiteSource) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (s *SQLiteSource) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: s.log}
	return m, nil
}

type migrateLogger struct {
	log zerolog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Msgf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

func (s *SQLiteSource) Name() string { return "sqlite" }

// DB exposes the handle for the debug SQL console.
func (s *SQLiteSource) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *SQLiteSource) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteSource) Close() error { return s.db.Close() }

// FetchTrack implements Source.
func (s *SQLiteSource) FetchTrack(ctx context.Context, vehicleID string, from, to time.Time) ([]track.Record, error) {
	query := `SELECT timestamp_ms, latitude, longitude, speed_kmh, heading
		FROM vehicle_locations WHERE vehicle_id = ?`
	args := []any{vehicleID}
	if !from.IsZero() {
		query += ` AND timestamp_ms >= ?`
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		query += ` AND timestamp_ms <= ?`
		args = append(args, to.UnixMilli())
	}
	query += ` ORDER BY timestamp_ms`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.TelemetryFetches.WithLabelValues(s.Name(), "error").Inc()
		return nil, fmt.Errorf("query locations for %s: %w", vehicleID, err)
	}
	defer rows.Close()

	var records []track.Record
	for rows.Next() {
		var (
			ts       int64
			lat, lng float64
			speed    sql.NullFloat64
			heading  float64
		)
		if err := rows.Scan(&ts, &lat, &lng, &speed, &heading); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		rec := track.Record{"lat": lat, "lng": lng, "timestamp": time.UnixMilli(ts).UTC(), "heading": heading}
		if speed.Valid {
			rec["speed"] = speed.Float64
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		known, err := s.hasVehicle(ctx, vehicleID)
		if err != nil {
			return nil, err
		}
		if !known {
			metrics.TelemetryFetches.WithLabelValues(s.Name(), "error").Inc()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, vehicleID)
		}
	}
	metrics.TelemetryFetches.WithLabelValues(s.Name(), "ok").Inc()
	return records, nil
}

func (s *SQLiteSource) hasVehicle(ctx context.Context, vehicleID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM vehicle_locations WHERE vehicle_id = ?`, vehicleID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count locations for %s: %w", vehicleID, err)
	}
	return n > 0, nil
}

// ImportResult reports what Import wrote.
type ImportResult struct {
	Written int `json:"written"`
	Dropped int `json:"dropped"`
}

// Import normalizes records and upserts them for vehicleID. Records that fail
// normalization are counted as dropped. An import with fewer than two valid
// records still writes what it can. Records sharing a timestamp overwrite
// each other.
func (s *SQLiteSource) Import(ctx context.Context, vehicleID, origin string, records []track.Record) (ImportResult, error) {
	if vehicleID == "" {
		return ImportResult{}, errors.New("vehicle id is required")
	}

	samples, dropped := track.ParseRecords(records)
	res := ImportResult{Dropped: len(dropped)}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vehicle_locations (vehicle_id, timestamp_ms, latitude, longitude, speed_kmh, heading)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id, timestamp_ms) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			speed_kmh = excluded.speed_kmh,
			heading = excluded.heading`)
	if err != nil {
		return res, fmt.Errorf("prepare import: %w", err)
	}
	defer stmt.Close()

	for _, smp := range samples {
		var speed any
		if smp.HasSpeed {
			speed = smp.Speed
		}
		if _, err := stmt.ExecContext(ctx, vehicleID, smp.Timestamp.UnixMilli(),
			smp.Latitude, smp.Longitude, speed, smp.Heading); err != nil {
			return res, fmt.Errorf("insert location: %w", err)
		}
		res.Written++
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO imports (vehicle_id, source, rows_written, rows_dropped) VALUES (?, ?, ?, ?)`,
		vehicleID, origin, res.Written, res.Dropped); err != nil {
		return res, fmt.Errorf("record import: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit import: %w", err)
	}

	s.log.Info().
		Str("vehicle", vehicleID).
		Int("written", res.Written).
		Int("dropped", res.Dropped).
		Msg("imported locations")
	return res, nil
}

// Vehicles lists the vehicle IDs present in the export.
func (s *SQLiteSource) Vehicles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT vehicle_id FROM vehicle_locations ORDER BY vehicle_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
