// Package database implements the SQLite-backed measurement store.
//
// The schema is the stable contract for downstream SQL consumers
// (dashboards read the weather_measurements and devices tables directly),
// so table and column names must not change.
//
// Writes are idempotent: the UNIQUE(timestamp, device_id) constraint plus
// INSERT OR IGNORE guarantee at most one stored row per device per instant,
// first write wins. WAL mode keeps readers unblocked while the ingestion
// path writes.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ambientlog/ambientlog/internal/models"
)

// ErrDiskFull marks a storage-exhaustion condition. Unlike lock contention,
// which the busy timeout absorbs, this is unrecoverable and must stop the
// ingestion task.
var ErrDiskFull = errors.New("database storage exhausted")

// MeasurementRepository defines the store operations used by the pipeline.
type MeasurementRepository interface {
	// InitSchema creates tables and indexes. Safe to call on a file that
	// already contains the schema.
	InitSchema(ctx context.Context) error

	// InsertMeasurement attempts an idempotent insert. A duplicate
	// (timestamp, device_id) is reported as (0, false, nil), distinct from
	// a genuine write failure. The device row's last_seen is upserted to
	// the measurement timestamp whether or not the row was a duplicate.
	InsertMeasurement(ctx context.Context, m *models.Measurement) (id int64, inserted bool, err error)

	// UpsertDevice records device metadata, preserving existing name and
	// location when the new values are empty.
	UpsertDevice(ctx context.Context, d models.Device) error

	// GetDevice returns device metadata, or nil if unknown.
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)

	// QueryRange returns measurements in [start, end] ordered by ascending
	// timestamp. deviceID filters to one station; "" returns all stations.
	QueryRange(ctx context.Context, deviceID string, start, end time.Time) ([]models.Measurement, error)

	// LatestTimestamp returns the newest stored timestamp for a device.
	// ok is false when the device has no measurements.
	LatestTimestamp(ctx context.Context, deviceID string) (ts time.Time, ok bool, err error)

	// CountMeasurements returns the number of stored rows, optionally
	// filtered by device.
	CountMeasurements(ctx context.Context, deviceID string) (int64, error)

	// Snapshot writes a point-in-time-consistent copy of the store to
	// destPath without blocking concurrent writers.
	Snapshot(ctx context.Context, destPath string) error

	// Path returns the live store file path.
	Path() string

	// Close releases the underlying connection pool.
	Close() error
}

// SQLiteRepo implements MeasurementRepository on a single database file.
type SQLiteRepo struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the store at path. The connection uses
// WAL journaling, NORMAL synchronous mode and a 5s busy timeout so that
// reader/writer lock contention is retried transparently by the driver.
func Open(path string) (*SQLiteRepo, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteRepo{db: db, path: path}, nil
}

func (r *SQLiteRepo) Path() string { return r.path }

func (r *SQLiteRepo) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS weather_measurements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			temp_outdoor REAL,
			temp_indoor REAL,
			feels_like REAL,
			dew_point REAL,
			humidity_outdoor INTEGER,
			humidity_indoor INTEGER,
			pressure_relative REAL,
			pressure_absolute REAL,
			wind_speed REAL,
			wind_gust REAL,
			wind_direction INTEGER,
			wind_gust_direction INTEGER,
			max_daily_gust REAL,
			hourly_rain REAL,
			daily_rain REAL,
			weekly_rain REAL,
			monthly_rain REAL,
			yearly_rain REAL,
			solar_radiation REAL,
			uv_index INTEGER,
			device_id TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(timestamp, device_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON weather_measurements(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_device_id ON weather_measurements(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_device_timestamp ON weather_measurements(device_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			name TEXT,
			location TEXT,
			last_seen INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT OR IGNORE INTO schema_version (version) VALUES (1)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", wrapSQLiteErr(err))
		}
	}
	return nil
}

func (r *SQLiteRepo) InsertMeasurement(ctx context.Context, m *models.Measurement) (int64, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", wrapSQLiteErr(err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO weather_measurements (
			timestamp, temp_outdoor, temp_indoor, feels_like, dew_point,
			humidity_outdoor, humidity_indoor,
			pressure_relative, pressure_absolute,
			wind_speed, wind_gust, wind_direction, wind_gust_direction, max_daily_gust,
			hourly_rain, daily_rain, weekly_rain, monthly_rain, yearly_rain,
			solar_radiation, uv_index,
			device_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Timestamp.Unix(),
		m.TempOutdoor, m.TempIndoor, m.FeelsLike, m.DewPoint,
		m.HumidityOutdoor, m.HumidityIndoor,
		m.PressureRelative, m.PressureAbsolute,
		m.WindSpeed, m.WindGust, m.WindDirection, m.WindGustDirection, m.MaxDailyGust,
		m.HourlyRain, m.DailyRain, m.WeeklyRain, m.MonthlyRain, m.YearlyRain,
		m.SolarRadiation, m.UVIndex,
		m.DeviceID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert measurement: %w", wrapSQLiteErr(err))
	}

	// Device contact time advances on every insert attempt, duplicates
	// included.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (device_id, last_seen) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET last_seen = excluded.last_seen`,
		m.DeviceID, m.Timestamp.Unix(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to update device: %w", wrapSQLiteErr(err))
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit: %w", wrapSQLiteErr(err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *SQLiteRepo) UpsertDevice(ctx context.Context, d models.Device) error {
	var lastSeen interface{}
	if !d.LastSeen.IsZero() {
		lastSeen = d.LastSeen.Unix()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, name, location, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
			location = CASE WHEN excluded.location != '' THEN excluded.location ELSE location END,
			last_seen = COALESCE(excluded.last_seen, last_seen)`,
		d.DeviceID, d.Name, d.Location, lastSeen,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", wrapSQLiteErr(err))
	}
	return nil
}

func (r *SQLiteRepo) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT device_id, COALESCE(name, ''), COALESCE(location, ''), last_seen
		FROM devices WHERE device_id = ?`, deviceID)

	var d models.Device
	var lastSeen sql.NullInt64
	if err := row.Scan(&d.DeviceID, &d.Name, &d.Location, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapSQLiteErr(err)
	}
	if lastSeen.Valid {
		d.LastSeen = time.Unix(lastSeen.Int64, 0).UTC()
	}
	return &d, nil
}

const measurementColumns = `timestamp, temp_outdoor, temp_indoor, feels_like, dew_point,
	humidity_outdoor, humidity_indoor, pressure_relative, pressure_absolute,
	wind_speed, wind_gust, wind_direction, wind_gust_direction, max_daily_gust,
	hourly_rain, daily_rain, weekly_rain, monthly_rain, yearly_rain,
	solar_radiation, uv_index, device_id`

func (r *SQLiteRepo) QueryRange(ctx context.Context, deviceID string, start, end time.Time) ([]models.Measurement, error) {
	query := `SELECT ` + measurementColumns + `
		FROM weather_measurements
		WHERE timestamp >= ? AND timestamp <= ?`
	args := []interface{}{start.Unix(), end.Unix()}

	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", wrapSQLiteErr(err))
	}
	defer rows.Close()

	var results []models.Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *m)
	}
	return results, rows.Err()
}

func (r *SQLiteRepo) LatestTimestamp(ctx context.Context, deviceID string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM weather_measurements WHERE device_id = ?`,
		deviceID).Scan(&ts)
	if err != nil {
		return time.Time{}, false, wrapSQLiteErr(err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

func (r *SQLiteRepo) CountMeasurements(ctx context.Context, deviceID string) (int64, error) {
	query := "SELECT COUNT(*) FROM weather_measurements"
	var args []interface{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, wrapSQLiteErr(err)
	}
	return count, nil
}

// Snapshot copies the live database to destPath with VACUUM INTO, which
// takes a read transaction and therefore produces a consistent image even
// while the ingestion path is writing. destPath must not already exist.
func (r *SQLiteRepo) Snapshot(ctx context.Context, destPath string) error {
	if _, err := r.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", wrapSQLiteErr(err))
	}
	return nil
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

func scanMeasurement(rows *sql.Rows) (*models.Measurement, error) {
	var (
		m  models.Measurement
		ts int64

		tempOutdoor, tempIndoor, feelsLike, dewPoint         sql.NullFloat64
		humidityOutdoor, humidityIndoor                      sql.NullInt64
		pressureRelative, pressureAbsolute                   sql.NullFloat64
		windSpeed, windGust                                  sql.NullFloat64
		windDirection, windGustDirection                     sql.NullInt64
		maxDailyGust                                         sql.NullFloat64
		hourlyRain, dailyRain, weeklyRain                    sql.NullFloat64
		monthlyRain, yearlyRain, solarRadiation              sql.NullFloat64
		uvIndex                                              sql.NullInt64
	)
	err := rows.Scan(
		&ts, &tempOutdoor, &tempIndoor, &feelsLike, &dewPoint,
		&humidityOutdoor, &humidityIndoor, &pressureRelative, &pressureAbsolute,
		&windSpeed, &windGust, &windDirection, &windGustDirection, &maxDailyGust,
		&hourlyRain, &dailyRain, &weeklyRain, &monthlyRain, &yearlyRain,
		&solarRadiation, &uvIndex, &m.DeviceID,
	)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}

	m.Timestamp = time.Unix(ts, 0).UTC()
	m.TempOutdoor = nullFloat(tempOutdoor)
	m.TempIndoor = nullFloat(tempIndoor)
	m.FeelsLike = nullFloat(feelsLike)
	m.DewPoint = nullFloat(dewPoint)
	m.HumidityOutdoor = nullInt(humidityOutdoor)
	m.HumidityIndoor = nullInt(humidityIndoor)
	m.PressureRelative = nullFloat(pressureRelative)
	m.PressureAbsolute = nullFloat(pressureAbsolute)
	m.WindSpeed = nullFloat(windSpeed)
	m.WindGust = nullFloat(windGust)
	m.WindDirection = nullInt(windDirection)
	m.WindGustDirection = nullInt(windGustDirection)
	m.MaxDailyGust = nullFloat(maxDailyGust)
	m.HourlyRain = nullFloat(hourlyRain)
	m.DailyRain = nullFloat(dailyRain)
	m.WeeklyRain = nullFloat(weeklyRain)
	m.MonthlyRain = nullFloat(monthlyRain)
	m.YearlyRain = nullFloat(yearlyRain)
	m.SolarRadiation = nullFloat(solarRadiation)
	m.UVIndex = nullInt(uvIndex)
	return &m, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// wrapSQLiteErr maps driver errors onto the package's error taxonomy.
func wrapSQLiteErr(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	return err
}

// Compile-time interface implementation check
var _ MeasurementRepository = (*SQLiteRepo)(nil)
