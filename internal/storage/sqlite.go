package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"zerostream/internal/ingest"
	"zerostream/internal/query"
	"zerostream/internal/telemetry"
)

// SQLiteDB is a single-file local store for development runs. It serves
// as both the ingestion sink and the query backend, so the whole system
// runs without external services. Timestamps are stored as Unix
// milliseconds to keep aggregation exact.
type SQLiteDB struct {
	db     *sql.DB
	offset atomic.Uint64
}

// OpenSQLite opens (creating if needed) a SQLite database at path and
// ensures the schema exists. Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under the publisher's worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	s := &SQLiteDB{db: db}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (d *SQLiteDB) Close() error {
	return d.db.Close()
}

func (d *SQLiteDB) createSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS sensor_stream (
		event_id        TEXT PRIMARY KEY,
		connection_id   TEXT NOT NULL,
		device_name     TEXT NOT NULL,
		event_timestamp INTEGER NOT NULL,
		event_date      TEXT NOT NULL,
		ingested_at     INTEGER NOT NULL,
		latitude        REAL NOT NULL,
		longitude       REAL NOT NULL,
		altitude_m      REAL NOT NULL,
		heading_deg     REAL NOT NULL,
		pitch_deg       REAL NOT NULL,
		roll_deg        REAL NOT NULL,
		accel_x         REAL NOT NULL,
		accel_y         REAL NOT NULL,
		accel_z         REAL NOT NULL,
		accel_magnitude REAL NOT NULL,
		gyro_x          REAL NOT NULL,
		gyro_y          REAL NOT NULL,
		gyro_z          REAL NOT NULL,
		speed_kmh       REAL NOT NULL,
		battery_pct     INTEGER NOT NULL,
		signal_strength INTEGER NOT NULL,
		sink_topic      TEXT NOT NULL DEFAULT '',
		sink_offset     INTEGER NOT NULL DEFAULT 0,
		payload_bytes   INTEGER NOT NULL
	)`
	if _, err := d.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	idx := `CREATE INDEX IF NOT EXISTS idx_sensor_conn_ts
		ON sensor_stream (connection_id, event_timestamp DESC)`
	if _, err := d.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Append stores a single sample, implementing ingest.Sink. Replaying an
// event id overwrites the prior row, so retried appends stay idempotent.
func (d *SQLiteDB) Append(ctx context.Context, s *telemetry.Sample) (ingest.Meta, error) {
	offset := d.offset.Add(1)
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sensor_stream (event_id, connection_id, device_name, event_timestamp, event_date, ingested_at,
			latitude, longitude, altitude_m, heading_deg, pitch_deg, roll_deg,
			accel_x, accel_y, accel_z, accel_magnitude, gyro_x, gyro_y, gyro_z,
			speed_kmh, battery_pct, signal_strength, sink_topic, sink_offset, payload_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.EventID, s.ConnectionID, s.DeviceName, s.EventTimestamp.UnixMilli(), s.EventDate, s.IngestedAt.UnixMilli(),
		s.Latitude, s.Longitude, s.AltitudeM, s.HeadingDeg, s.PitchDeg, s.RollDeg,
		s.AccelX, s.AccelY, s.AccelZ, s.AccelMagnitude, s.GyroX, s.GyroY, s.GyroZ,
		s.SpeedKMH, s.BatteryPct, s.SignalStrength, "sqlite:sensor_stream", offset, s.PayloadBytes)
	if err != nil {
		return ingest.Meta{}, fmt.Errorf("insert sample: %w", err)
	}
	return ingest.Meta{Topic: "sqlite:sensor_stream", Offset: offset}, nil
}

// Summary returns stream-wide aggregates, implementing query.Store.
func (d *SQLiteDB) Summary(ctx context.Context, activeSince time.Time) (query.Summary, error) {
	var sum query.Summary
	var totalEvents, activeConns, totalBytes int64
	var lastMS sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT CASE WHEN event_timestamp >= ? THEN connection_id END),
		       COALESCE(SUM(payload_bytes), 0),
		       MAX(event_timestamp)
		FROM sensor_stream
	`, activeSince.UnixMilli()).Scan(&totalEvents, &activeConns, &totalBytes, &lastMS)
	if err != nil {
		return query.Summary{}, fmt.Errorf("summary: %w", err)
	}
	sum.TotalEvents = uint64(totalEvents)
	sum.ActiveConnections = uint64(activeConns)
	sum.TotalBytes = uint64(totalBytes)
	if lastMS.Valid {
		t := time.UnixMilli(lastMS.Int64).UTC()
		sum.LastEventTime = &t
	}
	return sum, nil
}

// Clients returns per-connection aggregates ordered by last event.
func (d *SQLiteDB) Clients(ctx context.Context, activeSince time.Time) ([]query.Client, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT connection_id,
		       MAX(device_name),
		       COUNT(*),
		       COALESCE(SUM(payload_bytes), 0),
		       MIN(event_timestamp),
		       MAX(event_timestamp),
		       AVG(speed_kmh),
		       AVG(battery_pct)
		FROM sensor_stream
		GROUP BY connection_id
		ORDER BY MAX(event_timestamp) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []query.Client
	for rows.Next() {
		var c query.Client
		var events, bytes, firstMS, lastMS int64
		if err := rows.Scan(&c.ConnectionID, &c.DeviceName, &events, &bytes,
			&firstMS, &lastMS, &c.AvgSpeedKMH, &c.AvgBattery); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		c.TotalEvents = uint64(events)
		c.TotalBytes = uint64(bytes)
		c.FirstEvent = time.UnixMilli(firstMS).UTC()
		c.LastEvent = time.UnixMilli(lastMS).UTC()
		c.IsActive = !c.LastEvent.Before(activeSince)
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return clients, nil
}

// Locations returns the latest position per connection.
func (d *SQLiteDB) Locations(ctx context.Context) ([]query.Location, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT connection_id, device_name, latitude, longitude,
		       heading_deg, speed_kmh, MAX(event_timestamp)
		FROM sensor_stream
		GROUP BY connection_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var locs []query.Location
	for rows.Next() {
		var l query.Location
		var tsMS int64
		if err := rows.Scan(&l.ConnectionID, &l.DeviceName, &l.Latitude, &l.Longitude,
			&l.HeadingDeg, &l.SpeedKMH, &tsMS); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		l.EventTimestamp = time.UnixMilli(tsMS).UTC()
		locs = append(locs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return locs, nil
}

// Latest returns the newest sample for one connection, nil if none.
func (d *SQLiteDB) Latest(ctx context.Context, connectionID string) (*telemetry.Sample, error) {
	var s telemetry.Sample
	var tsMS, ingestedMS, offset int64
	err := d.db.QueryRowContext(ctx, `
		SELECT event_id, connection_id, device_name, event_timestamp, event_date, ingested_at,
		       latitude, longitude, altitude_m, heading_deg, pitch_deg, roll_deg,
		       accel_x, accel_y, accel_z, accel_magnitude, gyro_x, gyro_y, gyro_z,
		       speed_kmh, battery_pct, signal_strength, sink_topic, sink_offset, payload_bytes
		FROM sensor_stream
		WHERE connection_id = ?
		ORDER BY event_timestamp DESC
		LIMIT 1
	`, connectionID).Scan(&s.EventID, &s.ConnectionID, &s.DeviceName, &tsMS, &s.EventDate, &ingestedMS,
		&s.Latitude, &s.Longitude, &s.AltitudeM, &s.HeadingDeg, &s.PitchDeg, &s.RollDeg,
		&s.AccelX, &s.AccelY, &s.AccelZ, &s.AccelMagnitude, &s.GyroX, &s.GyroY, &s.GyroZ,
		&s.SpeedKMH, &s.BatteryPct, &s.SignalStrength, &s.SinkTopic, &offset, &s.PayloadBytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	s.EventTimestamp = time.UnixMilli(tsMS).UTC()
	s.IngestedAt = time.UnixMilli(ingestedMS).UTC()
	s.SinkOffset = uint64(offset)
	return &s, nil
}

// Track returns the most recent limit points ascending by time.
func (d *SQLiteDB) Track(ctx context.Context, connectionID string, limit int) ([]query.TrackPoint, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT latitude, longitude, event_timestamp, speed_kmh, heading_deg
		FROM sensor_stream
		WHERE connection_id = ?
		ORDER BY event_timestamp DESC
		LIMIT ?
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query track: %w", err)
	}
	defer rows.Close()

	var track []query.TrackPoint
	for rows.Next() {
		var p query.TrackPoint
		var tsMS int64
		if err := rows.Scan(&p.Latitude, &p.Longitude, &tsMS, &p.SpeedKMH, &p.HeadingDeg); err != nil {
			return nil, fmt.Errorf("scan track point: %w", err)
		}
		p.EventTime = time.UnixMilli(tsMS).UTC()
		track = append(track, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate track: %w", err)
	}

	reverseTrack(track)
	return track, nil
}
