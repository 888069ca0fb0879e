package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zerostream/internal/query"
	"zerostream/internal/telemetry"
)

// PostgresConfig holds connection settings for the synced-table database.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// PostgresDB reads dashboard queries from sensor_stream_synced, a table
// kept in step with the durable stream by an external sync job. It is a
// read-only query.Store; it does not implement ingest.Sink.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to Postgres and verifies the connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "prefer"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close releases the connection pool.
func (d *PostgresDB) Close() error {
	d.pool.Close()
	return nil
}

// CreateSchema ensures the synced table exists. The sync job normally
// owns this; having it here keeps local setups one command away.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS sensor_stream_synced (
		event_id        TEXT PRIMARY KEY,
		connection_id   TEXT NOT NULL,
		device_name     TEXT NOT NULL,
		event_timestamp TIMESTAMPTZ NOT NULL,
		event_date      DATE NOT NULL,
		ingested_at     TIMESTAMPTZ NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		altitude_m      DOUBLE PRECISION NOT NULL,
		heading_deg     DOUBLE PRECISION NOT NULL,
		pitch_deg       DOUBLE PRECISION NOT NULL,
		roll_deg        DOUBLE PRECISION NOT NULL,
		accel_x         DOUBLE PRECISION NOT NULL,
		accel_y         DOUBLE PRECISION NOT NULL,
		accel_z         DOUBLE PRECISION NOT NULL,
		accel_magnitude DOUBLE PRECISION NOT NULL,
		gyro_x          DOUBLE PRECISION NOT NULL,
		gyro_y          DOUBLE PRECISION NOT NULL,
		gyro_z          DOUBLE PRECISION NOT NULL,
		speed_kmh       DOUBLE PRECISION NOT NULL,
		battery_pct     INTEGER NOT NULL,
		signal_strength INTEGER NOT NULL,
		sink_topic      TEXT NOT NULL DEFAULT '',
		sink_offset     BIGINT NOT NULL DEFAULT 0,
		payload_bytes   INTEGER NOT NULL
	)`
	if _, err := d.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("create synced table: %w", err)
	}

	idx := `CREATE INDEX IF NOT EXISTS idx_sensor_synced_conn_ts
		ON sensor_stream_synced (connection_id, event_timestamp DESC)`
	if _, err := d.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create synced index: %w", err)
	}
	return nil
}

// Summary returns stream-wide aggregates, implementing query.Store.
func (d *PostgresDB) Summary(ctx context.Context, activeSince time.Time) (query.Summary, error) {
	var sum query.Summary
	var totalEvents, activeConns, totalBytes int64
	var last *time.Time
	err := d.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT connection_id) FILTER (WHERE event_timestamp >= $1),
		       COALESCE(SUM(payload_bytes), 0),
		       MAX(event_timestamp)
		FROM sensor_stream_synced
	`, activeSince).Scan(&totalEvents, &activeConns, &totalBytes, &last)
	if err != nil {
		return query.Summary{}, fmt.Errorf("summary: %w", err)
	}
	sum.TotalEvents = uint64(totalEvents)
	sum.ActiveConnections = uint64(activeConns)
	sum.TotalBytes = uint64(totalBytes)
	sum.LastEventTime = last
	return sum, nil
}

// Clients returns per-connection aggregates ordered by last event.
func (d *PostgresDB) Clients(ctx context.Context, activeSince time.Time) ([]query.Client, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT connection_id,
		       MAX(device_name),
		       COUNT(*),
		       COALESCE(SUM(payload_bytes), 0),
		       MIN(event_timestamp),
		       MAX(event_timestamp),
		       AVG(speed_kmh),
		       AVG(battery_pct)
		FROM sensor_stream_synced
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
		var events, bytes int64
		if err := rows.Scan(&c.ConnectionID, &c.DeviceName, &events, &bytes,
			&c.FirstEvent, &c.LastEvent, &c.AvgSpeedKMH, &c.AvgBattery); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		c.TotalEvents = uint64(events)
		c.TotalBytes = uint64(bytes)
		c.IsActive = !c.LastEvent.Before(activeSince)
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return clients, nil
}

// Locations returns the latest position per connection.
func (d *PostgresDB) Locations(ctx context.Context) ([]query.Location, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT DISTINCT ON (connection_id)
		       connection_id, device_name, latitude, longitude,
		       heading_deg, speed_kmh, event_timestamp
		FROM sensor_stream_synced
		ORDER BY connection_id, event_timestamp DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var locs []query.Location
	for rows.Next() {
		var l query.Location
		if err := rows.Scan(&l.ConnectionID, &l.DeviceName, &l.Latitude, &l.Longitude,
			&l.HeadingDeg, &l.SpeedKMH, &l.EventTimestamp); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locs = append(locs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return locs, nil
}

// Latest returns the newest sample for one connection, nil if none.
func (d *PostgresDB) Latest(ctx context.Context, connectionID string) (*telemetry.Sample, error) {
	var s telemetry.Sample
	var battery, signal, payload int32
	var offset int64
	err := d.pool.QueryRow(ctx, `
		SELECT event_id, connection_id, device_name, event_timestamp, ingested_at,
		       latitude, longitude, altitude_m, heading_deg, pitch_deg, roll_deg,
		       accel_x, accel_y, accel_z, accel_magnitude, gyro_x, gyro_y, gyro_z,
		       speed_kmh, battery_pct, signal_strength, sink_topic, sink_offset, payload_bytes
		FROM sensor_stream_synced
		WHERE connection_id = $1
		ORDER BY event_timestamp DESC
		LIMIT 1
	`, connectionID).Scan(&s.EventID, &s.ConnectionID, &s.DeviceName, &s.EventTimestamp, &s.IngestedAt,
		&s.Latitude, &s.Longitude, &s.AltitudeM, &s.HeadingDeg, &s.PitchDeg, &s.RollDeg,
		&s.AccelX, &s.AccelY, &s.AccelZ, &s.AccelMagnitude, &s.GyroX, &s.GyroY, &s.GyroZ,
		&s.SpeedKMH, &battery, &signal, &s.SinkTopic, &offset, &payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	s.BatteryPct = int(battery)
	s.SignalStrength = int(signal)
	s.SinkOffset = uint64(offset)
	s.PayloadBytes = int(payload)
	s.EventDate = s.EventTimestamp.Format("2006-01-02")
	return &s, nil
}

// Track returns the most recent limit points ascending by time.
func (d *PostgresDB) Track(ctx context.Context, connectionID string, limit int) ([]query.TrackPoint, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT latitude, longitude, event_timestamp, speed_kmh, heading_deg
		FROM sensor_stream_synced
		WHERE connection_id = $1
		ORDER BY event_timestamp DESC
		LIMIT $2
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query track: %w", err)
	}
	defer rows.Close()

	var track []query.TrackPoint
	for rows.Next() {
		var p query.TrackPoint
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.EventTime, &p.SpeedKMH, &p.HeadingDeg); err != nil {
			return nil, fmt.Errorf("scan track point: %w", err)
		}
		track = append(track, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate track: %w", err)
	}

	reverseTrack(track)
	return track, nil
}
