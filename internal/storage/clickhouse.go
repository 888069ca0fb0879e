// Package storage provides durable backends for the telemetry stream:
// ClickHouse for analytics, a Postgres synced table for dashboards, and
// SQLite for local development.
package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"zerostream/internal/ingest"
	"zerostream/internal/query"
	"zerostream/internal/telemetry"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB wraps a ClickHouse connection. It serves both as an
// append-only sink for the publisher and as a query.Store for the
// aggregation service.
type ClickHouseDB struct {
	conn   driver.Conn
	offset atomic.Uint64 // local append counter; ClickHouse has no native offsets
}

// OpenClickHouse opens a connection to ClickHouse and ensures the
// sensor_stream schema exists.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	db := &ClickHouseDB{conn: conn}
	if err := db.createSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

func (d *ClickHouseDB) createSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS sensor_stream (
		event_id        String,
		connection_id   LowCardinality(String),
		device_name     LowCardinality(String),
		event_timestamp DateTime64(3),
		event_date      Date,
		ingested_at     DateTime64(3),
		latitude        Float64,
		longitude       Float64,
		altitude_m      Float64,
		heading_deg     Float64,
		pitch_deg       Float64,
		roll_deg        Float64,
		accel_x         Float64,
		accel_y         Float64,
		accel_z         Float64,
		accel_magnitude Float64,
		gyro_x          Float64,
		gyro_y          Float64,
		gyro_z          Float64,
		speed_kmh       Float64,
		battery_pct     Int32,
		signal_strength Int32,
		sink_topic      LowCardinality(String),
		sink_offset     UInt64,
		payload_bytes   Int32
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(event_timestamp)
	ORDER BY (connection_id, event_timestamp, event_id)
	SETTINGS index_granularity = 8192`

	if err := d.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const chInsert = `
	INSERT INTO sensor_stream (event_id, connection_id, device_name, event_timestamp, event_date, ingested_at,
		latitude, longitude, altitude_m, heading_deg, pitch_deg, roll_deg,
		accel_x, accel_y, accel_z, accel_magnitude, gyro_x, gyro_y, gyro_z,
		speed_kmh, battery_pct, signal_strength, sink_topic, sink_offset, payload_bytes)
`

func chInsertArgs(s *telemetry.Sample, topic string, offset uint64) []interface{} {
	return []interface{}{
		s.EventID, s.ConnectionID, s.DeviceName, s.EventTimestamp, s.EventTimestamp, s.IngestedAt,
		s.Latitude, s.Longitude, s.AltitudeM, s.HeadingDeg, s.PitchDeg, s.RollDeg,
		s.AccelX, s.AccelY, s.AccelZ, s.AccelMagnitude, s.GyroX, s.GyroY, s.GyroZ,
		s.SpeedKMH, int32(s.BatteryPct), int32(s.SignalStrength), topic, offset, int32(s.PayloadBytes),
	}
}

// Append stores a single sample, implementing ingest.Sink.
func (d *ClickHouseDB) Append(ctx context.Context, s *telemetry.Sample) (ingest.Meta, error) {
	offset := d.offset.Add(1)
	err := d.conn.Exec(ctx, chInsert+`VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chInsertArgs(s, "clickhouse:sensor_stream", offset)...)
	if err != nil {
		return ingest.Meta{}, fmt.Errorf("insert sample: %w", err)
	}
	return ingest.Meta{Topic: "clickhouse:sensor_stream", Offset: offset}, nil
}

// InsertBatch stores multiple samples efficiently.
func (d *ClickHouseDB) InsertBatch(ctx context.Context, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, chInsert)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for i := range samples {
		s := &samples[i]
		if err := batch.Append(chInsertArgs(s, "clickhouse:sensor_stream", d.offset.Add(1))...); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Summary returns stream-wide aggregates, implementing query.Store.
func (d *ClickHouseDB) Summary(ctx context.Context, activeSince time.Time) (query.Summary, error) {
	var sum query.Summary
	var last time.Time
	row := d.conn.QueryRow(ctx, `
		SELECT count(),
		       uniqExactIf(connection_id, event_timestamp >= ?),
		       toUInt64(sum(payload_bytes)),
		       max(event_timestamp)
		FROM sensor_stream
	`, activeSince)
	if err := row.Scan(&sum.TotalEvents, &sum.ActiveConnections, &sum.TotalBytes, &last); err != nil {
		return query.Summary{}, fmt.Errorf("summary: %w", err)
	}
	if sum.TotalEvents > 0 {
		sum.LastEventTime = &last
	}
	return sum, nil
}

// Clients returns per-connection aggregates ordered by last event.
func (d *ClickHouseDB) Clients(ctx context.Context, activeSince time.Time) ([]query.Client, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT connection_id,
		       any(device_name),
		       count(),
		       toUInt64(sum(payload_bytes)),
		       min(event_timestamp),
		       max(event_timestamp),
		       avg(speed_kmh),
		       avg(battery_pct)
		FROM sensor_stream
		GROUP BY connection_id
		ORDER BY max(event_timestamp) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []query.Client
	for rows.Next() {
		var c query.Client
		if err := rows.Scan(&c.ConnectionID, &c.DeviceName, &c.TotalEvents, &c.TotalBytes,
			&c.FirstEvent, &c.LastEvent, &c.AvgSpeedKMH, &c.AvgBattery); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		c.IsActive = !c.LastEvent.Before(activeSince)
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return clients, nil
}

// Locations returns the latest position per connection.
func (d *ClickHouseDB) Locations(ctx context.Context) ([]query.Location, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT connection_id,
		       any(device_name),
		       argMax(latitude, event_timestamp),
		       argMax(longitude, event_timestamp),
		       argMax(heading_deg, event_timestamp),
		       argMax(speed_kmh, event_timestamp),
		       max(event_timestamp)
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
func (d *ClickHouseDB) Latest(ctx context.Context, connectionID string) (*telemetry.Sample, error) {
	rows, err := d.conn.Query(ctx, `
		SELECT event_id, connection_id, device_name, event_timestamp, ingested_at,
		       latitude, longitude, altitude_m, heading_deg, pitch_deg, roll_deg,
		       accel_x, accel_y, accel_z, accel_magnitude, gyro_x, gyro_y, gyro_z,
		       speed_kmh, battery_pct, signal_strength, sink_topic, sink_offset, payload_bytes
		FROM sensor_stream
		WHERE connection_id = ?
		ORDER BY event_timestamp DESC
		LIMIT 1
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var s telemetry.Sample
	var battery, signal, payload int32
	if err := rows.Scan(&s.EventID, &s.ConnectionID, &s.DeviceName, &s.EventTimestamp, &s.IngestedAt,
		&s.Latitude, &s.Longitude, &s.AltitudeM, &s.HeadingDeg, &s.PitchDeg, &s.RollDeg,
		&s.AccelX, &s.AccelY, &s.AccelZ, &s.AccelMagnitude, &s.GyroX, &s.GyroY, &s.GyroZ,
		&s.SpeedKMH, &battery, &signal, &s.SinkTopic, &s.SinkOffset, &payload); err != nil {
		return nil, fmt.Errorf("scan latest: %w", err)
	}
	s.BatteryPct = int(battery)
	s.SignalStrength = int(signal)
	s.PayloadBytes = int(payload)
	s.EventDate = s.EventTimestamp.Format("2006-01-02")
	return &s, nil
}

// Track returns the most recent limit points ascending by time.
func (d *ClickHouseDB) Track(ctx context.Context, connectionID string, limit int) ([]query.TrackPoint, error) {
	rows, err := d.conn.Query(ctx, `
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

// reverseTrack flips a newest-first result into ascending time order.
func reverseTrack(track []query.TrackPoint) {
	for i, j := 0, len(track)-1; i < j; i, j = i+1, j-1 {
		track[i], track[j] = track[j], track[i]
	}
}
