// Package query serves read-only aggregate queries over the durable
// sensor history. It is stateless and independent of the live tick loop:
// a just-published sample may not be visible yet, which is expected and
// not an error.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zerostream/internal/telemetry"
)

// ErrNotFound is returned when a connection id has no recorded samples.
var ErrNotFound = errors.New("connection not found")

// Summary aggregates the whole stream for the dashboard header.
type Summary struct {
	TotalEvents       uint64     `json:"total_events"`
	ActiveConnections uint64     `json:"active_connections"`
	TotalBytes        uint64     `json:"total_bytes"`
	LastEventTime     *time.Time `json:"last_event_time,omitempty"`
}

// Client is one connection's aggregate row in the dashboard list.
type Client struct {
	ConnectionID string    `json:"connection_id"`
	DeviceName   string    `json:"device_name"`
	TotalEvents  uint64    `json:"total_events"`
	TotalBytes   uint64    `json:"total_bytes"`
	FirstEvent   time.Time `json:"first_event"`
	LastEvent    time.Time `json:"last_event"`
	AvgSpeedKMH  float64   `json:"avg_speed_kmh"`
	AvgBattery   float64   `json:"avg_battery"`
	IsActive     bool      `json:"is_active"`
}

// Location is the latest known position of one connection.
type Location struct {
	ConnectionID   string    `json:"connection_id"`
	DeviceName     string    `json:"device_name"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	HeadingDeg     float64   `json:"heading_deg"`
	SpeedKMH       float64   `json:"speed_kmh"`
	EventTimestamp time.Time `json:"event_timestamp"`
}

// TrackPoint is one point of a connection's historical track.
type TrackPoint struct {
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	EventTime  time.Time `json:"event_time"`
	SpeedKMH   float64   `json:"speed_kmh"`
	HeadingDeg float64   `json:"heading_deg"`
}

// Store is the durable history the service reads. Implementations exist
// for ClickHouse, the Postgres synced table, and local SQLite.
type Store interface {
	// Summary aggregates the stream; activeSince bounds the active
	// connection count.
	Summary(ctx context.Context, activeSince time.Time) (Summary, error)
	// Clients lists per-connection aggregates; activeSince derives
	// each row's IsActive.
	Clients(ctx context.Context, activeSince time.Time) ([]Client, error)
	// Locations returns the latest position per connection.
	Locations(ctx context.Context) ([]Location, error)
	// Latest returns the newest sample for one connection, or nil when
	// the connection has no history.
	Latest(ctx context.Context, connectionID string) (*telemetry.Sample, error)
	// Track returns the most recent limit samples for one connection
	// in ascending time order.
	Track(ctx context.Context, connectionID string, limit int) ([]TrackPoint, error)
}

// Config bounds the service's query behaviour.
type Config struct {
	ActiveWindow      time.Duration
	TrackLimitDefault int
	TrackLimitMax     int
}

// DefaultConfig mirrors the dashboard defaults.
func DefaultConfig() Config {
	return Config{
		ActiveWindow:      15 * time.Second,
		TrackLimitDefault: 200,
		TrackLimitMax:     500,
	}
}

// Service is the aggregation query service.
type Service struct {
	store Store
	cfg   Config
}

// NewService creates a query service over store.
func NewService(store Store, cfg Config) *Service {
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = 15 * time.Second
	}
	if cfg.TrackLimitDefault <= 0 {
		cfg.TrackLimitDefault = 200
	}
	if cfg.TrackLimitMax < cfg.TrackLimitDefault {
		cfg.TrackLimitMax = cfg.TrackLimitDefault
	}
	return &Service{store: store, cfg: cfg}
}

// SummaryResult is a summary plus the wall-clock cost of producing it.
type SummaryResult struct {
	Summary
	ElapsedMS float64 `json:"elapsed_ms"`
}

// Summary returns stream-wide aggregates.
func (s *Service) Summary(ctx context.Context) (SummaryResult, error) {
	start := time.Now()
	sum, err := s.store.Summary(ctx, start.Add(-s.cfg.ActiveWindow))
	if err != nil {
		return SummaryResult{}, fmt.Errorf("query summary: %w", err)
	}
	return SummaryResult{Summary: sum, ElapsedMS: elapsedMS(start)}, nil
}

// ClientsResult is the dashboard client list.
type ClientsResult struct {
	Clients   []Client `json:"clients"`
	Count     int      `json:"count"`
	ElapsedMS float64  `json:"elapsed_ms"`
}

// Clients returns per-connection aggregates.
func (s *Service) Clients(ctx context.Context) (ClientsResult, error) {
	start := time.Now()
	clients, err := s.store.Clients(ctx, start.Add(-s.cfg.ActiveWindow))
	if err != nil {
		return ClientsResult{}, fmt.Errorf("query clients: %w", err)
	}
	return ClientsResult{Clients: clients, Count: len(clients), ElapsedMS: elapsedMS(start)}, nil
}

// LocationsResult is the latest position per connection.
type LocationsResult struct {
	Locations []Location `json:"locations"`
	Count     int        `json:"count"`
	ElapsedMS float64    `json:"elapsed_ms"`
}

// Locations returns the latest position per connection.
func (s *Service) Locations(ctx context.Context) (LocationsResult, error) {
	start := time.Now()
	locs, err := s.store.Locations(ctx)
	if err != nil {
		return LocationsResult{}, fmt.Errorf("query locations: %w", err)
	}
	return LocationsResult{Locations: locs, Count: len(locs), ElapsedMS: elapsedMS(start)}, nil
}

// TrackResult is one connection's bounded track.
type TrackResult struct {
	ConnectionID string       `json:"connection_id"`
	Track        []TrackPoint `json:"track"`
	Count        int          `json:"count"`
	ElapsedMS    float64      `json:"elapsed_ms"`
}

// Track returns at most min(limit, max) points ascending by time. A
// non-positive limit selects the default.
func (s *Service) Track(ctx context.Context, connectionID string, limit int) (TrackResult, error) {
	start := time.Now()
	track, err := s.store.Track(ctx, connectionID, s.ClampTrackLimit(limit))
	if err != nil {
		return TrackResult{}, fmt.Errorf("query track: %w", err)
	}
	return TrackResult{
		ConnectionID: connectionID,
		Track:        track,
		Count:        len(track),
		ElapsedMS:    elapsedMS(start),
	}, nil
}

// ConnectionDetail is one connection's latest sample plus activity.
type ConnectionDetail struct {
	ConnectionID string            `json:"connection_id"`
	DeviceName   string            `json:"device_name"`
	Latest       *telemetry.Sample `json:"latest"`
	IsActive     bool              `json:"is_active"`
	ElapsedMS    float64           `json:"elapsed_ms"`
}

// Connection returns the latest sample for one connection and whether it
// falls inside the active window. Returns ErrNotFound when the connection
// has no recorded history.
func (s *Service) Connection(ctx context.Context, connectionID string) (ConnectionDetail, error) {
	start := time.Now()
	latest, err := s.store.Latest(ctx, connectionID)
	if err != nil {
		return ConnectionDetail{}, fmt.Errorf("query latest: %w", err)
	}
	if latest == nil {
		return ConnectionDetail{}, ErrNotFound
	}
	return ConnectionDetail{
		ConnectionID: connectionID,
		DeviceName:   latest.DeviceName,
		Latest:       latest,
		IsActive:     time.Since(latest.EventTimestamp) <= s.cfg.ActiveWindow,
		ElapsedMS:    elapsedMS(start),
	}, nil
}

// ClampTrackLimit bounds a requested track limit to the configured
// default and hard maximum.
func (s *Service) ClampTrackLimit(requested int) int {
	if requested <= 0 {
		return s.cfg.TrackLimitDefault
	}
	if requested > s.cfg.TrackLimitMax {
		return s.cfg.TrackLimitMax
	}
	return requested
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
