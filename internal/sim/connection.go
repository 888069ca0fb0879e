// Package sim owns the simulated device fleet: the connection registry,
// the per-tick telemetry generator, and the streaming scheduler.
package sim

import (
	"errors"
	"fmt"
	"time"
)

// MaxConnections is the platform cap on simulated connections.
const MaxConnections = 100

// ErrNotFound is returned when a connection id is unknown to the registry.
var ErrNotFound = errors.New("connection not found")

// ValidationError reports a rejected control-plane argument. The state is
// unchanged when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Connection is a simulated device session. Owned exclusively by the
// registry; everything outside the registry sees Snapshot copies.
type Connection struct {
	ID           string
	DeviceName   string
	City         string
	CreatedAt    time.Time
	Active       bool
	Seq          uint64
	LastSampleAt time.Time
	State        State
}

// Snapshot is an immutable point-in-time copy of a connection.
type Snapshot struct {
	ID           string    `json:"connection_id"`
	DeviceName   string    `json:"device_name"`
	City         string    `json:"city"`
	CreatedAt    time.Time `json:"created_at"`
	Active       bool      `json:"active"`
	EventCount   uint64    `json:"event_count"`
	LastSampleAt time.Time `json:"last_sample_at,omitzero"`
	State        State     `json:"state"`
}

func (c *Connection) snapshot() Snapshot {
	return Snapshot{
		ID:           c.ID,
		DeviceName:   c.DeviceName,
		City:         c.City,
		CreatedAt:    c.CreatedAt,
		Active:       c.Active,
		EventCount:   c.Seq,
		LastSampleAt: c.LastSampleAt,
		State:        c.State,
	}
}
