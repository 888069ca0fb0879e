// Package hub fans live telemetry out to connected subscribers. Each
// broadcast delivers a whole tick batch as one message, so subscribers
// never observe a partial tick, and subscribers that stop reading are
// evicted rather than allowed to stall the stream.
package hub

import (
	"time"

	"zerostream/internal/query"
	"zerostream/internal/telemetry"
)

// Message is anything the hub can deliver to a subscriber.
type Message interface {
	MessageType() string
}

// Init is the first message every subscriber receives: the current
// state for its class, so a fresh client renders without waiting for
// the next tick.
type Init struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MessageType implements Message.
func (Init) MessageType() string { return "init" }

// NewInit wraps data in an init message.
func NewInit(data any) Init {
	return Init{Type: "init", Data: data}
}

// SensorUpdate carries one tick's worth of samples keyed by connection
// id. Published is the sink's cumulative delivery count at broadcast
// time.
type SensorUpdate struct {
	Type      string                      `json:"type"`
	Data      map[string]telemetry.Sample `json:"data"`
	Count     int                         `json:"count"`
	Published uint64                      `json:"published"`
}

// MessageType implements Message.
func (SensorUpdate) MessageType() string { return "sensor_update" }

// DashboardUpdate carries a periodic aggregate refresh for dashboard
// subscribers.
type DashboardUpdate struct {
	Type      string           `json:"type"`
	Summary   query.Summary    `json:"summary"`
	Clients   []query.Client   `json:"clients"`
	Locations []query.Location `json:"locations"`
	Timestamp time.Time        `json:"timestamp"`
}

// MessageType implements Message.
func (DashboardUpdate) MessageType() string { return "dashboard_update" }
