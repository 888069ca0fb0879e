// Package telemetry defines the sensor sample record shared by the
// simulator, the ingestion publisher, and the storage backends.
package telemetry

import "time"

// Sample is one immutable telemetry event for a connection. Samples are
// created once per tick per active connection and never mutated after the
// publisher fills in the sink metadata.
type Sample struct {
	EventID      string `json:"event_id"`
	ConnectionID string `json:"connection_id"`
	DeviceName   string `json:"device_name"`

	EventTimestamp time.Time `json:"event_timestamp"`
	EventDate      string    `json:"event_date"`
	IngestedAt     time.Time `json:"ingested_at"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AltitudeM float64 `json:"altitude_m"`

	HeadingDeg float64 `json:"heading_deg"`
	PitchDeg   float64 `json:"pitch_deg"`
	RollDeg    float64 `json:"roll_deg"`

	AccelX         float64 `json:"accel_x"`
	AccelY         float64 `json:"accel_y"`
	AccelZ         float64 `json:"accel_z"`
	AccelMagnitude float64 `json:"accel_magnitude"`

	GyroX float64 `json:"gyro_x"`
	GyroY float64 `json:"gyro_y"`
	GyroZ float64 `json:"gyro_z"`

	SpeedKMH       float64 `json:"speed_kmh"`
	BatteryPct     int     `json:"battery_pct"`
	SignalStrength int     `json:"signal_strength"`

	// Sink metadata, filled in after a successful append.
	SinkTopic    string `json:"sink_topic,omitempty"`
	SinkOffset   uint64 `json:"sink_offset,omitempty"`
	PayloadBytes int    `json:"payload_bytes"`
}
