// Package ingest delivers telemetry samples to a durable append-only
// sink with at-least-once semantics, bounded retry, and backpressure.
package ingest

import (
	"context"

	"zerostream/internal/telemetry"
)

// Meta describes where an appended sample landed in the sink.
type Meta struct {
	Topic  string
	Offset uint64
}

// Sink is an external append-only ingestion target. Append must be safe
// for concurrent use and is expected to be at-least-once capable; the
// publisher retries failures, so duplicate appends are possible.
type Sink interface {
	Append(ctx context.Context, s *telemetry.Sample) (Meta, error)
	Close() error
}
