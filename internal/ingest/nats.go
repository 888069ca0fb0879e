package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"zerostream/internal/telemetry"
)

// NATSConfig holds JetStream sink connection settings.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
}

// DefaultNATSConfig returns settings for a local NATS server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:     nats.DefaultURL,
		Stream:  "SENSOR_STREAM",
		Subject: "sensor.stream",
	}
}

// NATSSink appends samples to a JetStream stream. The stream sequence of
// the acknowledged publish becomes the sink offset.
type NATSSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

// OpenNATS connects to NATS and ensures the target stream exists.
func OpenNATS(ctx context.Context, cfg NATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("zerostream-publisher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &NATSSink{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Append publishes one sample, keyed by connection id in the subject.
func (s *NATSSink) Append(ctx context.Context, sample *telemetry.Sample) (Meta, error) {
	data, err := json.Marshal(sample)
	if err != nil {
		return Meta{}, fmt.Errorf("marshal sample: %w", err)
	}

	ack, err := s.js.Publish(ctx, s.subject+"."+sample.ConnectionID, data,
		jetstream.WithMsgID(sample.EventID))
	if err != nil {
		return Meta{}, fmt.Errorf("publish sample: %w", err)
	}

	return Meta{Topic: s.subject, Offset: ack.Sequence}, nil
}

// Close drains the connection so buffered publishes flush before exit.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
