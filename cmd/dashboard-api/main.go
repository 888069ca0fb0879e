// Package main runs the dashboard-api server.
//
// The dashboard API serves read-only aggregates over the durable sensor
// stream plus a live-updating SSE feed. It reads whichever store the
// fleet writes to: ClickHouse directly, the Postgres synced table, or
// the local SQLite file.
//
// Usage:
//
//	dashboard-api [options]
//
// Options:
//
//	-config PATH        YAML config file (env: ZEROSTREAM_CONFIG)
//	-port N             HTTP port (overrides config)
//	-store KIND         Store backend: clickhouse, postgres, sqlite (overrides config)
//
// API Endpoints:
//
//	GET /api/dashboard/summary
//	    Stream-wide totals: events, active connections, bytes, last event.
//
//	GET /api/dashboard/clients
//	    Per-connection aggregates ordered by last event.
//
//	GET /api/dashboard/locations
//	    Latest position per connection.
//
//	GET /api/dashboard/track/{connection_id}?limit=N
//	    Recent track for one connection, ascending by time.
//
//	GET /api/dashboard/client/{connection_id}?track_limit=N
//	    One connection's latest sample, activity, and track.
//
//	GET /events/dashboard
//	    SSE feed of periodic dashboard updates.
//
//	GET /health
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"zerostream/internal/api"
	"zerostream/internal/config"
	"zerostream/internal/hub"
	"zerostream/internal/query"
	"zerostream/internal/storage"
)

func main() {
	cfgPath := flag.String("config", envOrDefault("ZEROSTREAM_CONFIG", ""), "YAML config file")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	storeKind := flag.String("store", "", "Store backend: clickhouse, postgres, sqlite (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.HTTP.DashboardPort = *port
	}

	// The dashboard reads history; the NATS sink has none to read, so a
	// NATS deployment points the dashboard at the synced Postgres table.
	kind := cfg.Sink.Kind
	if kind == "nats" {
		kind = storage.KindPostgres
	}
	if *storeKind != "" {
		kind = *storeKind
	}

	ctx := context.Background()
	store, err := storage.OpenStore(ctx, storage.Config{
		Kind:       kind,
		SQLitePath: cfg.Sink.SQLitePath,
		ClickHouse: storage.ClickHouseConfig{
			Host:     cfg.Sink.ClickHouse.Host,
			Port:     cfg.Sink.ClickHouse.Port,
			Database: cfg.Sink.ClickHouse.Database,
			User:     cfg.Sink.ClickHouse.User,
			Password: cfg.Sink.ClickHouse.Password,
		},
		Postgres: storage.PostgresConfig{
			Host:     cfg.Sink.Postgres.Host,
			Port:     cfg.Sink.Postgres.Port,
			Database: cfg.Sink.Postgres.Database,
			User:     cfg.Sink.Postgres.User,
			Password: cfg.Sink.Postgres.Password,
			SSLMode:  cfg.Sink.Postgres.SSLMode,
		},
	})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	q := query.NewService(store, query.Config{
		ActiveWindow:      time.Duration(cfg.Stream.ActiveWindowSec) * time.Second,
		TrackLimitDefault: cfg.Query.TrackLimitDefault,
		TrackLimitMax:     cfg.Query.TrackLimitMax,
	})

	h := hub.NewHub(hub.Config{SubscriberBuffer: cfg.Hub.SubscriberBuffer})

	dash := api.NewDashboard(q, h, cfg.HTTP.DashboardPort,
		time.Duration(cfg.Query.DashboardIntervalMS)*time.Millisecond)

	go dash.RunBroadcaster(ctx)

	log.Printf("dashboard store: %s", kind)
	if err := dash.Run(); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
