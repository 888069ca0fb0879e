// Package main runs the zerostream fleet simulator.
//
// The simulator owns the virtual device fleet: a seedable telemetry
// generator, the connection registry, the tick scheduler, the ingestion
// publisher, and the live fan-out hub, all fronted by the control-plane
// HTTP API.
//
// Usage:
//
//	zerostream [options]
//
// Options:
//
//	-config PATH        YAML config file (env: ZEROSTREAM_CONFIG)
//	-port N             HTTP port (overrides config)
//	-sink KIND          Sink backend: nats, clickhouse, sqlite (overrides config)
//	-seed N             Generator seed; 0 seeds from the clock (overrides config)
//	-connections N      Initial fleet size
//	-active             Start streaming immediately
//
// API Endpoints:
//
//	POST /api/reset
//	    Clear the fleet and counters, start a new generation.
//
//	POST /api/stream/configure
//	    Resize the fleet and set its active flag.
//	    Body: {"connection_count": 10, "active": true}
//
//	GET /api/connections
//	    List connection snapshots plus streaming state and counters.
//
//	GET /api/connections/{connection_id}?track_limit=N
//	    One connection's snapshot plus its recent track.
//
//	GET /api/stats
//	    Scheduler, publisher, and hub counters.
//
//	GET /events/stream?connection_id=ID
//	    SSE feed of live sensor batches; connection_id filters to one
//	    device.
//
//	GET /health
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"zerostream/internal/api"
	"zerostream/internal/config"
	"zerostream/internal/hub"
	"zerostream/internal/ingest"
	"zerostream/internal/query"
	"zerostream/internal/sim"
	"zerostream/internal/storage"
)

func main() {
	cfgPath := flag.String("config", envOrDefault("ZEROSTREAM_CONFIG", ""), "YAML config file")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	sinkKind := flag.String("sink", "", "Sink backend: nats, clickhouse, sqlite (overrides config)")
	seed := flag.Int64("seed", 0, "Generator seed; 0 seeds from the clock (overrides config)")
	connections := flag.Int("connections", 0, "Initial fleet size")
	active := flag.Bool("active", false, "Start streaming immediately")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.HTTP.Port = *port
	}
	if *sinkKind != "" {
		cfg.Sink.Kind = *sinkKind
	}
	if *seed != 0 {
		cfg.Stream.Seed = *seed
	}

	setupLogging(cfg.Log)

	ctx := context.Background()

	// Open the sink; local backends double as the query store.
	var (
		sink  ingest.Sink
		store storage.Store
	)
	switch cfg.Sink.Kind {
	case "nats":
		nsink, err := ingest.OpenNATS(ctx, ingest.NATSConfig{
			URL:     cfg.Sink.NATS.URL,
			Stream:  cfg.Sink.NATS.Stream,
			Subject: cfg.Sink.NATS.Subject,
		})
		if err != nil {
			log.Fatalf("Failed to open NATS sink: %v", err)
		}
		sink = nsink
	case "clickhouse":
		ch, err := storage.OpenClickHouse(ctx, storage.ClickHouseConfig{
			Host:     cfg.Sink.ClickHouse.Host,
			Port:     cfg.Sink.ClickHouse.Port,
			Database: cfg.Sink.ClickHouse.Database,
			User:     cfg.Sink.ClickHouse.User,
			Password: cfg.Sink.ClickHouse.Password,
		})
		if err != nil {
			log.Fatalf("Failed to open ClickHouse sink: %v", err)
		}
		sink, store = ch, ch
	case "sqlite":
		db, err := storage.OpenSQLite(ctx, cfg.Sink.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open SQLite sink: %v", err)
		}
		sink, store = db, db
	}
	defer sink.Close()

	seedVal := cfg.Stream.Seed
	if seedVal == 0 {
		seedVal = time.Now().UnixNano()
	}
	gen := sim.NewGenerator(seedVal, cfg.Stream.MaxSpeedKMH)
	reg := sim.NewRegistry(gen)

	pub := ingest.NewPublisher(sink, ingest.PublisherConfig{
		QueueCapacity:  cfg.Publisher.QueueCapacity,
		Workers:        cfg.Publisher.Workers,
		MaxRetries:     cfg.Publisher.MaxRetries,
		BackoffBase:    time.Duration(cfg.Publisher.BackoffBaseMS) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Publisher.BackoffMaxMS) * time.Millisecond,
		PublishTimeout: time.Duration(cfg.Publisher.PublishTimeoutMS) * time.Millisecond,
	})
	defer pub.Close()

	h := hub.NewHub(hub.Config{SubscriberBuffer: cfg.Hub.SubscriberBuffer})

	sched := sim.NewScheduler(reg, gen, pub, h, sim.SchedulerConfig{
		Interval:      time.Duration(cfg.Stream.IntervalMS) * time.Millisecond,
		DrainDeadline: time.Duration(cfg.Publisher.DrainDeadlineMS) * time.Millisecond,
	})

	var q *query.Service
	if store != nil {
		q = query.NewService(store, query.Config{
			ActiveWindow:      time.Duration(cfg.Stream.ActiveWindowSec) * time.Second,
			TrackLimitDefault: cfg.Query.TrackLimitDefault,
			TrackLimitMax:     cfg.Query.TrackLimitMax,
		})
	}

	srv := api.NewServer(reg, sched, pub, h, q, cfg.HTTP.Port)

	if *connections > 0 {
		if _, err := reg.Configure(*connections, *active); err != nil {
			log.Fatalf("Failed to configure initial fleet: %v", err)
		}
		if *active {
			sched.Start()
		}
		log.Printf("fleet configured: %d connections, active=%v", *connections, *active)
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Simulator API starting at http://localhost%s (sink=%s)", httpSrv.Addr, cfg.Sink.Kind)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		log.Printf("shutting down")
	case err := <-errCh:
		log.Fatalf("HTTP server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	// Stop ticks first so the publisher can drain what remains.
	sched.Stop()
}

func setupLogging(cfg config.LogConfig) {
	if cfg.File == "" {
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}))
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
