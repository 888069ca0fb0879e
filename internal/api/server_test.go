package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"zerostream/internal/hub"
	"zerostream/internal/ingest"
	"zerostream/internal/sim"
	"zerostream/internal/telemetry"
)

// nullSink accepts every append.
type nullSink struct{}

func (nullSink) Append(ctx context.Context, s *telemetry.Sample) (ingest.Meta, error) {
	return ingest.Meta{Topic: "test", Offset: 1}, nil
}

func (nullSink) Close() error { return nil }

type testEnv struct {
	reg   *sim.Registry
	sched *sim.Scheduler
	pub   *ingest.Publisher
	hub   *hub.Hub
	ts    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	gen := sim.NewGenerator(1, 120)
	reg := sim.NewRegistry(gen)
	pub := ingest.NewPublisher(nullSink{}, ingest.DefaultPublisherConfig())
	h := hub.NewHub(hub.DefaultConfig())
	sched := sim.NewScheduler(reg, gen, pub, h, sim.SchedulerConfig{
		Interval:      time.Hour, // tests drive state explicitly
		DrainDeadline: 100 * time.Millisecond,
	})

	srv := NewServer(reg, sched, pub, h, nil, 0)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		sched.Stop()
		pub.Close()
	})

	return &testEnv{reg: reg, sched: sched, pub: pub, hub: h, ts: ts}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestConfigureValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		count int
	}{
		{"negative", -1},
		{"over maximum", sim.MaxConnections + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.postJSON(t, "/api/stream/configure",
				ConfigureRequest{ConnectionCount: tt.count, Active: false})
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if body["error"] == "" {
				t.Fatal("missing error message")
			}
		})
	}

	// Rejected calls leave the fleet untouched.
	if got := len(env.reg.List()); got != 0 {
		t.Fatalf("fleet size = %d after rejected configures, want 0", got)
	}
}

func TestConfigureRejectsBadJSON(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.ts.URL+"/api/stream/configure", "application/json",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConfigureAndList(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.postJSON(t, "/api/stream/configure",
		ConfigureRequest{ConnectionCount: 3, Active: false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["connection_count"].(float64); got != 3 {
		t.Fatalf("connection_count = %v, want 3", got)
	}

	resp, body = env.get(t, "/api/connections")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["count"].(float64); got != 3 {
		t.Fatalf("count = %v, want 3", got)
	}
	if body["streaming"] != "stopped" {
		t.Fatalf("streaming = %v, want stopped", body["streaming"])
	}
}

func TestConfigureActiveDrivesScheduler(t *testing.T) {
	env := newTestEnv(t)

	env.postJSON(t, "/api/stream/configure", ConfigureRequest{ConnectionCount: 2, Active: true})
	if env.sched.State() != sim.StateRunning {
		t.Fatalf("scheduler state = %v after active configure, want running", env.sched.State())
	}

	env.postJSON(t, "/api/stream/configure", ConfigureRequest{ConnectionCount: 2, Active: false})
	if env.sched.State() != sim.StateStopped {
		t.Fatalf("scheduler state = %v after inactive configure, want stopped", env.sched.State())
	}
}

func TestConnectionDetail(t *testing.T) {
	env := newTestEnv(t)
	ids, err := env.reg.Configure(1, true)
	if err != nil {
		t.Fatal(err)
	}

	resp, body := env.get(t, "/api/connections/"+ids[0])
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	conn := body["connection"].(map[string]any)
	if conn["connection_id"] != ids[0] {
		t.Fatalf("connection_id = %v, want %s", conn["connection_id"], ids[0])
	}

	resp, _ = env.get(t, "/api/connections/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d for unknown id, want 404", resp.StatusCode)
	}
}

func TestResetBumpsGeneration(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.reg.Configure(4, false); err != nil {
		t.Fatal(err)
	}

	resp, body := env.postJSON(t, "/api/reset", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["generation"].(float64); got != 2 {
		t.Fatalf("generation = %v, want 2", got)
	}
	if got := len(env.reg.List()); got != 0 {
		t.Fatalf("fleet size = %d after reset, want 0", got)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["scheduler"] != "stopped" {
		t.Fatalf("scheduler = %v, want stopped", body["scheduler"])
	}
	if _, ok := body["publisher"].(map[string]any); !ok {
		t.Fatalf("missing publisher counters: %v", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestEventStreamUnknownConnection(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/events/stream?connection_id=nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEventStreamDeliversInit(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.reg.Configure(2, false); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/events/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if data == "" {
		t.Fatalf("no data line received: %v", scanner.Err())
	}

	var init struct {
		Type string                  `json:"type"`
		Data map[string]sim.Snapshot `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if init.Type != "init" {
		t.Fatalf("first event type = %q, want init", init.Type)
	}
	if len(init.Data) != 2 {
		t.Fatalf("init carried %d connections, want 2", len(init.Data))
	}
}
