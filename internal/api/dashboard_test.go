package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zerostream/internal/hub"
	"zerostream/internal/query"
	"zerostream/internal/telemetry"
)

// cannedStore serves fixed dashboard data.
type cannedStore struct {
	latest *telemetry.Sample
}

func (c *cannedStore) Summary(ctx context.Context, activeSince time.Time) (query.Summary, error) {
	return query.Summary{TotalEvents: 10, ActiveConnections: 2, TotalBytes: 2560}, nil
}

func (c *cannedStore) Clients(ctx context.Context, activeSince time.Time) ([]query.Client, error) {
	return []query.Client{
		{ConnectionID: "aaa", DeviceName: "zetawave1", TotalEvents: 6},
		{ConnectionID: "bbb", DeviceName: "fluxnode2", TotalEvents: 4},
	}, nil
}

func (c *cannedStore) Locations(ctx context.Context) ([]query.Location, error) {
	return []query.Location{{ConnectionID: "aaa", Latitude: -33.8, Longitude: 151.2}}, nil
}

func (c *cannedStore) Latest(ctx context.Context, connectionID string) (*telemetry.Sample, error) {
	if connectionID != "aaa" {
		return nil, nil
	}
	return c.latest, nil
}

func (c *cannedStore) Track(ctx context.Context, connectionID string, limit int) ([]query.TrackPoint, error) {
	return []query.TrackPoint{{Latitude: -33.8}, {Latitude: -33.7}}, nil
}

func newDashboardEnv(t *testing.T) *httptest.Server {
	t.Helper()
	store := &cannedStore{latest: &telemetry.Sample{
		ConnectionID:   "aaa",
		DeviceName:     "zetawave1",
		EventTimestamp: time.Now().UTC(),
	}}
	q := query.NewService(store, query.DefaultConfig())
	h := hub.NewHub(hub.DefaultConfig())
	dash := NewDashboard(q, h, 0, time.Second)
	ts := httptest.NewServer(dash.Router())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func TestDashboardSummary(t *testing.T) {
	ts := newDashboardEnv(t)
	resp, body := getJSON(t, ts.URL+"/api/dashboard/summary")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["total_events"].(float64); got != 10 {
		t.Fatalf("total_events = %v, want 10", got)
	}
	if _, ok := body["elapsed_ms"]; !ok {
		t.Fatal("missing elapsed_ms")
	}
}

func TestDashboardClients(t *testing.T) {
	ts := newDashboardEnv(t)
	resp, body := getJSON(t, ts.URL+"/api/dashboard/clients")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["count"].(float64); got != 2 {
		t.Fatalf("count = %v, want 2", got)
	}
}

func TestDashboardTrack(t *testing.T) {
	ts := newDashboardEnv(t)
	resp, body := getJSON(t, ts.URL+"/api/dashboard/track/aaa?limit=50")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["count"].(float64); got != 2 {
		t.Fatalf("count = %v, want 2", got)
	}
}

func TestDashboardClientDetail(t *testing.T) {
	ts := newDashboardEnv(t)

	resp, body := getJSON(t, ts.URL+"/api/dashboard/client/aaa")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	conn := body["connection"].(map[string]any)
	if conn["is_active"] != true {
		t.Fatalf("is_active = %v, want true", conn["is_active"])
	}

	resp, _ = getJSON(t, ts.URL+"/api/dashboard/client/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d for unknown client, want 404", resp.StatusCode)
	}
}
