package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"zerostream/internal/hub"
	"zerostream/internal/query"
)

// Dashboard serves aggregate queries over the durable stream plus a
// live-updating SSE feed for dashboard clients.
type Dashboard struct {
	q        *query.Service
	hub      *hub.Hub
	port     int
	interval time.Duration
}

// NewDashboard wires the dashboard API over the query service and its
// own fan-out hub. interval paces the periodic broadcast.
func NewDashboard(q *query.Service, h *hub.Hub, port int, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	d := &Dashboard{q: q, hub: h, port: port, interval: interval}

	h.SetSnapshot(hub.ClassAggregate, func(string) hub.Message {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		update, err := d.buildUpdate(ctx)
		if err != nil {
			log.Printf("dashboard: init snapshot failed: %v", err)
			return nil
		}
		return hub.NewInit(update)
	})

	return d
}

// Run starts the HTTP server and blocks.
func (d *Dashboard) Run() error {
	addr := ":" + strconv.Itoa(d.port)
	log.Printf("Dashboard API starting at http://localhost%s", addr)
	return http.ListenAndServe(addr, d.Router())
}

// Router returns the configured chi router.
func (d *Dashboard) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", d.handleHealth)
		r.Route("/api/dashboard", func(r chi.Router) {
			r.Get("/summary", d.handleSummary)
			r.Get("/clients", d.handleClients)
			r.Get("/locations", d.handleLocations)
			r.Get("/track/{connection_id}", d.handleTrack)
			r.Get("/client/{connection_id}", d.handleClient)
		})
	})

	r.Get("/events/dashboard", d.handleEvents)

	return r
}

// RunBroadcaster periodically pushes a dashboard update to every
// subscriber until ctx is cancelled. Query failures skip the cycle.
func (d *Dashboard) RunBroadcaster(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.hub.Subscribers(hub.ClassAggregate) == 0 {
				continue
			}
			update, err := d.buildUpdate(ctx)
			if err != nil {
				log.Printf("dashboard: broadcast query failed: %v", err)
				continue
			}
			d.hub.Broadcast(hub.ClassAggregate, update)
		}
	}
}

func (d *Dashboard) buildUpdate(ctx context.Context) (hub.DashboardUpdate, error) {
	summary, err := d.q.Summary(ctx)
	if err != nil {
		return hub.DashboardUpdate{}, err
	}
	clients, err := d.q.Clients(ctx)
	if err != nil {
		return hub.DashboardUpdate{}, err
	}
	locations, err := d.q.Locations(ctx)
	if err != nil {
		return hub.DashboardUpdate{}, err
	}
	return hub.DashboardUpdate{
		Type:      "dashboard_update",
		Summary:   summary.Summary,
		Clients:   clients.Clients,
		Locations: locations.Locations,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (d *Dashboard) handleSummary(w http.ResponseWriter, r *http.Request) {
	res, err := d.q.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Dashboard) handleClients(w http.ResponseWriter, r *http.Request) {
	res, err := d.q.Clients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Dashboard) handleLocations(w http.ResponseWriter, r *http.Request) {
	res, err := d.q.Locations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Dashboard) handleTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connection_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res, err := d.q.Track(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Dashboard) handleClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connection_id")

	detail, err := d.q.Connection(r.Context(), id)
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("track_limit"))
	track, err := d.q.Track(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connection":  detail,
		"track":       track.Track,
		"track_count": track.Count,
	})
}

func (d *Dashboard) handleEvents(w http.ResponseWriter, r *http.Request) {
	serveSSE(w, r, d.hub, hub.ClassAggregate, "")
}
