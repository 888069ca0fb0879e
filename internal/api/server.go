// Package api provides the HTTP surfaces: the simulator control plane
// and the dashboard query API.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"zerostream/internal/hub"
	"zerostream/internal/ingest"
	"zerostream/internal/query"
	"zerostream/internal/sim"
)

// Server is the simulator control plane: configure/reset the fleet,
// inspect connections and counters, and stream live sensor updates.
type Server struct {
	reg   *sim.Registry
	sched *sim.Scheduler
	pub   *ingest.Publisher
	hub   *hub.Hub
	// q serves historical tracks on the connection detail endpoint.
	// Nil when the sink has no queryable history (NATS); the detail
	// endpoint then returns the live snapshot without a track.
	q    *query.Service
	port int
}

// NewServer wires the control plane over the fleet components and
// installs the hub's init snapshots.
func NewServer(reg *sim.Registry, sched *sim.Scheduler, pub *ingest.Publisher, h *hub.Hub, q *query.Service, port int) *Server {
	s := &Server{reg: reg, sched: sched, pub: pub, hub: h, q: q, port: port}

	h.SetSnapshot(hub.ClassAggregate, func(string) hub.Message {
		conns := reg.List()
		data := make(map[string]sim.Snapshot, len(conns))
		for _, c := range conns {
			data[c.ID] = c
		}
		return hub.NewInit(data)
	})
	h.SetSnapshot(hub.ClassDevice, func(connID string) hub.Message {
		snap, err := reg.Get(connID)
		if err != nil {
			return nil
		}
		return hub.NewInit(snap)
	})

	return s
}

// Run starts the HTTP server and blocks.
func (s *Server) Run() error {
	addr := ":" + strconv.Itoa(s.port)
	log.Printf("Simulator API starting at http://localhost%s", addr)
	return http.ListenAndServe(addr, s.Router())
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// CORS for browser access.
	r.Use(corsMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", s.handleHealth)
		r.Route("/api", func(r chi.Router) {
			r.Post("/reset", s.handleReset)
			r.Post("/stream/configure", s.handleConfigure)
			r.Get("/connections", s.handleConnections)
			r.Get("/connections/{connection_id}", s.handleConnectionDetail)
			r.Get("/stats", s.handleStats)
		})
	})

	// SSE stays outside the timeout middleware; it is long-lived.
	r.Get("/events/stream", s.handleEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	generation := s.reg.Reset()
	s.pub.ResetCounters()
	log.Printf("fleet reset, generation %d", generation)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": generation,
	})
}

// ConfigureRequest resizes the fleet and sets its active flag.
type ConfigureRequest struct {
	ConnectionCount int  `json:"connection_count"`
	Active          bool `json:"active"`
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req ConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ids, err := s.reg.Configure(req.ConnectionCount, req.Active)
	if err != nil {
		var verr *sim.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The fleet's active flag drives the tick loop.
	if req.Active {
		s.sched.Start()
	} else {
		s.sched.Stop()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"connection_count": len(ids),
		"active":           req.Active,
		"connection_ids":   ids,
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.reg.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"count":       len(conns),
		"streaming":   s.sched.State().String(),
		"stats":       s.pub.Stats(),
	})
}

func (s *Server) handleConnectionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connection_id")
	snap, err := s.reg.Get(id)
	if errors.Is(err, sim.ErrNotFound) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}

	resp := map[string]any{"connection": snap}

	if s.q != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("track_limit"))
		track, err := s.q.Track(r.Context(), id, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["track"] = track.Track
		resp["track_count"] = track.Count
		resp["elapsed_ms"] = track.ElapsedMS
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduler":   s.sched.State().String(),
		"ticks":       s.sched.Ticks(),
		"gen_errors":  s.sched.GenErrors(),
		"generation":  s.reg.Generation(),
		"connections": len(s.reg.List()),
		"publisher":   s.pub.Stats(),
		"subscribers": map[string]int{
			"aggregate": s.hub.Subscribers(hub.ClassAggregate),
			"device":    s.hub.Subscribers(hub.ClassDevice),
		},
		"evicted": s.hub.Evicted(),
	})
}

// handleEvents streams live sensor updates. Without connection_id the
// client receives whole tick batches; with it, only that device.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("connection_id")
	class := hub.ClassAggregate
	if connID != "" {
		if _, err := s.reg.Get(connID); errors.Is(err, sim.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		class = hub.ClassDevice
	}

	serveSSE(w, r, s.hub, class, connID)
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
