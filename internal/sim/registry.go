package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// view is the registry state published to readers. Rebuilt on every
// mutation so List/Get never block on a concurrent Configure.
type view struct {
	generation uint64
	order      []Snapshot
	byID       map[string]Snapshot
}

// Registry owns the set of simulated connections. All mutations
// (Configure, Reset, ApplyTick) serialize through a single writer lock;
// reads observe an atomically swapped immutable snapshot.
type Registry struct {
	mu  sync.Mutex
	gen *Generator

	conns      map[string]*Connection
	order      []string // creation order; shrink removes from the tail
	generation uint64

	snap atomic.Pointer[view]
}

// NewRegistry creates an empty registry that uses gen for randomized
// connection identity and initial physics state.
func NewRegistry(gen *Generator) *Registry {
	r := &Registry{
		gen:        gen,
		conns:      make(map[string]*Connection),
		generation: 1,
	}
	r.publishLocked()
	return r
}

// Configure resizes the connection set to exactly count and sets every
// connection's active flag. Growing creates fresh randomized connections;
// shrinking removes the most recently created first. Idempotent for
// repeated identical arguments. Returns the resulting connection ids.
func (r *Registry) Configure(count int, active bool) ([]string, error) {
	if count < 0 {
		return nil, &ValidationError{Field: "connection_count", Reason: "must be non-negative"}
	}
	if count > MaxConnections {
		return nil, &ValidationError{Field: "connection_count", Reason: fmt.Sprintf("must not exceed %d", MaxConnections)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.order) > count {
		last := r.order[len(r.order)-1]
		delete(r.conns, last)
		r.order = r.order[:len(r.order)-1]
	}
	for len(r.order) < count {
		id := uuid.NewString()[:8]
		if _, dup := r.conns[id]; dup {
			// Ids are unique for the lifetime of a generation; a clash
			// means the id space is corrupted and a supervisor restart
			// is the only safe recovery.
			panic(fmt.Sprintf("sim: duplicate connection id %q in generation %d", id, r.generation))
		}
		st, loc := r.gen.NewConnectionState()
		r.conns[id] = &Connection{
			ID:         id,
			DeviceName: DeviceName(id),
			City:       loc.City,
			CreatedAt:  time.Now().UTC(),
			State:      st,
		}
		r.order = append(r.order, id)
	}

	ids := make([]string, len(r.order))
	for i, id := range r.order {
		r.conns[id].Active = active
		ids[i] = id
	}

	r.publishLocked()
	return ids, nil
}

// Reset atomically clears all connections and starts a new generation.
// Returns the new generation id.
func (r *Registry) Reset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns = make(map[string]*Connection)
	r.order = nil
	r.generation++
	if r.generation == 0 {
		panic("sim: generation counter wrapped")
	}
	r.publishLocked()
	return r.generation
}

// Get returns the snapshot for one connection, or ErrNotFound.
func (r *Registry) Get(id string) (Snapshot, error) {
	v := r.snap.Load()
	s, ok := v.byID[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

// List returns an immutable snapshot of all connections in creation
// order. Never blocks on a concurrent Configure.
func (r *Registry) List() []Snapshot {
	return r.snap.Load().order
}

// Generation returns the current registry generation id.
func (r *Registry) Generation() uint64 {
	return r.snap.Load().generation
}

// TickResult carries one connection's advanced state back into the
// registry at the end of a tick.
type TickResult struct {
	ID       string
	State    State
	SampleAt time.Time
}

// ApplyTick commits a tick's generated states through the single-writer
// path. Connections removed by a concurrent Configure are skipped.
func (r *Registry) ApplyTick(results []TickResult) {
	if len(results) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range results {
		c, ok := r.conns[res.ID]
		if !ok {
			continue
		}
		c.State = res.State
		c.Seq++
		c.LastSampleAt = res.SampleAt
	}
	r.publishLocked()
}

// publishLocked rebuilds and swaps the read snapshot. Caller holds r.mu.
func (r *Registry) publishLocked() {
	v := &view{
		generation: r.generation,
		order:      make([]Snapshot, 0, len(r.order)),
		byID:       make(map[string]Snapshot, len(r.order)),
	}
	for _, id := range r.order {
		s := r.conns[id].snapshot()
		v.order = append(v.order, s)
		v.byID[id] = s
	}
	r.snap.Store(v)
}
