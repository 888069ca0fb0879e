package hub

import (
	"errors"
	"sync"

	"zerostream/internal/telemetry"
)

// Class selects which stream a subscriber receives.
type Class string

const (
	// ClassAggregate receives every broadcast for the whole fleet.
	ClassAggregate Class = "aggregate"
	// ClassDevice receives only batches containing its connection id.
	ClassDevice Class = "device"
)

// ErrDeviceIDRequired is returned when a device-class subscription
// omits the connection id.
var ErrDeviceIDRequired = errors.New("device subscription requires a connection id")

// Config holds hub tuning.
type Config struct {
	// SubscriberBuffer is each subscriber's channel capacity. A
	// subscriber whose buffer is full when a broadcast arrives is
	// evicted.
	SubscriberBuffer int
}

// DefaultConfig returns a buffer deep enough to ride out brief stalls.
func DefaultConfig() Config {
	return Config{SubscriberBuffer: 16}
}

// Subscriber is one attached client. Read from C until it is closed;
// the hub closes it on eviction, Close closes it on normal detach.
type Subscriber struct {
	hub    *Hub
	class  Class
	connID string
	ch     chan Message
	closed bool
}

// C is the subscriber's message stream.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Close detaches the subscriber and closes its channel. Safe to call
// after eviction.
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	s.hub.removeLocked(s)
	s.hub.mu.Unlock()
}

// SnapshotFunc builds the init message for a new subscriber. For
// device-class subscribers connID is the requested connection; for
// aggregate subscribers it is empty. Returning nil skips the init.
type SnapshotFunc func(connID string) Message

// Hub is the live fan-out point between the tick loop and attached
// clients. All delivery is non-blocking: a full subscriber is evicted,
// never waited on.
type Hub struct {
	mu        sync.Mutex
	buffer    int
	subs      map[*Subscriber]struct{}
	snapshots map[Class]SnapshotFunc
	evicted   uint64
}

// NewHub creates an empty hub.
func NewHub(cfg Config) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	return &Hub{
		buffer:    cfg.SubscriberBuffer,
		subs:      make(map[*Subscriber]struct{}),
		snapshots: make(map[Class]SnapshotFunc),
	}
}

// SetSnapshot installs the init-message builder for a class.
func (h *Hub) SetSnapshot(class Class, fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshots[class] = fn
	h.mu.Unlock()
}

// Subscribe attaches a new subscriber. The init snapshot is placed in
// the channel before any broadcast can reach it, so the first message
// read is always the init. connID is required for ClassDevice and
// ignored otherwise.
func (h *Hub) Subscribe(class Class, connID string) (*Subscriber, error) {
	if class == ClassDevice && connID == "" {
		return nil, ErrDeviceIDRequired
	}

	sub := &Subscriber{
		hub:    h,
		class:  class,
		connID: connID,
		ch:     make(chan Message, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if fn := h.snapshots[class]; fn != nil {
		if msg := fn(connID); msg != nil {
			sub.ch <- msg
		}
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

// Broadcast delivers msg to every subscriber of class.
func (h *Hub) Broadcast(class Class, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.class == class {
			h.sendLocked(sub, msg)
		}
	}
}

// SensorBatch delivers one tick's samples: the whole batch to aggregate
// subscribers, and a single-sample update to each device subscriber
// whose connection appears in the batch.
func (h *Hub) SensorBatch(batch map[string]telemetry.Sample, published uint64) {
	if len(batch) == 0 {
		return
	}

	agg := SensorUpdate{
		Type:      "sensor_update",
		Data:      batch,
		Count:     len(batch),
		Published: published,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var perDevice map[string]SensorUpdate
	for sub := range h.subs {
		switch sub.class {
		case ClassAggregate:
			h.sendLocked(sub, agg)
		case ClassDevice:
			sample, ok := batch[sub.connID]
			if !ok {
				continue
			}
			if perDevice == nil {
				perDevice = make(map[string]SensorUpdate)
			}
			msg, ok := perDevice[sub.connID]
			if !ok {
				msg = SensorUpdate{
					Type:      "sensor_update",
					Data:      map[string]telemetry.Sample{sub.connID: sample},
					Count:     1,
					Published: published,
				}
				perDevice[sub.connID] = msg
			}
			h.sendLocked(sub, msg)
		}
	}
}

// Subscribers counts the attached subscribers of class.
func (h *Hub) Subscribers(class Class) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for sub := range h.subs {
		if sub.class == class {
			n++
		}
	}
	return n
}

// Evicted returns the cumulative count of slow subscribers dropped.
func (h *Hub) Evicted() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evicted
}

// sendLocked delivers without blocking; a full subscriber is evicted.
func (h *Hub) sendLocked(sub *Subscriber, msg Message) {
	select {
	case sub.ch <- msg:
	default:
		h.removeLocked(sub)
		h.evicted++
	}
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(h.subs, sub)
}
