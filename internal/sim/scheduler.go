package sim

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"zerostream/internal/telemetry"
)

// SamplePublisher is the scheduler's view of the ingestion publisher.
// Publish must never block the tick loop.
type SamplePublisher interface {
	Publish(telemetry.Sample)
	Drain(deadline time.Duration) int
	Published() uint64
}

// BatchBroadcaster receives exactly one fully assembled batch per tick.
type BatchBroadcaster interface {
	SensorBatch(batch map[string]telemetry.Sample, published uint64)
}

// SchedulerState is the lifecycle state of the tick loop.
type SchedulerState int32

const (
	// StateStopped means no ticks fire and none are scheduled.
	StateStopped SchedulerState = iota
	// StateRunning is the only state in which ticks fire.
	StateRunning
	// StateDraining accepts no new ticks while in-flight publishes
	// complete, up to the drain deadline.
	StateDraining
)

func (s SchedulerState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// SchedulerConfig holds tick loop settings.
type SchedulerConfig struct {
	Interval      time.Duration
	DrainDeadline time.Duration
}

// DefaultSchedulerConfig returns the default tick loop settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:      time.Second,
		DrainDeadline: 5 * time.Second,
	}
}

// Scheduler drives the per-tick telemetry pipeline: generate a sample for
// every active connection, hand each to the publisher, then deliver one
// batch to the broadcaster.
type Scheduler struct {
	reg *Registry
	gen *Generator
	pub SamplePublisher
	hub BatchBroadcaster
	cfg SchedulerConfig

	state     atomic.Int32
	stop      chan struct{}
	wg        sync.WaitGroup
	ticks     atomic.Uint64
	genErrors atomic.Uint64
	lastTick  atomic.Int64 // unix nanos of the previous tick
}

// NewScheduler wires the tick loop to its collaborators.
func NewScheduler(reg *Registry, gen *Generator, pub SamplePublisher, hub BatchBroadcaster, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 5 * time.Second
	}
	return &Scheduler{reg: reg, gen: gen, pub: pub, hub: hub, cfg: cfg}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Ticks returns the number of ticks fired since creation.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// GenErrors returns the number of isolated per-connection generation
// failures.
func (s *Scheduler) GenErrors() uint64 {
	return s.genErrors.Load()
}

// Start transitions Stopped -> Running and launches the timer loop.
// Starting a scheduler that is not stopped is a no-op.
func (s *Scheduler) Start() {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return
	}
	s.stop = make(chan struct{})
	s.lastTick.Store(time.Now().UnixNano())
	s.wg.Add(1)
	go s.run(s.stop)
	log.Printf("scheduler: started (interval=%s)", s.cfg.Interval)
}

// Stop transitions Running -> Draining, cancels the timer immediately,
// waits up to the drain deadline for in-flight publishes, then lands in
// Stopped unconditionally. No new tick is scheduled until the next Start.
func (s *Scheduler) Stop() {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return
	}
	close(s.stop)
	s.wg.Wait()

	abandoned := s.pub.Drain(s.cfg.DrainDeadline)
	if abandoned > 0 {
		log.Printf("scheduler: drain deadline reached, %d publishes abandoned", abandoned)
	}
	s.state.Store(int32(StateStopped))
	log.Printf("scheduler: stopped")
}

func (s *Scheduler) run(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick(time.Now().UTC())
		}
	}
}

// tick runs one iteration of the pipeline: at most one sample per active
// connection, one publisher dispatch per sample, one batch at the end.
func (s *Scheduler) tick(now time.Time) {
	last := time.Unix(0, s.lastTick.Load())
	elapsed := now.Sub(last)
	s.lastTick.Store(now.UnixNano())

	snaps := s.reg.List()
	if len(snaps) == 0 {
		s.ticks.Add(1)
		return
	}

	batch := make(map[string]telemetry.Sample, len(snaps))
	results := make([]TickResult, 0, len(snaps))

	for _, c := range snaps {
		if !c.Active {
			continue
		}

		next, ok := s.advance(c.State, elapsed)
		if !ok {
			// Generation failure is isolated to this connection for this
			// tick; its prior state carries forward untouched.
			s.genErrors.Add(1)
			continue
		}

		ts := now
		if !ts.After(c.LastSampleAt) {
			ts = c.LastSampleAt.Add(time.Millisecond)
		}

		sample := buildSample(c, next, ts, s.gen.PayloadBytes())
		s.pub.Publish(sample)
		batch[c.ID] = sample
		results = append(results, TickResult{ID: c.ID, State: next, SampleAt: ts})
	}

	s.reg.ApplyTick(results)
	s.ticks.Add(1)

	if len(batch) > 0 {
		s.hub.SensorBatch(batch, s.pub.Published())
	}
}

// advance calls the generator with panic isolation. The generator clamps
// anomalies itself, so a panic here indicates a bug rather than bad data,
// but one connection's bug must not take the tick loop down.
func (s *Scheduler) advance(prev State, elapsed time.Duration) (next State, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: generation panic isolated: %v", r)
			ok = false
		}
	}()
	return s.gen.Next(prev, elapsed), true
}

func buildSample(c Snapshot, st State, ts time.Time, payloadBytes int) telemetry.Sample {
	return telemetry.Sample{
		EventID:        uuid.NewString(),
		ConnectionID:   c.ID,
		DeviceName:     c.DeviceName,
		EventTimestamp: ts,
		EventDate:      ts.Format("2006-01-02"),
		IngestedAt:     time.Now().UTC(),
		Latitude:       st.Latitude,
		Longitude:      st.Longitude,
		AltitudeM:      st.AltitudeM,
		HeadingDeg:     st.HeadingDeg,
		PitchDeg:       st.PitchDeg,
		RollDeg:        st.RollDeg,
		AccelX:         st.AccelX,
		AccelY:         st.AccelY,
		AccelZ:         st.AccelZ,
		AccelMagnitude: st.AccelMagnitude,
		GyroX:          st.GyroX,
		GyroY:          st.GyroY,
		GyroZ:          st.GyroZ,
		SpeedKMH:       st.SpeedKMH,
		BatteryPct:     st.BatteryPct,
		SignalStrength: st.SignalStrength,
		PayloadBytes:   payloadBytes,
	}
}
