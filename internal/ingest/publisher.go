package ingest

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"zerostream/internal/telemetry"
)

// PublisherConfig holds retry and backpressure settings.
type PublisherConfig struct {
	// QueueCapacity bounds the pending queue; on overflow the oldest
	// unsent sample is dropped and counted.
	QueueCapacity int
	// Workers bounds publish concurrency.
	Workers int
	// MaxRetries is the number of re-attempts per sample before it is
	// dropped and counted.
	MaxRetries int
	// BackoffBase and BackoffMax bound the exponential retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// PublishTimeout caps a single sink append attempt.
	PublishTimeout time.Duration
}

// DefaultPublisherConfig returns settings suitable for a demo fleet.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		QueueCapacity:  1000,
		Workers:        4,
		MaxRetries:     5,
		BackoffBase:    200 * time.Millisecond,
		BackoffMax:     5 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// Stats is a point-in-time view of the publisher counters. Failures are
// surfaced here, never as errors to the tick loop.
type Stats struct {
	Published  uint64 `json:"published"`
	Dropped    uint64 `json:"dropped"`
	Retries    uint64 `json:"retries"`
	Failures   uint64 `json:"failures"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   int    `json:"in_flight"`
}

type queued struct {
	sample    telemetry.Sample
	attempts  int
	notBefore time.Time
}

// Publisher drains a bounded queue of samples into a Sink with a worker
// pool. Publish never blocks and never grows memory beyond the queue
// capacity.
type Publisher struct {
	sink Sink
	cfg  PublisherConfig

	mu      sync.Mutex
	pending []queued
	notify  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64
	inflight  atomic.Int64
}

// NewPublisher creates a publisher over sink and starts its workers.
func NewPublisher(sink Sink, cfg PublisherConfig) *Publisher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	p := &Publisher{
		sink:   sink,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Publish enqueues a sample for at-least-once delivery. On a full queue
// the oldest unsent sample is dropped and counted; the caller is never
// blocked.
func (p *Publisher) Publish(s telemetry.Sample) {
	p.mu.Lock()
	if len(p.pending) >= p.cfg.QueueCapacity {
		p.pending = p.pending[1:]
		p.dropped.Add(1)
	}
	p.pending = append(p.pending, queued{sample: s})
	p.mu.Unlock()
	p.wake()
}

// Published returns the cumulative count of successful appends.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Stats returns the current counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	depth := len(p.pending)
	p.mu.Unlock()
	return Stats{
		Published:  p.published.Load(),
		Dropped:    p.dropped.Load(),
		Retries:    p.retries.Load(),
		Failures:   p.failures.Load(),
		QueueDepth: depth,
		InFlight:   int(p.inflight.Load()),
	}
}

// ResetCounters zeroes the cumulative counters. Pending work is kept.
func (p *Publisher) ResetCounters() {
	p.published.Store(0)
	p.dropped.Store(0)
	p.retries.Store(0)
	p.failures.Store(0)
}

// Drain waits up to deadline for the queue and in-flight appends to
// finish. Whatever remains afterwards is abandoned and counted as
// dropped; the number abandoned is returned.
func (p *Publisher) Drain(deadline time.Duration) int {
	limit := time.Now().Add(deadline)
	for time.Now().Before(limit) {
		p.mu.Lock()
		depth := len(p.pending)
		p.mu.Unlock()
		if depth == 0 && p.inflight.Load() == 0 {
			return 0
		}
		time.Sleep(10 * time.Millisecond)
	}

	p.mu.Lock()
	abandoned := len(p.pending)
	p.pending = nil
	p.mu.Unlock()
	abandoned += int(p.inflight.Load())
	p.dropped.Add(uint64(abandoned))
	return abandoned
}

// Close stops the workers. Pending samples are not delivered; callers
// that need delivery should Drain first.
func (p *Publisher) Close() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Publisher) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// next pops the first ready item. When only backed-off items remain it
// reports how long until the earliest becomes ready.
func (p *Publisher) next() (queued, bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	wait := 50 * time.Millisecond
	for i, it := range p.pending {
		if it.notBefore.After(now) {
			if d := time.Until(it.notBefore); d < wait {
				wait = d
			}
			continue
		}
		p.pending = append(p.pending[:i], p.pending[i+1:]...)
		return it, true, 0
	}
	return queued{}, false, wait
}

func (p *Publisher) requeue(it queued) {
	p.mu.Lock()
	if len(p.pending) >= p.cfg.QueueCapacity {
		p.pending = p.pending[1:]
		p.dropped.Add(1)
	}
	p.pending = append(p.pending, it)
	p.mu.Unlock()
	p.wake()
}

func (p *Publisher) worker() {
	defer p.wg.Done()

	for {
		it, ok, wait := p.next()
		if !ok {
			select {
			case <-p.stop:
				return
			case <-p.notify:
			case <-time.After(wait):
			}
			continue
		}

		select {
		case <-p.stop:
			// Put it back so Drain accounting stays exact.
			p.requeue(it)
			return
		default:
		}

		p.attempt(it)
	}
}

func (p *Publisher) attempt(it queued) {
	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	meta, err := p.sink.Append(ctx, &it.sample)
	cancel()

	if err == nil {
		it.sample.SinkTopic = meta.Topic
		it.sample.SinkOffset = meta.Offset
		p.published.Add(1)
		return
	}

	if it.attempts >= p.cfg.MaxRetries {
		p.failures.Add(1)
		p.dropped.Add(1)
		log.Printf("publisher: dropping sample %s after %d attempts: %v", it.sample.EventID, it.attempts+1, err)
		return
	}

	it.attempts++
	it.notBefore = time.Now().Add(p.backoff(it.attempts))
	p.retries.Add(1)
	p.requeue(it)
}

func (p *Publisher) backoff(attempt int) time.Duration {
	d := p.cfg.BackoffBase << (attempt - 1)
	if d > p.cfg.BackoffMax || d <= 0 {
		return p.cfg.BackoffMax
	}
	return d
}
