// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package dispatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/frametrace/pkg/event"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Sink receives batches of records. Send may be called again with the same
// batch after a failure, so sinks must tolerate duplicates.
type Sink interface {
	Send(ctx context.Context, batch []event.Record) error
	Shutdown(ctx context.Context) error
}

// ErrShutdown is returned by Start after Shutdown.
var ErrShutdown = errors.New("dispatcher shut down")

const (
	defaultCapacity      = 2048
	defaultBatchSize     = 512
	defaultFlushInterval = 5 * time.Second
	defaultSendTimeout   = 30 * time.Second

	defaultMaxRetries = 3
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 5 * time.Second
	backoffFactor     = 2.0

	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

// Options configures a Dispatcher. Zero fields take defaults.
type Options struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
	SendTimeout   time.Duration
	MaxRetries    int
	// NoRetry disables retries regardless of MaxRetries.
	NoRetry bool
	Clock   clockz.Clock
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = defaultCapacity
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.BatchSize > o.Capacity {
		o.BatchSize = o.Capacity
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.NoRetry {
		o.MaxRetries = 0
	}
	if o.Clock == nil {
		o.Clock = clockz.RealClock
	}
	return o
}

// Stats is a point-in-time copy of the dispatcher counters.
type Stats struct {
	Submitted int64 // records offered to Submit
	Sent      int64 // records acknowledged by the sink
	Dropped   int64 // records evicted because the buffer was full
	Errors    int64 // batches discarded after failed sends
	Discarded int64 // records inside those batches
	Batches   int64 // batches acknowledged by the sink
	Buffered  int   // records waiting for the next flush
}

// Dispatcher buffers accepted records and forwards them to a Sink from a
// background worker. Submit never blocks on the sink: when the buffer is
// full the oldest record is evicted and counted.
type Dispatcher struct {
	logger  *zap.Logger
	sink    Sink
	opts    Options
	clock   clockz.Clock
	breaker *CircuitBreaker

	mu   sync.Mutex
	ring []event.Record
	head int
	size int

	kick    chan struct{}
	flushMu sync.Mutex

	submitted atomic.Int64
	sent      atomic.Int64
	dropped   atomic.Int64
	errCount  atomic.Int64
	discarded atomic.Int64
	batches   atomic.Int64

	lastDropped int64

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a dispatcher. Call Start to begin flushing.
func New(sink Sink, opts Options, logger *zap.Logger) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		logger: logger,
		sink:   sink,
		opts:   opts,
		clock:  opts.Clock,
		ring:   make([]event.Record, opts.Capacity),
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	d.breaker = NewCircuitBreaker(breakerThreshold, breakerReset).
		WithClock(opts.Clock).
		OnStateChange(d.logBreaker)
	return d
}

func (d *Dispatcher) logBreaker(from, to CircuitState) {
	switch to {
	case CircuitOpen:
		d.logger.Warn("sink circuit opened, discarding batches until it recovers",
			zap.Stringer("from", from),
			zap.Duration("retry_after", breakerReset),
		)
	case CircuitClosed:
		d.logger.Info("sink circuit closed", zap.Stringer("from", from))
	}
}

// Start launches the flush worker.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.closed.Load() {
		return ErrShutdown
	}
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.run(runCtx)

	d.logger.Info("dispatcher started",
		zap.Int("capacity", d.opts.Capacity),
		zap.Int("batch_size", d.opts.BatchSize),
		zap.Duration("flush_interval", d.opts.FlushInterval),
	)
	return nil
}

// Submit enqueues a record. It takes one short lock and never waits for
// the sink.
func (d *Dispatcher) Submit(r event.Record) {
	d.submitted.Add(1)
	if d.closed.Load() {
		d.dropped.Add(1)
		return
	}

	capacity := len(d.ring)

	d.mu.Lock()
	if d.size == capacity {
		d.ring[d.head] = event.Record{}
		d.head = (d.head + 1) % capacity
		d.size--
		d.dropped.Add(1)
	}
	d.ring[(d.head+d.size)%capacity] = r
	d.size++
	full := d.size >= d.opts.BatchSize
	d.mu.Unlock()

	if full {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
}

// take removes up to limit records from the front of the ring.
func (d *Dispatcher) take(limit int) []event.Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.size
	if n > limit {
		n = limit
	}
	if n == 0 {
		return nil
	}

	capacity := len(d.ring)
	batch := make([]event.Record, n)
	for i := 0; i < n; i++ {
		idx := (d.head + i) % capacity
		batch[i] = d.ring[idx]
		d.ring[idx] = event.Record{}
	}
	d.head = (d.head + n) % capacity
	d.size -= n
	return batch
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-d.clock.After(d.opts.FlushInterval):
			d.flush(ctx)
		case <-d.kick:
			d.flush(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Flush drains the buffer synchronously.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.flush(ctx)
}

func (d *Dispatcher) flush(ctx context.Context) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	for {
		batch := d.take(d.opts.BatchSize)
		if len(batch) == 0 {
			break
		}
		d.send(ctx, batch)
		if ctx.Err() != nil {
			break
		}
	}

	if dropped := d.dropped.Load(); dropped != d.lastDropped {
		d.logger.Warn("buffer full, dropped oldest records",
			zap.Int64("dropped", dropped-d.lastDropped),
			zap.Int64("dropped_total", dropped),
		)
		d.lastDropped = dropped
	}
}

// send delivers one batch with exponential backoff and the circuit breaker.
func (d *Dispatcher) send(ctx context.Context, batch []event.Record) {
	if !d.breaker.Allow() {
		d.discard(batch)
		d.logger.Debug("circuit breaker open, discarding batch",
			zap.Int("records", len(batch)),
		)
		return
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		err := d.sink.Send(sendCtx, batch)
		cancel()

		if err == nil {
			d.breaker.RecordSuccess()
			d.sent.Add(int64(len(batch)))
			d.batches.Add(1)
			return
		}

		d.breaker.RecordFailure()

		if attempt == d.opts.MaxRetries || ctx.Err() != nil || d.breaker.State() == CircuitOpen {
			d.logger.Error("send failed, discarding batch",
				zap.Int("records", len(batch)),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			d.discard(batch)
			return
		}

		d.logger.Warn("send failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-d.clock.After(backoff):
		case <-ctx.Done():
			d.discard(batch)
			return
		}

		// Exponential backoff with cap
		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
}

func (d *Dispatcher) discard(batch []event.Record) {
	d.errCount.Add(1)
	d.discarded.Add(int64(len(batch)))
}

// Shutdown stops the worker, performs a final flush bounded by ctx and shuts
// the sink down. Records still buffered when ctx expires are lost.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	if d.started.Load() {
		close(d.stopCh)
		select {
		case <-d.done:
		case <-ctx.Done():
			// Abort the in-flight send so the worker can exit.
			d.cancel()
			<-d.done
		}
		defer d.cancel()
	}

	d.flush(ctx)

	if err := d.sink.Shutdown(ctx); err != nil {
		d.logger.Warn("sink shutdown error", zap.Error(err))
	}

	st := d.Stats()
	d.logger.Info("dispatcher stopped",
		zap.Int64("sent", st.Sent),
		zap.Int64("dropped", st.Dropped),
		zap.Int64("errors", st.Errors),
		zap.Int("lost", st.Buffered),
	)
	return ctx.Err()
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	buffered := d.size
	d.mu.Unlock()

	return Stats{
		Submitted: d.submitted.Load(),
		Sent:      d.sent.Load(),
		Dropped:   d.dropped.Load(),
		Errors:    d.errCount.Load(),
		Discarded: d.discarded.Load(),
		Batches:   d.batches.Load(),
		Buffered:  buffered,
	}
}

// BreakerState reports the sink circuit breaker state.
func (d *Dispatcher) BreakerState() CircuitState {
	return d.breaker.State()
}
