// Package recorder keeps the history of closed fluctuation windows and persists them
// asynchronously.
package recorder

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/leomon/errs"
	"github.com/coachpo/leomon/internal/domain/fluctuation"
	"github.com/coachpo/leomon/internal/domain/windowstore"
	"github.com/coachpo/leomon/internal/infra/telemetry"
	"github.com/coachpo/leomon/lib/async"
)

const (
	defaultHistory    = 256
	defaultMaxRetries = 5
	defaultTimeout    = 10 * time.Second
)

// Options configures a Recorder.
type Options struct {
	// Store persists windows. Nil keeps history in memory only.
	Store windowstore.Store
	// Pool runs persistence jobs. Required when Store is set.
	Pool       *async.Pool
	History    int
	// MaxRetries bounds the inserts attempted after the first one fails.
	MaxRetries uint
	Timeout    time.Duration
	Logger     *log.Logger
}

// Recorder is a fluctuation.Observer that remembers recently closed windows. WindowClosed never
// blocks: persistence is queued on the pool and a full queue drops the write, not the window.
type Recorder struct {
	store      windowstore.Store
	pool       *async.Pool
	logger     *log.Logger
	maxRetries uint
	timeout    time.Duration
	clock      func() time.Time
	newID      func() uuid.UUID
	backoff    func() backoff.BackOff

	mu      sync.Mutex
	ring    []windowstore.WindowRecord
	next    int
	filled  bool
	pending sync.WaitGroup

	persistDuration metric.Float64Histogram
	persistFailures metric.Int64Counter
}

// New constructs a Recorder.
func New(opts Options) (*Recorder, error) {
	if opts.Store != nil && opts.Pool == nil {
		return nil, errs.New("recorder", errs.CodeInvalid, errs.WithMessage("pool required when a store is configured"))
	}
	history := opts.History
	if history <= 0 {
		history = defaultHistory
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	r := new(Recorder)
	r.store = opts.Store
	r.pool = opts.Pool
	r.logger = logger
	r.maxRetries = retries
	r.timeout = timeout
	r.clock = time.Now
	r.newID = uuid.New
	r.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = 2 * time.Second
		return b
	}
	r.ring = make([]windowstore.WindowRecord, history)

	meter := otel.Meter("recorder")
	r.persistDuration, _ = meter.Float64Histogram(telemetry.RecorderPersistMetric,
		metric.WithDescription("Window persistence latency including retries"),
		metric.WithUnit("ms"))
	r.persistFailures, _ = meter.Int64Counter("monitor.recorder.persist.failures",
		metric.WithDescription("Windows that could not be persisted"),
		metric.WithUnit("{window}"))
	return r, nil
}

// ReconfigDetected implements fluctuation.Observer.
func (r *Recorder) ReconfigDetected(string, uint64, uint32) {}

// WindowStarted implements fluctuation.Observer.
func (r *Recorder) WindowStarted(string, uint64) {}

// ParseFailed implements fluctuation.Observer.
func (r *Recorder) ParseFailed(string, fluctuation.Field, string, error) {}

// WindowClosed implements fluctuation.Observer.
func (r *Recorder) WindowClosed(w fluctuation.Window) {
	rec := windowstore.WindowRecord{
		ID:            r.newID(),
		ContextID:     w.ContextID,
		ClosedAtMs:    w.ClosedAtMs,
		SampleCount:   w.SampleCount,
		LocalMin:      w.LocalMin,
		LocalMax:      w.LocalMax,
		LowRTT:        w.LowRTT,
		HighRTT:       w.HighRTT,
		FluctuationUs: w.FluctuationUs,
		RecordedAt:    r.clock().UTC(),
	}
	r.remember(rec)
	if r.store == nil {
		return
	}
	r.pending.Add(1)
	if err := r.pool.Submit(context.Background(), func(ctx context.Context) error {
		defer r.pending.Done()
		return r.persist(ctx, rec)
	}); err != nil {
		r.pending.Done()
		r.recordFailure(context.Background(), w.ContextID)
		r.logger.Printf("recorder: window %s for context=%s not queued: %v", rec.ID, rec.ContextID, err)
	}
}

func (r *Recorder) persist(ctx context.Context, rec windowstore.WindowRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.clock()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.store.Insert(ctx, rec)
		if err != nil && errs.Is(err, errs.CodeInvalid) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(r.backoff()), backoff.WithMaxTries(r.maxRetries+1))

	if r.persistDuration != nil {
		r.persistDuration.Record(ctx, float64(r.clock().Sub(start).Milliseconds()),
			metric.WithAttributes(telemetry.ContextAttributes(telemetry.Environment(), rec.ContextID)...))
	}
	if err != nil {
		r.recordFailure(ctx, rec.ContextID)
		r.logger.Printf("recorder: persist window %s for context=%s: %v", rec.ID, rec.ContextID, err)
		return err
	}
	return nil
}

func (r *Recorder) recordFailure(ctx context.Context, contextID string) {
	if r.persistFailures != nil {
		r.persistFailures.Add(ctx, 1,
			metric.WithAttributes(telemetry.ContextAttributes(telemetry.Environment(), contextID)...))
	}
}

func (r *Recorder) remember(rec windowstore.WindowRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = rec
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.filled = true
	}
}

// Recent returns up to limit windows from memory, newest first. An empty contextID matches every
// context; a non-positive limit returns everything retained.
func (r *Recorder) Recent(contextID string, limit int) []windowstore.WindowRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.filled {
		size = len(r.ring)
	}
	out := make([]windowstore.WindowRecord, 0, min(size, max(limit, 0)))
	for i := 0; i < size; i++ {
		idx := (r.next - 1 - i + len(r.ring)) % len(r.ring)
		rec := r.ring[idx]
		if contextID != "" && rec.ContextID != contextID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// History reads persisted windows when a store is configured and falls back to memory otherwise.
func (r *Recorder) History(ctx context.Context, contextID string, limit int) ([]windowstore.WindowRecord, error) {
	if r.store == nil {
		return r.Recent(contextID, limit), nil
	}
	records, err := r.store.ListRecent(ctx, contextID, limit)
	if err != nil {
		return nil, errs.New("recorder", errs.CodeStorage, errs.WithMessage("list windows"), errs.WithCause(err))
	}
	return records, nil
}

// Flush waits until every queued persistence job has finished or ctx expires.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errs.New("recorder", errs.CodeUnavailable, errs.WithMessage("flush interrupted")), ctx.Err())
	}
}
