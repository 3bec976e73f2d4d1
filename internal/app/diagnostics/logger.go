// Package diagnostics writes human-readable state machine notices to a log.Logger.
package diagnostics

import (
	"io"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/coachpo/leomon/internal/domain/fluctuation"
)

// LogObserver logs reconfiguration and parse failure notices. Parse failure lines share one token
// bucket; lines dropped by the limiter are counted and reported with the next line that passes.
type LogObserver struct {
	logger  *log.Logger
	limiter *rate.Limiter
	verbose bool

	mu         sync.Mutex
	suppressed int
}

// Option customises a LogObserver.
type Option func(*LogObserver)

// WithLimit bounds parse failure lines to perSecond with the given burst. A non-positive rate
// disables throttling.
func WithLimit(perSecond float64, burst int) Option {
	return func(o *LogObserver) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithWindowLogging also logs window start and close lines.
func WithWindowLogging() Option {
	return func(o *LogObserver) {
		o.verbose = true
	}
}

// NewLogObserver constructs an observer writing to logger. By default parse failures are limited
// to 10 lines per second.
func NewLogObserver(logger *log.Logger, opts ...Option) *LogObserver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	o := new(LogObserver)
	o.logger = logger
	o.limiter = rate.NewLimiter(rate.Limit(10), 10)
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// ReconfigDetected implements fluctuation.Observer.
func (o *LogObserver) ReconfigDetected(contextID string, _ uint64, settleMs uint32) {
	o.logger.Printf("reconfig detected in context=%s: will start RTT collection after %d ms", contextID, settleMs)
}

// WindowStarted implements fluctuation.Observer.
func (o *LogObserver) WindowStarted(contextID string, atMs uint64) {
	if o.verbose {
		o.logger.Printf("RTT collection started in context=%s at %d ms", contextID, atMs)
	}
}

// WindowClosed implements fluctuation.Observer.
func (o *LogObserver) WindowClosed(w fluctuation.Window) {
	if o.verbose {
		o.logger.Printf("RTT window closed in context=%s: samples=%d p5=%d p95=%d fluctuation=%dus",
			w.ContextID, w.SampleCount, w.LowRTT, w.HighRTT, w.FluctuationUs)
	}
}

// ParseFailed implements fluctuation.Observer.
func (o *LogObserver) ParseFailed(contextID string, field fluctuation.Field, text string, err error) {
	suppressed, ok := o.admit()
	if !ok {
		return
	}
	msg := "invalid RTT value received in context=%s: %q: %v"
	if field == fluctuation.FieldSettle {
		msg = "invalid RTT value during reconfig in context=%s: %q: %v"
	}
	if suppressed > 0 {
		o.logger.Printf(msg+" (%d similar lines suppressed)", contextID, text, err, suppressed)
		return
	}
	o.logger.Printf(msg, contextID, text, err)
}

func (o *LogObserver) admit() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limiter != nil && !o.limiter.Allow() {
		o.suppressed++
		return 0, false
	}
	n := o.suppressed
	o.suppressed = 0
	return n, true
}
