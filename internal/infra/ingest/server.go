// Package ingest delivers RTT telemetry records to the dispatcher over per-context WebSocket
// channels.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/leomon/errs"
	"github.com/coachpo/leomon/internal/domain/fluctuation"
	"github.com/coachpo/leomon/internal/domain/rtt"
	"github.com/coachpo/leomon/internal/infra/telemetry"
)

// Route is the ingest endpoint pattern. The path segment names the context.
const Route = "GET /ingest/{context}"

const (
	transportName    = "websocket"
	defaultReadLimit = 4096
)

// Message outcomes reported to IngestMetrics.
const (
	OutcomeDispatched = "dispatched"
	OutcomeMalformed  = "malformed"
	OutcomeUnknown    = "unknown_context"
	OutcomeText       = "text_dropped"
)

// Connection states reported to IngestMetrics.
const (
	StateAccepted = "accepted"
	StateRejected = "rejected"
	StateClosed   = "closed"
)

// Sink receives decoded payloads. dispatcher.Dispatcher satisfies it.
type Sink interface {
	Dispatch(ctx context.Context, contextID string, payload []byte) (fluctuation.Outcome, error)
}

// Channels resolves contexts and tracks open channels. dispatcher.Registry satisfies it.
type Channels interface {
	Lookup(id string) (*fluctuation.Context, bool)
	Attach(id string, ch io.Closer) (func(), error)
}

// Server accepts one WebSocket connection per ingest channel. Every binary message is one record;
// messages on a connection are dispatched in order on the connection goroutine.
type Server struct {
	sink      Sink
	channels  Channels
	metrics   *telemetry.IngestMetrics
	logger    *log.Logger
	readLimit int64

	connCounter metric.Int64Counter

	mu     sync.Mutex
	live   map[*channel]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option customises a Server.
type Option func(*Server)

// WithMetrics installs Prometheus ingest counters.
func WithMetrics(m *telemetry.IngestMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReadLimit bounds the size of one message. Values below one record are ignored.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n >= rtt.RecordSize {
			s.readLimit = n
		}
	}
}

// NewServer constructs an ingest server.
func NewServer(sink Sink, channels Channels, opts ...Option) *Server {
	s := new(Server)
	s.sink = sink
	s.channels = channels
	s.logger = log.New(io.Discard, "", 0)
	s.readLimit = defaultReadLimit
	s.live = make(map[*channel]struct{})
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	meter := otel.Meter("ingest")
	s.connCounter, _ = meter.Int64Counter("monitor.ingest.connections",
		metric.WithDescription("Ingest channel lifecycle transitions"),
		metric.WithUnit("{connection}"))
	return s
}

// Handler returns a mux serving Route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Route, s)
	return mux
}

// ServeHTTP upgrades the request and pumps records until the peer leaves or the context is
// destroyed.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("context"))
	if _, ok := s.channels.Lookup(id); !ok {
		s.observeConnection(r.Context(), StateRejected)
		http.Error(w, fmt.Sprintf("context %q not found", id), http.StatusNotFound)
		return
	}

	if s.shuttingDown() {
		s.observeConnection(r.Context(), StateRejected)
		http.Error(w, "ingest shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.observeConnection(r.Context(), StateRejected)
		s.logger.Printf("ingest accept: context=%s: %v", id, err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	ch := newChannel(id, conn)
	if !s.track(ch) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(ch)

	detach, err := s.channels.Attach(id, ch)
	if err != nil {
		s.observeConnection(r.Context(), StateRejected)
		_ = conn.Close(websocket.StatusPolicyViolation, "context unavailable")
		return
	}
	defer detach()

	s.observeConnection(r.Context(), StateAccepted)
	s.logger.Printf("ingest channel opened: context=%s remote=%s", id, r.RemoteAddr)

	err = s.pump(ch)
	s.observeConnection(context.Background(), StateClosed)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
	case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
	case err != nil:
		s.logger.Printf("ingest channel ended: context=%s: %v", id, err)
	}
	_ = ch.Close()
}

func (s *Server) pump(ch *channel) error {
	for {
		typ, data, err := ch.conn.Read(ch.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			s.observeMessage(OutcomeText)
			continue
		}
		_, err = s.sink.Dispatch(ch.ctx, ch.contextID, data)
		switch {
		case err == nil:
			s.observeMessage(OutcomeDispatched)
		case errs.Is(err, errs.CodeNotFound):
			// The context was destroyed while a message was in flight.
			s.observeMessage(OutcomeUnknown)
			return err
		default:
			s.observeMessage(OutcomeMalformed)
		}
	}
}

func (s *Server) track(ch *channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.live[ch] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) untrack(ch *channel) {
	s.mu.Lock()
	delete(s.live, ch)
	s.mu.Unlock()
	s.wg.Done()
}

// Active returns the number of open channels.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Shutdown closes every open channel and waits for their goroutines. http.Server.Shutdown does
// not track upgraded connections, so callers invoke both.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*channel, 0, len(s.live))
	for ch := range s.live {
		open = append(open, ch)
	}
	s.mu.Unlock()

	for _, ch := range open {
		_ = ch.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest shutdown: %w", ctx.Err())
	}
}

func (s *Server) observeConnection(ctx context.Context, state string) {
	s.metrics.ObserveConnection(state)
	if s.connCounter != nil {
		s.connCounter.Add(ctx, 1,
			metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), transportName, state)...))
	}
}

func (s *Server) observeMessage(outcome string) {
	s.metrics.ObserveMessage(outcome)
}

// channel is one accepted connection. Close is safe from any goroutine and idempotent.
type channel struct {
	contextID string
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
}

func newChannel(contextID string, conn *websocket.Conn) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &channel{contextID: contextID, conn: conn, ctx: ctx, cancel: cancel}
}

func (c *channel) Close() error {
	c.once.Do(func() {
		c.cancel()
		// Destroy must not block on the peer's close frame.
		_ = c.conn.CloseNow()
	})
	return nil
}
