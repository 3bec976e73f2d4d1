package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/coachpo/leomon/errs"
	"github.com/coachpo/leomon/internal/domain/rtt"
)

const (
	defaultMaxReconnectInterval = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	// BaseURL is the ingest server root, e.g. ws://127.0.0.1:7400.
	BaseURL   string
	ContextID string
	// Rate caps records per second. Zero sends as fast as the connection allows.
	Rate  float64
	Burst int
	// MaxAttempts bounds dial attempts per (re)connect. Zero retries until ctx ends.
	MaxAttempts          int
	MaxReconnectInterval time.Duration
	WriteTimeout         time.Duration
	Logger               *log.Logger
}

// Sender streams records to one ingest channel, reconnecting with exponential backoff when the
// connection drops.
type Sender struct {
	url          string
	limiter      *rate.Limiter
	maxAttempts  int
	maxInterval  time.Duration
	writeTimeout time.Duration
	logger       *log.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	sent   uint64
}

// IngestURL joins the server root and the channel path for contextID.
func IngestURL(baseURL, contextID string) (string, error) {
	id := strings.TrimSpace(contextID)
	if id == "" {
		return "", errs.New("ingest/sender", errs.CodeInvalid, errs.WithMessage("context id required"))
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", errs.New("ingest/sender", errs.CodeInvalid, errs.WithMessage("parse base url"), errs.WithCause(err))
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errs.New("ingest/sender", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported scheme %q", u.Scheme)))
	}
	u.RawPath = strings.TrimSuffix(u.EscapedPath(), "/") + "/ingest/" + url.PathEscape(id)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ingest/" + id
	return u.String(), nil
}

// NewSender validates cfg. The connection is opened lazily on the first Send or by Connect.
func NewSender(cfg SenderConfig) (*Sender, error) {
	target, err := IngestURL(cfg.BaseURL, cfg.ContextID)
	if err != nil {
		return nil, err
	}
	s := new(Sender)
	s.url = target
	s.maxAttempts = cfg.MaxAttempts
	s.maxInterval = cfg.MaxReconnectInterval
	if s.maxInterval <= 0 {
		s.maxInterval = defaultMaxReconnectInterval
	}
	s.writeTimeout = cfg.WriteTimeout
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	s.limiter = rate.NewLimiter(rate.Inf, 1)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	s.logger = cfg.Logger
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	return s, nil
}

// URL returns the channel endpoint.
func (s *Sender) URL() string { return s.url }

// Sent returns the number of records written.
func (s *Sender) Sent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Connect dials the channel if no connection is open.
func (s *Sender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.connectLocked(ctx)
	return err
}

func (s *Sender) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if s.closed {
		return nil, errs.New("ingest/sender", errs.CodeUnavailable, errs.WithMessage("sender closed"))
	}
	if s.conn != nil {
		return s.conn, nil
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = s.maxInterval

	for attempt := 1; ; attempt++ {
		conn, resp, err := websocket.Dial(ctx, s.url, nil)
		if err == nil {
			s.conn = conn
			s.logger.Printf("ingest sender connected: %s", s.url)
			return conn, nil
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, errs.New("ingest/sender", errs.CodeNotFound,
				errs.WithMessage("context not registered"), errs.WithCause(err))
		}
		if s.maxAttempts > 0 && attempt >= s.maxAttempts {
			return nil, errs.New("ingest/sender", errs.CodeNetwork,
				errs.WithMessage(fmt.Sprintf("dial %s: giving up after %d attempts", s.url, attempt)),
				errs.WithCause(err))
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = s.maxInterval
		}
		s.logger.Printf("ingest sender dial %s: %v (retry in %v)", s.url, err, sleep)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", s.url, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

// Send writes one record, waiting on the rate limiter first. A failed write drops the connection
// and retries once on a fresh one.
func (s *Sender) Send(ctx context.Context, rec rtt.Record) error {
	payload, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.SendRaw(ctx, payload)
}

// SendRaw writes payload as one binary message.
func (s *Sender) SendRaw(ctx context.Context, payload []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for range 2 {
		conn, err := s.connectLocked(ctx)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		err = conn.Write(writeCtx, websocket.MessageBinary, payload)
		cancel()
		if err == nil {
			s.sent++
			return nil
		}
		lastErr = err
		_ = conn.CloseNow()
		s.conn = nil
		if ctx.Err() != nil {
			break
		}
	}
	return errs.New("ingest/sender", errs.CodeNetwork, errs.WithMessage("write record"), errs.WithCause(lastErr))
}

// Close sends a normal closure and releases the connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "done")
	s.conn = nil
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, io.EOF) {
		return fmt.Errorf("close ingest sender: %w", err)
	}
	return nil
}
