// Package httpserver exposes the monitor control API: trigger state, context lifecycle, window
// history and the Prometheus exposition.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/leomon/errs"
	"github.com/coachpo/leomon/internal/domain/fluctuation"
	"github.com/coachpo/leomon/internal/domain/windowstore"
	"github.com/coachpo/leomon/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 16

	triggerPath         = "/trigger"
	contextsPath        = "/contexts"
	contextDetailPrefix = contextsPath + "/"
	windowsPath         = "/windows"
	metricsPath         = "/metrics"
	healthPath          = "/healthz"

	defaultWindowLimit = 50
	maxWindowLimit     = 1000
)

// ContextRegistry is the context lifecycle surface served by the API. dispatcher.Registry
// satisfies it.
type ContextRegistry interface {
	Create(id string) (*fluctuation.Context, error)
	Destroy(id string) error
	Lookup(id string) (*fluctuation.Context, bool)
	Snapshots() []fluctuation.ContextSnapshot
	Channels(id string) int
}

// WindowHistory reads closed windows. recorder.Recorder satisfies it.
type WindowHistory interface {
	History(ctx context.Context, contextID string, limit int) ([]windowstore.WindowRecord, error)
}

// Dependencies wires the API to the running monitor. Windows and Metrics are optional.
type Dependencies struct {
	Environment config.Environment
	Trigger     *fluctuation.TriggerState
	Contexts    ContextRegistry
	Windows     WindowHistory
	Metrics     http.Handler
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	trigger     *fluctuation.TriggerState
	contexts    ContextRegistry
	windows     WindowHistory
}

type triggerPayload struct {
	Active        bool   `json:"active"`
	FluctuationUs uint32 `json:"fluctuation_us"`
	FluctuationMs string `json:"fluctuation_ms"`
	Source        string `json:"source,omitempty"`
}

type contextPayload struct {
	fluctuation.ContextSnapshot
	Channels int `json:"channels"`
}

type createContextPayload struct {
	ID string `json:"id"`
}

type windowPayload struct {
	ID            string `json:"id"`
	ContextID     string `json:"context_id"`
	ClosedAtMs    uint64 `json:"closed_at_ms"`
	SampleCount   int    `json:"sample_count"`
	LocalMinUs    uint32 `json:"local_min_us"`
	LocalMaxUs    uint32 `json:"local_max_us"`
	LowRTTUs      uint32 `json:"p5_us"`
	HighRTTUs     uint32 `json:"p95_us"`
	FluctuationUs uint32 `json:"fluctuation_us"`
	FluctuationMs string `json:"fluctuation_ms"`
	RecordedAt    string `json:"recorded_at"`
}

// NewHandler creates the control API handler.
func NewHandler(deps Dependencies) http.Handler {
	server := &httpServer{
		environment: deps.Environment,
		trigger:     deps.Trigger,
		contexts:    deps.Contexts,
		windows:     deps.Windows,
	}
	if server.trigger == nil {
		server.trigger = fluctuation.NewTriggerState()
	}
	mux := http.NewServeMux()

	mux.Handle(triggerPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTrigger,
	}))
	mux.Handle(contextsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listContexts,
		http.MethodPost: server.createContext,
	}))
	mux.Handle(contextDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getContext,
		http.MethodDelete: server.deleteContext,
	}))
	mux.Handle(windowsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listWindows,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	if deps.Metrics != nil {
		mux.Handle(metricsPath, deps.Metrics)
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getTrigger(w http.ResponseWriter, _ *http.Request) {
	snap := s.trigger.Snapshot()
	writeJSON(w, http.StatusOK, triggerPayload{
		Active:        snap.Active,
		FluctuationUs: snap.FluctuationUs,
		FluctuationMs: microsToMillis(snap.FluctuationUs),
		Source:        snap.Source,
	})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.environment,
	})
}

func (s *httpServer) listContexts(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.contexts.Snapshots()
	payload := make([]contextPayload, 0, len(snapshots))
	for _, snap := range snapshots {
		payload = append(payload, contextPayload{ContextSnapshot: snap, Channels: s.contexts.Channels(snap.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": payload})
}

func (s *httpServer) createContext(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload createContextPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	c, err := s.contexts.Create(payload.ID)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, contextPayload{ContextSnapshot: c.Snapshot()})
}

func (s *httpServer) getContext(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	c, found := s.contexts.Lookup(id)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("context %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, contextPayload{ContextSnapshot: c.Snapshot(), Channels: s.contexts.Channels(id)})
}

func (s *httpServer) deleteContext(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	if err := s.contexts.Destroy(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) listWindows(w http.ResponseWriter, r *http.Request) {
	if s.windows == nil {
		writeJSON(w, http.StatusOK, map[string]any{"windows": []windowPayload{}})
		return
	}
	query := r.URL.Query()
	limit := defaultWindowLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxWindowLimit)
	}
	records, err := s.windows.History(r.Context(), strings.TrimSpace(query.Get("context")), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	payload := make([]windowPayload, 0, len(records))
	for _, rec := range records {
		payload = append(payload, windowPayloadFrom(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": payload})
}

func windowPayloadFrom(rec windowstore.WindowRecord) windowPayload {
	return windowPayload{
		ID:            rec.ID.String(),
		ContextID:     rec.ContextID,
		ClosedAtMs:    rec.ClosedAtMs,
		SampleCount:   rec.SampleCount,
		LocalMinUs:    rec.LocalMin,
		LocalMaxUs:    rec.LocalMax,
		LowRTTUs:      rec.LowRTT,
		HighRTTUs:     rec.HighRTT,
		FluctuationUs: rec.FluctuationUs,
		FluctuationMs: microsToMillis(rec.FluctuationUs),
		RecordedAt:    rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
}

// microsToMillis renders a microsecond value as an exact decimal millisecond string.
func microsToMillis(us uint32) string {
	return decimal.New(int64(us), -3).String()
}

func contextID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, contextDetailPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "context id required")
		return "", false
	}
	return id, true
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
