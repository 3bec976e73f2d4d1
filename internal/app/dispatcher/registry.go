package dispatcher

import (
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coachpo/leomon/errs"
	"github.com/coachpo/leomon/internal/domain/fluctuation"
)

// Registry maps context identifiers to their state machines. It is the only place contexts are
// created or released.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	version  atomic.Int64
	trigger  *fluctuation.TriggerState
	observer fluctuation.Observer
	logger   *log.Logger
}

type entry struct {
	ctx      *fluctuation.Context
	channels map[uint64]io.Closer
	nextChan uint64
	closing  bool
}

// NewRegistry constructs an empty registry whose contexts share trigger and report to observer.
func NewRegistry(trigger *fluctuation.TriggerState, observer fluctuation.Observer, logger *log.Logger) *Registry {
	if trigger == nil {
		trigger = fluctuation.NewTriggerState()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	registry := new(Registry)
	registry.entries = make(map[string]*entry)
	registry.trigger = trigger
	registry.observer = observer
	registry.logger = logger
	return registry
}

// Trigger returns the shared trigger state.
func (r *Registry) Trigger() *fluctuation.TriggerState {
	return r.trigger
}

// Create registers a fresh context. It fails with CodeConflict when id is already registered.
func (r *Registry) Create(id string) (*fluctuation.Context, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.New("dispatcher/registry", errs.CodeInvalid, errs.WithMessage("context id required"))
	}
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return nil, errs.New("dispatcher/registry", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("context %s already exists", id)),
			errs.WithField("context", id))
	}
	ctx := fluctuation.NewContext(id, r.trigger, r.observer)
	r.entries[id] = &entry{ctx: ctx, channels: make(map[uint64]io.Closer)}
	r.version.Add(1)
	r.mu.Unlock()

	r.logger.Printf("context created: %s", id)
	return ctx, nil
}

// Destroy closes every ingest channel attached to id and then releases the context. While the
// channels close, the context stays resolvable but refuses new channels and a second Destroy.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.closing {
		r.mu.Unlock()
		return errs.New("dispatcher/registry", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("context %s not found", id)),
			errs.WithField("context", id))
	}
	e.closing = true
	channels := e.channels
	e.channels = nil
	r.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			r.logger.Printf("ingest channel close: context=%s: %v", id, err)
			continue
		}
		r.logger.Printf("ingest channel closed: context=%s", id)
	}

	r.mu.Lock()
	delete(r.entries, id)
	r.version.Add(1)
	r.mu.Unlock()
	r.logger.Printf("context destroyed: %s", id)
	return nil
}

// Lookup returns the context registered under id.
func (r *Registry) Lookup(id string) (*fluctuation.Context, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// Attach ties an ingest channel to a context so Destroy can close it. The returned detach func
// must be called when the channel ends on its own; it is safe to call more than once.
func (r *Registry) Attach(id string, ch io.Closer) (func(), error) {
	if ch == nil {
		return nil, errs.New("dispatcher/registry", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.closing {
		return nil, errs.New("dispatcher/registry", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("context %s not found", id)),
			errs.WithField("context", id))
	}
	e.nextChan++
	key := e.nextChan
	e.channels[key] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if e.channels != nil {
				delete(e.channels, key)
			}
			r.mu.Unlock()
		})
	}, nil
}

// Channels reports how many ingest channels are attached to id.
func (r *Registry) Channels(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return len(e.channels)
	}
	return 0
}

// IDs returns the registered context identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Snapshots returns a snapshot of every registered context, sorted by id.
func (r *Registry) Snapshots() []fluctuation.ContextSnapshot {
	r.mu.RLock()
	contexts := make([]*fluctuation.Context, 0, len(r.entries))
	for _, e := range r.entries {
		contexts = append(contexts, e.ctx)
	}
	r.mu.RUnlock()

	out := make([]fluctuation.ContextSnapshot, 0, len(contexts))
	for _, c := range contexts {
		out = append(out, c.Snapshot())
	}
	slices.SortFunc(out, func(a, b fluctuation.ContextSnapshot) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Version increments on every create and destroy.
func (r *Registry) Version() int64 {
	return r.version.Load()
}
