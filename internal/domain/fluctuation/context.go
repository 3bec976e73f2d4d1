package fluctuation

import (
	"math"
	"sync"

	"github.com/coachpo/leomon/internal/domain/rtt"
)

// State is the collection phase of a Context.
type State string

const (
	// StateIdle means no reconfiguration is pending and no window is open.
	StateIdle State = "idle"
	// StatePending means a reconfiguration was seen and the settle period is running.
	StatePending State = "pending"
	// StateCollecting means a window is open and samples are being recorded.
	StateCollecting State = "collecting"
)

// Outcome describes the transitions a single event caused. Window is set when the event closed a
// collection window.
type Outcome struct {
	TriggerExpired    bool
	WindowStarted     bool
	SampleRecorded    bool
	SampleParseFailed bool
	Window            *Window
	Reconfig          bool
	ReconfigScheduled bool
	SettleParseFailed bool
}

// Context is the per-network-context state machine. It owns its sample buffer exclusively and
// serialises Process calls with its own lock.
type Context struct {
	id       string
	trigger  *TriggerState
	observer Observer

	mu            sync.Mutex
	buf           SampleBuffer
	collecting    bool
	triggerTimeMs uint64
	settleMs      uint32
	reconfigMin   uint32
	reconfigMax   uint32
}

// NewContext returns a fresh context writing to the shared trigger state.
func NewContext(id string, trigger *TriggerState, observer Observer) *Context {
	if trigger == nil {
		trigger = NewTriggerState()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	c := new(Context)
	c.id = id
	c.trigger = trigger
	c.observer = observer
	c.buf = newSampleBuffer()
	c.reconfigMin = math.MaxUint32
	return c
}

// ID returns the context identifier.
func (c *Context) ID() string { return c.id }

// Process applies one telemetry event. The steps run in a fixed order: trigger expiry,
// collection start, sample recording, reconfiguration. A reconfiguration event can therefore be
// recorded as a sample of an already open window before it schedules the next one.
func (c *Context) Process(evt rtt.Event) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out Outcome
	now := evt.TimestampMs

	// The expiry is evaluated against this context's trigger time only; whichever context
	// processes the first late event clears the shared flag.
	if c.trigger.Active() && c.triggerTimeMs > 0 && now >= c.triggerTimeMs+TriggerDurationMs {
		c.trigger.Clear()
		out.TriggerExpired = true
	}

	if !c.collecting && c.triggerTimeMs > 0 && now >= c.triggerTimeMs+uint64(c.settleMs) {
		c.startWindow()
		out.WindowStarted = true
		c.observer.WindowStarted(c.id, now)
	}

	if c.collecting {
		c.record(evt, &out)
	}

	if evt.IsReconfig {
		c.reconfigure(evt, &out)
	}
	return out
}

func (c *Context) startWindow() {
	c.collecting = true
	c.buf.Reset()
	c.reconfigMin = math.MaxUint32
	c.reconfigMax = 0
}

func (c *Context) record(evt rtt.Event, out *Outcome) {
	v, err := rtt.ParseMicros(evt.RTTText)
	if err != nil {
		out.SampleParseFailed = true
		c.observer.ParseFailed(c.id, FieldSample, evt.RTTText, err)
		return
	}
	if c.buf.Append(v) {
		out.SampleRecorded = true
	}
	if c.buf.Full() {
		w := c.closeWindow(evt.TimestampMs)
		out.Window = &w
	}
}

func (c *Context) closeWindow(now uint64) Window {
	c.collecting = false
	w := Window{
		ContextID:   c.id,
		ClosedAtMs:  now,
		SampleCount: c.buf.Len(),
		LocalMin:    c.buf.Min(),
		LocalMax:    c.buf.Max(),
	}
	if lo, hi, ok := Reduce(c.buf.Samples(), LowPercentile, HighPercentile); ok {
		c.reconfigMin = lo
		c.reconfigMax = hi
		spread := Spread(lo, hi)
		c.trigger.Publish(c.id, spread)
		w.LowRTT = lo
		w.HighRTT = hi
		w.FluctuationUs = spread
	}
	c.triggerTimeMs = 0
	c.observer.WindowClosed(w)
	return w
}

func (c *Context) reconfigure(evt rtt.Event, out *Outcome) {
	out.Reconfig = true
	c.trigger.Activate()

	us, err := rtt.ParseMicros(evt.RTTText)
	if err != nil {
		out.SettleParseFailed = true
		c.observer.ParseFailed(c.id, FieldSettle, evt.RTTText, err)
		return
	}
	c.triggerTimeMs = evt.TimestampMs
	c.settleMs = us / 1000
	out.ReconfigScheduled = true
	c.observer.ReconfigDetected(c.id, evt.TimestampMs, c.settleMs)
}

// ContextSnapshot is a consistent read of a Context.
type ContextSnapshot struct {
	ID             string `json:"id"`
	State          State  `json:"state"`
	SampleCount    int    `json:"sample_count"`
	LocalMin       uint32 `json:"local_min"`
	LocalMax       uint32 `json:"local_max"`
	TriggerTimeMs  uint64 `json:"trigger_time_ms"`
	SettleMs       uint32 `json:"settle_ms"`
	ReconfigMinRTT uint32 `json:"reconfig_min_rtt"`
	ReconfigMaxRTT uint32 `json:"reconfig_max_rtt"`
}

// Snapshot returns the current state under the context lock.
func (c *Context) Snapshot() ContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ContextSnapshot{
		ID:             c.id,
		State:          c.stateLocked(),
		SampleCount:    c.buf.Len(),
		LocalMin:       c.buf.Min(),
		LocalMax:       c.buf.Max(),
		TriggerTimeMs:  c.triggerTimeMs,
		SettleMs:       c.settleMs,
		ReconfigMinRTT: c.reconfigMin,
		ReconfigMaxRTT: c.reconfigMax,
	}
}

func (c *Context) stateLocked() State {
	switch {
	case c.collecting:
		return StateCollecting
	case c.triggerTimeMs > 0:
		return StatePending
	default:
		return StateIdle
	}
}
