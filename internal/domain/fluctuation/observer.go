package fluctuation

// Field names the event field whose parse failed.
type Field string

const (
	// FieldSample is the RTT text read as a window sample.
	FieldSample Field = "sample"
	// FieldSettle is the RTT text read as the settle duration of a reconfiguration.
	FieldSettle Field = "settle"
)

// Window is the result of a closed collection window.
type Window struct {
	ContextID     string
	ClosedAtMs    uint64
	SampleCount   int
	LocalMin      uint32
	LocalMax      uint32
	LowRTT        uint32
	HighRTT       uint32
	FluctuationUs uint32
}

// Observer receives state machine notifications. Calls happen while the context lock is held, on
// the goroutine delivering the event, so implementations must not block or call back into the
// Context.
type Observer interface {
	ReconfigDetected(contextID string, atMs uint64, settleMs uint32)
	WindowStarted(contextID string, atMs uint64)
	WindowClosed(w Window)
	ParseFailed(contextID string, field Field, text string, err error)
}

// Observers fans notifications out to every member.
type Observers []Observer

// ReconfigDetected implements Observer.
func (o Observers) ReconfigDetected(contextID string, atMs uint64, settleMs uint32) {
	for _, obs := range o {
		obs.ReconfigDetected(contextID, atMs, settleMs)
	}
}

// WindowStarted implements Observer.
func (o Observers) WindowStarted(contextID string, atMs uint64) {
	for _, obs := range o {
		obs.WindowStarted(contextID, atMs)
	}
}

// WindowClosed implements Observer.
func (o Observers) WindowClosed(w Window) {
	for _, obs := range o {
		obs.WindowClosed(w)
	}
}

// ParseFailed implements Observer.
func (o Observers) ParseFailed(contextID string, field Field, text string, err error) {
	for _, obs := range o {
		obs.ParseFailed(contextID, field, text, err)
	}
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) ReconfigDetected(string, uint64, uint32)  {}
func (NopObserver) WindowStarted(string, uint64)             {}
func (NopObserver) WindowClosed(Window)                      {}
func (NopObserver) ParseFailed(string, Field, string, error) {}
