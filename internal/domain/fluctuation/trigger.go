package fluctuation

import "sync/atomic"

// TriggerDurationMs bounds how long a reconfiguration keeps the global trigger active.
const TriggerDurationMs = 200

// TriggerState is the process-wide reconfiguration flag and fluctuation metric shared by every
// Context. Each field is individually atomic; writers from different contexts are not coordinated
// and the last write wins.
type TriggerState struct {
	active      atomic.Bool
	fluctuation atomic.Uint32
	source      atomic.Pointer[string]
}

// NewTriggerState returns a cleared trigger state.
func NewTriggerState() *TriggerState {
	return new(TriggerState)
}

// Active reports whether a reconfiguration is recently active.
func (s *TriggerState) Active() bool { return s.active.Load() }

// Activate raises the trigger.
func (s *TriggerState) Activate() { s.active.Store(true) }

// Clear lowers the trigger.
func (s *TriggerState) Clear() { s.active.Store(false) }

// Fluctuation returns the last published spread in microseconds.
func (s *TriggerState) Fluctuation() uint32 { return s.fluctuation.Load() }

// Publish overwrites the fluctuation metric on behalf of contextID.
func (s *TriggerState) Publish(contextID string, value uint32) {
	s.fluctuation.Store(value)
	id := contextID
	s.source.Store(&id)
}

// TriggerSnapshot is a point-in-time read of TriggerState.
type TriggerSnapshot struct {
	Active        bool
	FluctuationUs uint32
	Source        string
}

// Snapshot reads every field. The fields are loaded independently, so a concurrent writer may be
// observed half-applied.
func (s *TriggerState) Snapshot() TriggerSnapshot {
	snap := TriggerSnapshot{
		Active:        s.active.Load(),
		FluctuationUs: s.fluctuation.Load(),
	}
	if src := s.source.Load(); src != nil {
		snap.Source = *src
	}
	return snap
}
