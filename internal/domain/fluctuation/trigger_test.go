package fluctuation

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTriggerStateLifecycle(t *testing.T) {
	s := NewTriggerState()
	require.Equal(t, TriggerSnapshot{}, s.Snapshot())

	s.Activate()
	s.Publish("edge-1", 1500)
	require.Equal(t, TriggerSnapshot{Active: true, FluctuationUs: 1500, Source: "edge-1"}, s.Snapshot())

	s.Clear()
	require.False(t, s.Active())
	require.Equal(t, uint32(1500), s.Fluctuation(), "clearing the trigger keeps the last metric")
}

func TestTriggerStateConcurrentWriters(t *testing.T) {
	s := NewTriggerState()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Activate()
				s.Publish(strconv.Itoa(i), uint32(i))
				_ = s.Snapshot()
				s.Clear()
			}
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot()
	require.False(t, snap.Active)
	require.Less(t, snap.FluctuationUs, uint32(16))
	require.NotEmpty(t, snap.Source)
}
