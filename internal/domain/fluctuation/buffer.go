// Package fluctuation turns per-context RTT telemetry into the post-reconfiguration RTT
// fluctuation metric consumed by congestion control.
package fluctuation

import "math"

// SampleCapacity is the number of RTT samples collected per window.
const SampleCapacity = 100

// SampleBuffer is a fixed-capacity, append-only sequence of RTT samples in microseconds with the
// running extrema of the current window.
type SampleBuffer struct {
	samples  [SampleCapacity]uint32
	count    int
	localMin uint32
	localMax uint32
}

func newSampleBuffer() SampleBuffer {
	return SampleBuffer{localMin: math.MaxUint32}
}

// Reset empties the buffer and restores the extrema sentinels.
func (b *SampleBuffer) Reset() {
	b.count = 0
	b.localMin = math.MaxUint32
	b.localMax = 0
}

// Append records v. It reports false when the buffer is already full.
func (b *SampleBuffer) Append(v uint32) bool {
	if b.count >= SampleCapacity {
		return false
	}
	b.samples[b.count] = v
	b.count++
	if v < b.localMin {
		b.localMin = v
	}
	if v > b.localMax {
		b.localMax = v
	}
	return true
}

// Len returns the number of valid samples.
func (b *SampleBuffer) Len() int { return b.count }

// Full reports whether the buffer holds SampleCapacity samples.
func (b *SampleBuffer) Full() bool { return b.count == SampleCapacity }

// Min returns the smallest sample of the window, or MaxUint32 when empty.
func (b *SampleBuffer) Min() uint32 { return b.localMin }

// Max returns the largest sample of the window, or 0 when empty.
func (b *SampleBuffer) Max() uint32 { return b.localMax }

// Samples exposes the valid prefix of the backing array. Reduce sorts it in place.
func (b *SampleBuffer) Samples() []uint32 { return b.samples[:b.count] }
