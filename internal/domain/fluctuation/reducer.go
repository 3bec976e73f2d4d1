package fluctuation

import "slices"

const (
	// LowPercentile is the lower bound of the fluctuation spread.
	LowPercentile = 5
	// HighPercentile is the upper bound of the fluctuation spread.
	HighPercentile = 95
)

// Reduce sorts samples ascending in place and returns the entries at the low and high
// percentiles, using index count*p/100 without interpolation. It reports ok=false and leaves
// samples untouched when there is nothing to reduce.
func Reduce(samples []uint32, low, high uint32) (lo, hi uint32, ok bool) {
	n := len(samples)
	if n == 0 {
		return 0, 0, false
	}
	slices.Sort(samples)
	return samples[percentileIndex(n, low)], samples[percentileIndex(n, high)], true
}

func percentileIndex(n int, p uint32) int {
	idx := n * int(p) / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Spread is the fluctuation metric for a reduced window.
func Spread(lo, hi uint32) uint32 {
	if hi < lo {
		return 0
	}
	return hi - lo
}
