package fluctuation

import "testing"

func TestReducePercentileIndices(t *testing.T) {
	cases := []struct {
		name    string
		samples []uint32
		lo, hi  uint32
	}{
		{name: "single", samples: []uint32{42}, lo: 42, hi: 42},
		{name: "two", samples: []uint32{9, 3}, lo: 3, hi: 9},
		{name: "ten", samples: []uint32{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, lo: 1, hi: 10},
		{name: "twenty", samples: seq(0, 20), lo: 1, hi: 19},
		{name: "duplicates", samples: []uint32{5, 5, 5, 5}, lo: 5, hi: 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lo, hi, ok := Reduce(tc.samples, LowPercentile, HighPercentile)
			if !ok {
				t.Fatalf("expected ok")
			}
			if lo != tc.lo || hi != tc.hi {
				t.Fatalf("got (%d, %d), want (%d, %d)", lo, hi, tc.lo, tc.hi)
			}
		})
	}
}

func TestReduceFullWindow(t *testing.T) {
	samples := seq(100, SampleCapacity)
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	lo, hi, ok := Reduce(samples, LowPercentile, HighPercentile)
	if !ok || lo != 105 || hi != 195 {
		t.Fatalf("got (%d, %d, %v), want (105, 195, true)", lo, hi, ok)
	}
	if Spread(lo, hi) != 90 {
		t.Fatalf("spread = %d, want 90", Spread(lo, hi))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i-1] > samples[i] {
			t.Fatalf("samples not sorted in place at %d", i)
		}
	}
}

func TestReduceEmpty(t *testing.T) {
	if _, _, ok := Reduce(nil, LowPercentile, HighPercentile); ok {
		t.Fatalf("expected ok=false for empty input")
	}
}

func TestReduceClampsHundredthPercentile(t *testing.T) {
	_, hi, ok := Reduce([]uint32{1, 2, 3}, 0, 100)
	if !ok || hi != 3 {
		t.Fatalf("hi = %d, want 3", hi)
	}
}

func TestSpreadNeverUnderflows(t *testing.T) {
	if got := Spread(10, 4); got != 0 {
		t.Fatalf("spread = %d, want 0", got)
	}
}

func seq(start uint32, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = start + uint32(i)
	}
	return out
}
