package rtt

import "testing"

func TestParseMicros(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{in: "0", want: 0, ok: true},
		{in: "48213", want: 48213, ok: true},
		{in: "+15", want: 15, ok: true},
		{in: "120\n", want: 120, ok: true},
		{in: "4294967295", want: 4294967295, ok: true},
		{in: "4294967296", ok: false},
		{in: "", ok: false},
		{in: "+", ok: false},
		{in: "-5", ok: false},
		{in: " 5", ok: false},
		{in: "5ms", ok: false},
		{in: "12.5", ok: false},
		{in: "1_000", ok: false},
		{in: "7\n\n", ok: false},
	}
	for _, tc := range cases {
		got, err := ParseMicros(tc.in)
		if tc.ok {
			if err != nil {
				t.Fatalf("ParseMicros(%q) unexpected error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseMicros(%q) = %d, want %d", tc.in, got, tc.want)
			}
			continue
		}
		if err == nil {
			t.Fatalf("ParseMicros(%q) expected error, got %d", tc.in, got)
		}
	}
}
