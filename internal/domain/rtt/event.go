package rtt

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/coachpo/leomon/errs"
)

// Event is one telemetry observation delivered for a network context.
type Event struct {
	TimestampMs uint64
	RTTText     string
	IsReconfig  bool
}

// Decode turns a raw payload into an Event.
func Decode(payload []byte) (Event, error) {
	rec, err := DecodeRecord(payload)
	if err != nil {
		return Event{}, err
	}
	return rec.Event(), nil
}

// ParseMicros parses an unsigned base-10 microsecond value.
//
// The accepted grammar matches the kernel's kstrtouint: an optional leading '+', at least one
// decimal digit, an optional single trailing newline, and a value that fits in 32 bits.
func ParseMicros(text string) (uint32, error) {
	s := strings.TrimSuffix(text, "\n")
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return 0, errs.New("rtt/parse", errs.CodeInvalid, errs.WithMessage("empty RTT value"))
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errs.New("rtt/parse", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("invalid RTT value %q", text)))
		}
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v > math.MaxUint32 {
		return 0, errs.New("rtt/parse", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("RTT value %q out of range", text)), errs.WithCause(err))
	}
	return uint32(v), nil
}
