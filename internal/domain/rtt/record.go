// Package rtt defines the RTT telemetry record exchanged with senders and its decoded event form.
package rtt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/coachpo/leomon/errs"
)

const (
	// RecordSize is the encoded size of one telemetry record in bytes.
	RecordSize = 32
	// TextSize is the width of the fixed decimal RTT text field.
	TextSize = 16

	offsetSec        = 0
	offsetUsec       = 8
	offsetText       = 12
	offsetIsReconfig = 28
)

// Record mirrors the sender's fixed layout:
//
//	struct { u64 sec; u32 usec; char rtt_value_microseconds[16]; u32 is_reconfig; }
//
// Integers use the host byte order, as the sender and receiver share a host.
type Record struct {
	Sec        uint64
	Usec       uint32
	Text       [TextSize]byte
	IsReconfig uint32
}

// NewRecord builds a record carrying rttText, truncated to the text field width.
func NewRecord(sec uint64, usec uint32, rttText string, reconfig bool) Record {
	rec := Record{Sec: sec, Usec: usec}
	copy(rec.Text[:], rttText)
	if reconfig {
		rec.IsReconfig = 1
	}
	return rec
}

// DecodeRecord parses the leading RecordSize bytes of payload. Trailing bytes are ignored so that
// transport padding does not invalidate a record.
func DecodeRecord(payload []byte) (Record, error) {
	if len(payload) < RecordSize {
		return Record{}, errs.New("rtt/decode", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("payload is %d bytes, want at least %d", len(payload), RecordSize)))
	}
	var rec Record
	rec.Sec = binary.NativeEndian.Uint64(payload[offsetSec:])
	rec.Usec = binary.NativeEndian.Uint32(payload[offsetUsec:])
	copy(rec.Text[:], payload[offsetText:offsetText+TextSize])
	rec.IsReconfig = binary.NativeEndian.Uint32(payload[offsetIsReconfig:])
	return rec, nil
}

// MarshalBinary encodes the record in the sender layout.
func (r Record) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, RecordSize))
}

// AppendBinary appends the encoded record to buf.
func (r Record) AppendBinary(buf []byte) ([]byte, error) {
	buf = binary.NativeEndian.AppendUint64(buf, r.Sec)
	buf = binary.NativeEndian.AppendUint32(buf, r.Usec)
	buf = append(buf, r.Text[:]...)
	buf = binary.NativeEndian.AppendUint32(buf, r.IsReconfig)
	return buf, nil
}

// TimestampMs converts the record time to milliseconds.
func (r Record) TimestampMs() uint64 {
	return r.Sec*1000 + uint64(r.Usec/1000)
}

// RTTText returns the text field up to the first NUL byte.
func (r Record) RTTText() string {
	text := r.Text[:]
	if i := bytes.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	return string(text)
}

// Event converts the wire record into a telemetry event.
func (r Record) Event() Event {
	return Event{
		TimestampMs: r.TimestampMs(),
		RTTText:     r.RTTText(),
		IsReconfig:  r.IsReconfig == 1,
	}
}
