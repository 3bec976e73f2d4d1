// Package replay reads recorded RTT traces for re-delivery to a monitor.
package replay

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/coachpo/leomon/internal/domain/rtt"
)

// CSVFeeder reads telemetry records from CSV rows of sec,usec,rtt_us,is_reconfig. A leading
// header row is skipped. The rtt_us column is forwarded verbatim so malformed values reach the
// monitor as they were captured.
type CSVFeeder struct {
	reader *csv.Reader
	closer io.Closer
	line   int
}

// OpenCSVFeeder opens path and returns a feeder over it.
func OpenCSVFeeder(path string) (*CSVFeeder, error) {
	// #nosec G304 -- file path is operator provided via CLI flags.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	f := NewCSVFeeder(file)
	f.closer = file
	return f, nil
}

// NewCSVFeeder reads rows from r.
func NewCSVFeeder(r io.Reader) *CSVFeeder {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	return &CSVFeeder{reader: reader}
}

// Next returns the next record, or io.EOF when the trace is exhausted.
func (f *CSVFeeder) Next() (rtt.Record, error) {
	for {
		row, err := f.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rtt.Record{}, io.EOF
			}
			return rtt.Record{}, fmt.Errorf("read csv record: %w", err)
		}
		f.line++
		if f.line == 1 && isHeader(row) {
			continue
		}
		return parseRow(row, f.line)
	}
}

// Close releases the underlying file when the feeder owns one.
func (f *CSVFeeder) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func isHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}
	_, err := strconv.ParseUint(strings.TrimSpace(row[0]), 10, 64)
	return err != nil
}

func parseRow(row []string, line int) (rtt.Record, error) {
	if len(row) < 3 {
		return rtt.Record{}, fmt.Errorf("line %d: expected at least 3 columns, got %d", line, len(row))
	}
	sec, err := strconv.ParseUint(strings.TrimSpace(row[0]), 10, 64)
	if err != nil {
		return rtt.Record{}, fmt.Errorf("line %d: parse sec: %w", line, err)
	}
	usec, err := strconv.ParseUint(strings.TrimSpace(row[1]), 10, 32)
	if err != nil {
		return rtt.Record{}, fmt.Errorf("line %d: parse usec: %w", line, err)
	}
	reconfig := false
	if len(row) > 3 {
		switch strings.ToLower(strings.TrimSpace(row[3])) {
		case "", "0", "false":
		case "1", "true":
			reconfig = true
		default:
			return rtt.Record{}, fmt.Errorf("line %d: parse is_reconfig %q", line, row[3])
		}
	}
	text := row[2]
	if len(text) > rtt.TextSize {
		return rtt.Record{}, fmt.Errorf("line %d: rtt text longer than %d bytes", line, rtt.TextSize)
	}
	return rtt.NewRecord(sec, uint32(usec), text, reconfig), nil
}
