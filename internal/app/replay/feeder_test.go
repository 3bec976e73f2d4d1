package replay

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/leomon/internal/domain/rtt"
)

func readAll(t *testing.T, f *CSVFeeder) []rtt.Record {
	t.Helper()
	var out []rtt.Record
	for {
		rec, err := f.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestCSVFeederSkipsHeaderAndComments(t *testing.T) {
	input := `sec,usec,rtt_us,is_reconfig
# reconfiguration with a 50 ms settle
1,0,50000,1
1,60000,100,0
1,61000, 101
1,62000,oops,false
`
	records := readAll(t, NewCSVFeeder(strings.NewReader(input)))
	require.Len(t, records, 4)

	require.Equal(t, rtt.Event{TimestampMs: 1000, RTTText: "50000", IsReconfig: true}, records[0].Event())
	require.Equal(t, rtt.Event{TimestampMs: 1060, RTTText: "100"}, records[1].Event())
	require.Equal(t, "101", records[2].RTTText())
	require.Equal(t, "oops", records[3].RTTText(), "malformed values are forwarded verbatim")
}

func TestCSVFeederWithoutHeader(t *testing.T) {
	records := readAll(t, NewCSVFeeder(strings.NewReader("5,999999,7,1\n")))
	require.Len(t, records, 1)
	require.Equal(t, uint64(5999), records[0].TimestampMs())
}

func TestCSVFeederRejectsBadRows(t *testing.T) {
	cases := map[string]string{
		"short row":     "1,2\n",
		"bad usec":      "1,x,100\n",
		"bad flag":      "1,0,100,maybe\n",
		"text too long": "1,0,12345678901234567,0\n",
		"late header":   "1,0,100\nsec,usec,rtt\n",
	}
	for name, input := range cases {
		f := NewCSVFeeder(strings.NewReader(input))
		var err error
		for err == nil {
			_, err = f.Next()
		}
		if errors.Is(err, io.EOF) {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestOpenCSVFeeder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	require.NoError(t, os.WriteFile(path, []byte("1,0,100,0\n"), 0o600))

	f, err := OpenCSVFeeder(path)
	require.NoError(t, err)
	require.Len(t, readAll(t, f), 1)
	require.NoError(t, f.Close())

	_, err = OpenCSVFeeder(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}
