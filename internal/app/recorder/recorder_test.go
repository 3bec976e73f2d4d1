package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/leomon/errs"
	"github.com/coachpo/leomon/internal/domain/fluctuation"
	"github.com/coachpo/leomon/internal/domain/windowstore"
	"github.com/coachpo/leomon/lib/async"
)

type fakeStore struct {
	mu       sync.Mutex
	failures int
	err      error
	attempts int
	inserted []windowstore.WindowRecord
}

func (f *fakeStore) Insert(_ context.Context, rec windowstore.WindowRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeStore) ListRecent(_ context.Context, contextID string, limit int) ([]windowstore.WindowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []windowstore.WindowRecord
	for i := len(f.inserted) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if contextID == "" || f.inserted[i].ContextID == contextID {
			out = append(out, f.inserted[i])
		}
	}
	return out, nil
}

func (f *fakeStore) snapshot() (int, []windowstore.WindowRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, append([]windowstore.WindowRecord(nil), f.inserted...)
}

func newPool(t *testing.T) *async.Pool {
	t.Helper()
	pool, err := async.NewPool(2, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

func fastBackoff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func window(id string, fluct uint32) fluctuation.Window {
	return fluctuation.Window{ContextID: id, SampleCount: 100, LowRTT: 100, HighRTT: 100 + fluct, FluctuationUs: fluct}
}

func TestNewRequiresPoolWithStore(t *testing.T) {
	_, err := New(Options{Store: new(fakeStore)})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestRecentIsNewestFirstAndBounded(t *testing.T) {
	r, err := New(Options{History: 3})
	require.NoError(t, err)

	for i, id := range []string{"a", "b", "a", "a"} {
		r.WindowClosed(window(id, uint32(i)))
	}

	all := r.Recent("", 0)
	require.Len(t, all, 3)
	require.Equal(t, []uint32{3, 2, 1}, fluctuations(all))

	onlyA := r.Recent("a", 0)
	require.Equal(t, []uint32{3, 2}, fluctuations(onlyA))

	require.Len(t, r.Recent("", 1), 1)
	require.Empty(t, r.Recent("missing", 5))
}

func TestWindowClosedPersistsWithRetry(t *testing.T) {
	store := &fakeStore{failures: 2, err: errors.New("connection reset")}
	r, err := New(Options{Store: store, Pool: newPool(t), MaxRetries: 5})
	require.NoError(t, err)
	r.backoff = fastBackoff

	r.WindowClosed(window("ns1", 90))
	require.NoError(t, r.Flush(context.Background()))

	attempts, inserted := store.snapshot()
	require.Equal(t, 3, attempts)
	require.Len(t, inserted, 1)
	require.Equal(t, "ns1", inserted[0].ContextID)
	require.Equal(t, uint32(90), inserted[0].FluctuationUs)
	require.NotEqual(t, uuid.Nil, inserted[0].ID)
	require.Equal(t, inserted[0].ID, r.Recent("ns1", 1)[0].ID)
}

func TestWindowClosedGivesUpAfterMaxRetries(t *testing.T) {
	store := &fakeStore{failures: 10, err: errors.New("down")}
	r, err := New(Options{Store: store, Pool: newPool(t), MaxRetries: 3})
	require.NoError(t, err)
	r.backoff = fastBackoff

	r.WindowClosed(window("ns1", 5))
	require.NoError(t, r.Flush(context.Background()))

	attempts, inserted := store.snapshot()
	require.Equal(t, 4, attempts, "one insert plus three retries")
	require.Empty(t, inserted)
	require.Len(t, r.Recent("ns1", 0), 1, "memory history survives persistence failures")
}

func TestWindowClosedUsesEveryRetry(t *testing.T) {
	store := &fakeStore{failures: 1, err: errors.New("connection reset")}
	r, err := New(Options{Store: store, Pool: newPool(t), MaxRetries: 1})
	require.NoError(t, err)
	r.backoff = fastBackoff

	r.WindowClosed(window("ns1", 7))
	require.NoError(t, r.Flush(context.Background()))

	attempts, inserted := store.snapshot()
	require.Equal(t, 2, attempts)
	require.Len(t, inserted, 1)
}

func TestInvalidRecordsAreNotRetried(t *testing.T) {
	store := &fakeStore{failures: 10, err: errs.New("store", errs.CodeInvalid)}
	r, err := New(Options{Store: store, Pool: newPool(t), MaxRetries: 5})
	require.NoError(t, err)
	r.backoff = fastBackoff

	r.WindowClosed(window("ns1", 5))
	require.NoError(t, r.Flush(context.Background()))
	attempts, _ := store.snapshot()
	require.Equal(t, 1, attempts)
}

func TestHistoryPrefersStore(t *testing.T) {
	store := new(fakeStore)
	r, err := New(Options{Store: store, Pool: newPool(t)})
	require.NoError(t, err)
	r.WindowClosed(window("ns1", 7))
	r.WindowClosed(window("ns2", 8))
	require.NoError(t, r.Flush(context.Background()))

	records, err := r.History(context.Background(), "ns2", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint32(8), records[0].FluctuationUs)

	memOnly, err := New(Options{})
	require.NoError(t, err)
	memOnly.WindowClosed(window("ns1", 1))
	records, err = memOnly.History(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestFlushHonoursContext(t *testing.T) {
	block := make(chan struct{})
	store := &blockingStore{release: block}
	r, err := New(Options{Store: store, Pool: newPool(t)})
	require.NoError(t, err)

	r.WindowClosed(window("ns1", 1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Flush(ctx), context.DeadlineExceeded)
	close(block)
	require.NoError(t, r.Flush(context.Background()))
}

type blockingStore struct {
	release chan struct{}
}

func (b *blockingStore) Insert(ctx context.Context, _ windowstore.WindowRecord) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingStore) ListRecent(context.Context, string, int) ([]windowstore.WindowRecord, error) {
	return nil, nil
}

func fluctuations(records []windowstore.WindowRecord) []uint32 {
	out := make([]uint32, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.FluctuationUs)
	}
	return out
}
