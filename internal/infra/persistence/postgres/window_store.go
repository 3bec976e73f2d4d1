package postgres

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/leomon/errs"
	"github.com/coachpo/leomon/internal/domain/windowstore"
)

// WindowStore persists closed fluctuation windows.
type WindowStore struct {
	pool *pgxpool.Pool
}

// NewWindowStore constructs a WindowStore backed by the provided pool.
func NewWindowStore(pool *pgxpool.Pool) *WindowStore {
	return &WindowStore{pool: pool}
}

const (
	defaultWindowLimit = 128
	maxWindowLimit     = 1024
)

const (
	windowInsertSQL = `
INSERT INTO fluctuation_windows (
    id,
    context_id,
    closed_at_ms,
    sample_count,
    local_min_us,
    local_max_us,
    low_rtt_us,
    high_rtt_us,
    fluctuation_us,
    recorded_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
ON CONFLICT (id) DO NOTHING;
`

	windowListRecentSQL = `
SELECT
    id,
    context_id,
    closed_at_ms,
    sample_count,
    local_min_us,
    local_max_us,
    low_rtt_us,
    high_rtt_us,
    fluctuation_us,
    recorded_at
FROM fluctuation_windows
WHERE ($1 = '' OR context_id = $1)
ORDER BY recorded_at DESC, closed_at_ms DESC
LIMIT $2;
`
)

// Insert stores a window record. Re-inserting the same ID is a no-op so retried writes stay
// idempotent.
func (s *WindowStore) Insert(ctx context.Context, rec windowstore.WindowRecord) error {
	contextID := strings.TrimSpace(rec.ContextID)
	if contextID == "" {
		return errs.New("postgres/window", errs.CodeInvalid, errs.WithMessage("context id required"))
	}
	if rec.ClosedAtMs > math.MaxInt64 {
		return errs.New("postgres/window", errs.CodeInvalid, errs.WithMessage("closed_at_ms out of range"))
	}
	if s.pool == nil {
		return fmt.Errorf("window store: nil pool")
	}
	var recordedAt any
	if !rec.RecordedAt.IsZero() {
		recordedAt = rec.RecordedAt.UTC()
	}
	_, err := s.pool.Exec(ctx, windowInsertSQL,
		rec.ID,
		contextID,
		int64(rec.ClosedAtMs),
		rec.SampleCount,
		int64(rec.LocalMin),
		int64(rec.LocalMax),
		int64(rec.LowRTT),
		int64(rec.HighRTT),
		int64(rec.FluctuationUs),
		recordedAt,
	)
	if err != nil {
		return fmt.Errorf("window store: insert: %w", err)
	}
	return nil
}

// ListRecent returns up to limit windows, newest first. An empty contextID lists every context.
func (s *WindowStore) ListRecent(ctx context.Context, contextID string, limit int) ([]windowstore.WindowRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("window store: nil pool")
	}
	if limit <= 0 {
		limit = defaultWindowLimit
	} else if limit > maxWindowLimit {
		limit = maxWindowLimit
	}
	rows, err := s.pool.Query(ctx, windowListRecentSQL, strings.TrimSpace(contextID), limit)
	if err != nil {
		return nil, fmt.Errorf("window store: list recent: %w", err)
	}
	defer rows.Close()

	records := make([]windowstore.WindowRecord, 0, limit)
	for rows.Next() {
		record, err := scanWindowRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("window store: iterate recent: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWindowRecord(row rowScanner) (windowstore.WindowRecord, error) {
	var (
		record                        windowstore.WindowRecord
		closedAt                      int64
		localMin, localMax, low, high int64
		fluctuation                   int64
	)
	if err := row.Scan(
		&record.ID,
		&record.ContextID,
		&closedAt,
		&record.SampleCount,
		&localMin,
		&localMax,
		&low,
		&high,
		&fluctuation,
		&record.RecordedAt,
	); err != nil {
		return windowstore.WindowRecord{}, fmt.Errorf("window store: scan record: %w", err)
	}
	record.ClosedAtMs = uint64(closedAt)
	record.LocalMin = uint32(localMin)
	record.LocalMax = uint32(localMax)
	record.LowRTT = uint32(low)
	record.HighRTT = uint32(high)
	record.FluctuationUs = uint32(fluctuation)
	return record, nil
}

var _ windowstore.Store = (*WindowStore)(nil)
