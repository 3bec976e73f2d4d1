package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/coachpo/leomon/errs"
	"github.com/coachpo/leomon/internal/domain/windowstore"
)

func TestWindowStoreNilPool(t *testing.T) {
	store := NewWindowStore(nil)
	ctx := context.Background()
	rec := windowstore.WindowRecord{ID: uuid.New(), ContextID: "root", SampleCount: 100}
	if err := store.Insert(ctx, rec); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListRecent(ctx, "", 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch v := d.(type) {
		case *uuid.UUID:
			*v = r.values[i].(uuid.UUID)
		case *string:
			*v = r.values[i].(string)
		case *int64:
			*v = r.values[i].(int64)
		case *int:
			*v = r.values[i].(int)
		}
	}
	return nil
}

func TestScanWindowRecordConvertsWidths(t *testing.T) {
	id := uuid.New()
	row := fakeRow{values: []any{id, "ns1", int64(1160), 100, int64(100), int64(199), int64(105), int64(195), int64(90), nil}}
	rec, err := scanWindowRecord(row)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rec.ID != id || rec.ContextID != "ns1" {
		t.Fatalf("unexpected identity: %+v", rec)
	}
	if rec.ClosedAtMs != 1160 || rec.LowRTT != 105 || rec.HighRTT != 195 || rec.FluctuationUs != 90 {
		t.Fatalf("unexpected values: %+v", rec)
	}
}

func TestWindowStoreRejectsInvalidRecords(t *testing.T) {
	store := NewWindowStore(nil)
	err := store.Insert(context.Background(), windowstore.WindowRecord{ContextID: "  "})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	err = store.Insert(context.Background(), windowstore.WindowRecord{ContextID: "ns1", ClosedAtMs: 1 << 63})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid request for out of range timestamp, got %v", err)
	}
}
