// Package windowstore defines persistence contracts for closed fluctuation windows.
package windowstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WindowRecord captures the persisted state of one reduced collection window.
type WindowRecord struct {
	ID            uuid.UUID
	ContextID     string
	ClosedAtMs    uint64
	SampleCount   int
	LocalMin      uint32
	LocalMax      uint32
	LowRTT        uint32
	HighRTT       uint32
	FluctuationUs uint32
	RecordedAt    time.Time
}

// Store abstracts persistence operations for fluctuation windows.
type Store interface {
	Insert(ctx context.Context, rec WindowRecord) error
	// ListRecent returns up to limit records, newest first. An empty contextID lists every context.
	ListRecent(ctx context.Context, contextID string, limit int) ([]WindowRecord, error)
}
