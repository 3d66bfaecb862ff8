// Package storage persists the history of finished acquisitions. The live
// queue is in-memory only; history is what survives a restart.
package storage

import (
	"context"
	"time"
)

// HistoryRecord is one terminal task, as kept for the history view.
type HistoryRecord struct {
	TaskID      string
	Title       string
	Author      string
	ContentType string
	Source      string
	Status      string
	Message     string
	FinishedAt  time.Time
}

type HistoryReadRepository interface {
	GetHistory(ctx context.Context, limit int) ([]HistoryRecord, error)
}

type HistoryWriteRepository interface {
	RecordFinished(ctx context.Context, rec HistoryRecord) error

	// DeleteOlderThan removes records finished before the cutoff and
	// returns how many went.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
