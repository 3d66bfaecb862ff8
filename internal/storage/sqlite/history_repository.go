package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/mpetrun5/bookgrab/internal/storage"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

// RecordFinished upserts a terminal task. Re-recording the same task id
// overwrites the previous row, which covers a task re-submitted after an
// earlier failure.
func (r *HistoryRepository) RecordFinished(ctx context.Context, rec storage.HistoryRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO history (task_id, title, author, content_type, source, status, message, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			finished_at = excluded.finished_at
	`, rec.TaskID, rec.Title, rec.Author, rec.ContentType, rec.Source, rec.Status, rec.Message, rec.FinishedAt.UTC().Format(time.RFC3339))

	return err
}

func (r *HistoryRepository) GetHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT task_id, title, author, content_type, source, status, message, finished_at
		FROM history
		ORDER BY finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.HistoryRecord

	for rows.Next() {
		var (
			rec        storage.HistoryRecord
			finishedAt string
			message    sql.NullString
		)

		if err := rows.Scan(&rec.TaskID, &rec.Title, &rec.Author, &rec.ContentType, &rec.Source, &rec.Status, &message, &finishedAt); err != nil {
			return nil, err
		}

		rec.Message = message.String
		rec.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *HistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM history WHERE finished_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
