// Package journal persists finished calls to SQLite so operators can see
// what the worker was asked to do and how it went.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/enginehost/internal/dispatch"
	"github.com/mattjoyce/enginehost/internal/log"
)

const maxErrorBytes = 8 * 1024

// Fixed-width UTC timestamps so text comparison orders them.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal implements dispatch.Recorder on a calls table.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ dispatch.Recorder = (*Journal)(nil)

func New(db *sql.DB) *Journal {
	return &Journal{db: db, logger: log.WithComponent("journal")}
}

// RecordCall stores rec. Recording the same id twice keeps the later row.
func (j *Journal) RecordCall(ctx context.Context, rec dispatch.CallRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("call id is empty")
	}
	if rec.Operation == "" {
		return fmt.Errorf("operation is empty")
	}

	var errVal any
	if rec.Error != "" {
		s := rec.Error
		if len(s) > maxErrorBytes {
			s = s[:maxErrorBytes]
		}
		errVal = s
	}

	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO calls(
  id, operation, generation, status, error, abandoned, progress_count,
  payload_bytes, result_bytes, started_at, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.Operation, int64(rec.Generation), rec.Status, errVal, rec.Abandoned, rec.ProgressCount,
		rec.PayloadBytes, rec.ResultBytes, formatTime(rec.StartedAt), formatTime(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// List returns up to limit calls, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]dispatch.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, operation, generation, status, error, abandoned, progress_count,
       payload_bytes, result_bytes, started_at, finished_at
FROM calls
ORDER BY started_at DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]dispatch.CallRecord, 0, limit)
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return out, nil
}

// Get returns the call with id, or sql.ErrNoRows.
func (j *Journal) Get(ctx context.Context, id string) (dispatch.CallRecord, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, operation, generation, status, error, abandoned, progress_count,
       payload_bytes, result_bytes, started_at, finished_at
FROM calls
WHERE id = ?;
`, id)
	rec, err := scanCall(row)
	if err != nil {
		return dispatch.CallRecord{}, err
	}
	return rec, nil
}

// Prune deletes calls that finished more than retention ago.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := j.db.ExecContext(ctx, `DELETE FROM calls WHERE finished_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	return n, nil
}

// RunPruner prunes once immediately and then every interval until ctx is
// done. Prune failures are logged and retried on the next tick.
func (j *Journal) RunPruner(ctx context.Context, retention, interval time.Duration) error {
	if retention <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}

	j.prune(ctx, retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.prune(ctx, retention)
		case <-ctx.Done():
			return nil
		}
	}
}

func (j *Journal) prune(ctx context.Context, retention time.Duration) {
	n, err := j.Prune(ctx, retention)
	if err != nil {
		j.logger.Error("failed to prune calls", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("pruned calls", "count", n, "retention", retention.String())
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (dispatch.CallRecord, error) {
	var (
		rec        dispatch.CallRecord
		generation int64
		errText    sql.NullString
		startedAt  string
		finishedAt string
	)
	if err := s.Scan(&rec.ID, &rec.Operation, &generation, &rec.Status, &errText, &rec.Abandoned,
		&rec.ProgressCount, &rec.PayloadBytes, &rec.ResultBytes, &startedAt, &finishedAt); err != nil {
		return dispatch.CallRecord{}, fmt.Errorf("scan call: %w", err)
	}
	rec.Generation = uint64(generation)
	rec.Error = errText.String
	if t, err := time.Parse(timeLayout, startedAt); err == nil {
		rec.StartedAt = t
	}
	if t, err := time.Parse(timeLayout, finishedAt); err == nil {
		rec.FinishedAt = t
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
