package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RunStore = (*RunRepo)(nil)

// RunRepo is the SQLite implementation of the RunStore port.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new RunRepo backed by the given DB.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

// CreateRun records the start of a background service run.
func (r *RunRepo) CreateRun(ctx context.Context, run model.Run) error {
	stats := run.Stats
	if stats == nil {
		stats = map[string]any{}
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}

	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	const query = `INSERT INTO runs (id, service, status, stats, started_at) VALUES (?, ?, ?, ?, ?)`

	_, err = r.db.Writer.ExecContext(ctx, query,
		run.ID, string(run.Service), string(model.RunStatusRunning), string(statsJSON), startedAt.UTC())
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}

	return nil
}

// FinishRun finalizes a run with its terminal status and stats payload.
func (r *RunRepo) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats map[string]any) error {
	if stats == nil {
		stats = map[string]any{}
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}

	const query = `UPDATE runs SET status = ?, stats = ?, finished_at = ? WHERE id = ?`

	_, err = r.db.Writer.ExecContext(ctx, query, string(status), string(statsJSON), time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}

	return nil
}

// FailStaleRuns marks runs still recorded as running as failed. A running row
// surviving a process restart is stale evidence, not an active loop.
func (r *RunRepo) FailStaleRuns(ctx context.Context) (int64, error) {
	const query = `UPDATE runs SET status = 'failed', finished_at = ? WHERE status = 'running'`

	res, err := r.db.Writer.ExecContext(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail stale runs rows: %w", err)
	}

	return rows, nil
}

// AppendLog appends one structured log entry to a run.
func (r *RunRepo) AppendLog(ctx context.Context, entry model.RunLog) error {
	detail := entry.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal log detail: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const query = `INSERT INTO run_logs (run_id, level, message, detail, key_ref, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	_, err = r.db.Writer.ExecContext(ctx, query,
		entry.RunID, string(entry.Level), entry.Message, string(detailJSON), entry.KeyRef, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("append log for run %s: %w", entry.RunID, err)
	}

	return nil
}

// ListLogs returns a run's log entries in append order, up to limit.
func (r *RunRepo) ListLogs(ctx context.Context, runID string, limit int) ([]model.RunLog, error) {
	const query = `
		SELECT id, run_id, level, message, detail, key_ref, created_at
		FROM run_logs
		WHERE run_id = ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []model.RunLog
	for rows.Next() {
		var entry model.RunLog
		var level, detailJSON, createdAt string

		if err := rows.Scan(&entry.ID, &entry.RunID, &level, &entry.Message, &detailJSON, &entry.KeyRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}

		entry.Level = model.LogLevel(level)

		if err := json.Unmarshal([]byte(detailJSON), &entry.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal log detail: %w", err)
		}

		entry.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse log created_at: %w", err)
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}

	return entries, nil
}
