package driven

import (
	"context"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

// RunStore defines the driven port for execution records and their append-only
// structured logs.
type RunStore interface {
	// CreateRun records the start of a background service run.
	CreateRun(ctx context.Context, run model.Run) error

	// FinishRun finalizes a run with its terminal status and stats payload.
	FinishRun(ctx context.Context, runID string, status model.RunStatus, stats map[string]any) error

	// FailStaleRuns marks any run still recorded as running as failed. Called
	// once at process start: a leftover running row is stale evidence from a
	// previous process, not proof of an active loop.
	FailStaleRuns(ctx context.Context) (int64, error)

	// AppendLog appends one structured log entry to a run.
	AppendLog(ctx context.Context, entry model.RunLog) error

	// ListLogs returns a run's log entries in append order, up to limit.
	ListLogs(ctx context.Context, runID string, limit int) ([]model.RunLog, error)
}
