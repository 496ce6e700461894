package model

import "time"

// Run is the execution record of one background service invocation. ID is an
// opaque correlation id (uuid) carried by every log entry the run emits.
type Run struct {
	ID         string
	Service    ServiceName
	Status     RunStatus
	Stats      map[string]any
	StartedAt  time.Time
	FinishedAt *time.Time
}

// RunLog is one append-only structured log entry attached to a run. KeyRef,
// when set, holds a redacted key reference, never the raw secret.
type RunLog struct {
	ID        int64
	RunID     string
	Level     LogLevel
	Message   string
	Detail    map[string]any
	KeyRef    string
	CreatedAt time.Time
}
