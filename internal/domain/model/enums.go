package model

// KeyStatus is the canonical validation status of a candidate key. Adapters
// translate whatever the durable schema uses (boolean flags, free-text) to and
// from this enum at the boundary.
type KeyStatus string

const (
	KeyStatusPending       KeyStatus = "pending"
	KeyStatusValidating    KeyStatus = "validating"
	KeyStatusValid         KeyStatus = "valid"
	KeyStatusInvalid       KeyStatus = "invalid"
	KeyStatusQuotaExceeded KeyStatus = "quota_exceeded"
)

// RunStatus represents the lifecycle state of a background service run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ServiceName identifies one of the background services that produce runs.
type ServiceName string

const (
	ServiceScanner     ServiceName = "scanner"
	ServiceValidator   ServiceName = "validator"
	ServiceRevalidator ServiceName = "revalidator"
)

// LogLevel is the severity of a run log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)
