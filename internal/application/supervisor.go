package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// ScanStatus is a point-in-time snapshot of the scanner.
type ScanStatus struct {
	Running  bool          `json:"running"`
	RunID    string        `json:"run_id,omitempty"`
	Progress *ScanProgress `json:"progress,omitempty"`
	Last     *ScanResult   `json:"last_result,omitempty"`
}

// Supervisor owns the lifecycle of the background services: it assigns run
// identifiers, persists run records and their logs, and enforces that at most
// one scan and one revalidation loop are active at a time. Background work
// runs on the supervisor's base context, not on the HTTP request context that
// triggered it.
type Supervisor struct {
	baseCtx context.Context
	scanner *ScanService
	reval   *RevalidateService
	runs    driven.RunStore

	mu          sync.Mutex
	scanRunID   string
	scanRunning bool
	scanLast    *ScanResult
	scanProg    *ScanProgress
	revalRunID  string
}

// NewSupervisor creates a Supervisor. baseCtx bounds the lifetime of all
// background work; canceling it stops every service.
func NewSupervisor(baseCtx context.Context, scanner *ScanService, reval *RevalidateService, runs driven.RunStore) *Supervisor {
	return &Supervisor{
		baseCtx: baseCtx,
		scanner: scanner,
		reval:   reval,
		runs:    runs,
	}
}

// StartScan launches a scan run and returns its run ID. If a scan is already
// active, the active run's ID is returned with ErrAlreadyRunning; callers may
// treat that as a harmless no-op.
func (s *Supervisor) StartScan(params ScanParams) (string, error) {
	s.mu.Lock()
	if s.scanRunning {
		runID := s.scanRunID
		s.mu.Unlock()
		return runID, ErrAlreadyRunning
	}
	runID := uuid.NewString()
	s.scanRunning = true
	s.scanRunID = runID
	s.scanProg = nil
	s.mu.Unlock()

	if err := s.runs.CreateRun(s.baseCtx, model.Run{
		ID:        runID,
		Service:   model.ServiceScanner,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		s.mu.Lock()
		s.scanRunning = false
		s.mu.Unlock()
		return "", fmt.Errorf("create run: %w", err)
	}

	run := s.scanner.Start(s.baseCtx, params)
	go s.superviseScan(runID, run)

	slog.Info("scan started", "run_id", runID, "target", params.TargetCount)
	return runID, nil
}

// superviseScan consumes a scan run's progress into the run log and records
// the final result.
func (s *Supervisor) superviseScan(runID string, run *ScanRun) {
	for progress := range run.Progress {
		s.mu.Lock()
		p := progress
		s.scanProg = &p
		s.mu.Unlock()

		s.appendLog(runID, model.LogLevelDebug,
			fmt.Sprintf("progress: processed=%d found=%d duplicates=%d", progress.Processed, progress.Found, progress.Duplicates))
	}

	result, err := run.Wait()

	status := model.RunStatusCompleted
	var stats map[string]any
	if err != nil {
		status = model.RunStatusFailed
		s.appendLog(runID, model.LogLevelError, "scan failed: "+err.Error())
	} else {
		stats = map[string]any{
			"found":            result.Found,
			"duplicates":       result.Duplicates,
			"processed":        result.Processed,
			"pages_scanned":    result.PagesScanned,
			"rate_limit_skips": result.RateLimitSkips,
			"elapsed_ms":       result.Elapsed.Milliseconds(),
		}
	}

	if finishErr := s.runs.FinishRun(context.WithoutCancel(s.baseCtx), runID, status, stats); finishErr != nil {
		slog.Error("finish run failed", "run_id", runID, "error", finishErr)
	}

	s.mu.Lock()
	s.scanRunning = false
	s.scanLast = result
	s.mu.Unlock()
}

// ScanStatus reports the scanner's current state.
func (s *Supervisor) ScanStatus() ScanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := ScanStatus{
		Running:  s.scanRunning,
		Progress: s.scanProg,
		Last:     s.scanLast,
	}
	if s.scanRunning {
		status.RunID = s.scanRunID
	}
	return status
}

// StartRevalidator launches the revalidation loop and returns its run ID.
// Returns the active run's ID with ErrAlreadyRunning when the loop is active.
// The mutex is held across the start-and-record sequence so a losing
// concurrent start always observes the winner's run id.
func (s *Supervisor) StartRevalidator(params RevalidateParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	params.RunID = runID

	if err := s.reval.Start(s.baseCtx, params); err != nil {
		return s.revalRunID, err
	}

	if err := s.runs.CreateRun(s.baseCtx, model.Run{
		ID:        runID,
		Service:   model.ServiceRevalidator,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		// No execution record means no start: wind the loop back down.
		s.reval.Stop()
		return "", fmt.Errorf("create run: %w", err)
	}

	s.revalRunID = runID

	slog.Info("revalidator started", "run_id", runID, "interval", params.Interval)
	return runID, nil
}

// StopRevalidator stops the loop, waits for the in-flight probe to finish,
// and finalizes the run record. A no-op when the loop is not running.
func (s *Supervisor) StopRevalidator() {
	wasRunning := s.reval.Status().Running
	s.reval.Stop()
	if !wasRunning {
		return
	}

	s.mu.Lock()
	runID := s.revalRunID
	s.revalRunID = ""
	s.mu.Unlock()
	if runID == "" {
		return
	}

	final := s.reval.Status()
	stats := map[string]any{
		"cycles":    final.Cycles,
		"probed":    final.Probed,
		"recovered": final.Recovered,
	}
	if err := s.runs.FinishRun(context.WithoutCancel(s.baseCtx), runID, model.RunStatusCompleted, stats); err != nil {
		slog.Error("finish run failed", "run_id", runID, "error", err)
	}

	slog.Info("revalidator stopped", "run_id", runID)
}

// RevalidatorStatus reports the revalidation loop's current state.
func (s *Supervisor) RevalidatorStatus() RevalidateStatus {
	return s.reval.Status()
}

// RunLogs returns a run's log entries in append order.
func (s *Supervisor) RunLogs(ctx context.Context, runID string, limit int) ([]model.RunLog, error) {
	return s.runs.ListLogs(ctx, runID, limit)
}

func (s *Supervisor) appendLog(runID string, level model.LogLevel, message string) {
	entry := model.RunLog{
		RunID:   runID,
		Level:   level,
		Message: message,
	}
	if err := s.runs.AppendLog(context.WithoutCancel(s.baseCtx), entry); err != nil {
		slog.Error("append run log failed", "run_id", runID, "error", err)
	}
}
