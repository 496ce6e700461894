package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// ErrAlreadyRunning is returned when a start is requested for a loop that is
// already active.
var ErrAlreadyRunning = errors.New("already running")

// RevalidateParams tunes the background revalidation loop.
type RevalidateParams struct {
	BatchSize  int
	Interval   time.Duration
	ProbeDelay time.Duration
	RunID      string
}

// RevalidateStatus is a point-in-time snapshot of the loop.
type RevalidateStatus struct {
	Running     bool       `json:"running"`
	RunID       string     `json:"run_id,omitempty"`
	Cycles      int        `json:"cycles"`
	Probed      int        `json:"probed"`
	Recovered   int        `json:"recovered"`
	LastCycleAt *time.Time `json:"last_cycle_at,omitempty"`
}

// RevalidateService periodically probes quota-exceeded and pending keys:
// quota-exceeded keys flow back into the valid pool once their provider quota
// resets, and pending keys (fresh discoveries, transient probe failures,
// admin requeues) get their classification. Probes within a cycle are
// sequential and paced; stop requests take effect between probes, never
// mid-probe.
type RevalidateService struct {
	candidates driven.CandidateStore
	validator  *ValidateService
	runs       driven.RunStore

	mu        sync.Mutex
	running   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	runID     string
	cycles    int
	probed    int
	recovered int
	lastCycle *time.Time
}

// NewRevalidateService creates a RevalidateService with all required
// dependencies.
func NewRevalidateService(candidates driven.CandidateStore, validator *ValidateService, runs driven.RunStore) *RevalidateService {
	return &RevalidateService{
		candidates: candidates,
		validator:  validator,
		runs:       runs,
	}
}

// Start launches the loop. Returns ErrAlreadyRunning if it is active.
func (s *RevalidateService) Start(ctx context.Context, params RevalidateParams) error {
	if params.BatchSize <= 0 {
		params.BatchSize = 10
	}
	if params.Interval <= 0 {
		params.Interval = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopped = false
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.runID = params.RunID
	s.cycles = 0
	s.probed = 0
	s.recovered = 0
	s.lastCycle = nil

	go s.loop(ctx, params, s.stopCh, s.doneCh)

	return nil
}

// Stop requests the loop to end and blocks until it has. Safe to call when
// the loop is not running, and safe to call more than once.
func (s *RevalidateService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

// Status reports the loop's current state and cumulative counters.
func (s *RevalidateService) Status() RevalidateStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := RevalidateStatus{
		Running:   s.running,
		Cycles:    s.cycles,
		Probed:    s.probed,
		Recovered: s.recovered,
	}
	if s.running {
		status.RunID = s.runID
	}
	if s.lastCycle != nil {
		t := *s.lastCycle
		status.LastCycleAt = &t
	}
	return status
}

func (s *RevalidateService) loop(ctx context.Context, params RevalidateParams, stopCh, doneCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(doneCh)
	}()

	for {
		cycleStart := time.Now()
		s.runCycle(ctx, params, stopCh)

		now := time.Now().UTC()
		s.mu.Lock()
		s.cycles++
		s.lastCycle = &now
		s.mu.Unlock()

		// Cycle time counts against the interval.
		wait := params.Interval - time.Since(cycleStart)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runCycle probes up to BatchSize keys: quota-exceeded keys first, with any
// remaining batch capacity filled by pending keys awaiting a first (or
// retried) classification. A stop request is honored between probes; the
// in-flight probe always completes so its outcome is recorded.
func (s *RevalidateService) runCycle(ctx context.Context, params RevalidateParams, stopCh chan struct{}) {
	batch, err := s.loadBatch(ctx, params.BatchSize)
	if err != nil {
		slog.Error("revalidation batch load failed", "error", err)
		s.log(ctx, params.RunID, model.LogLevelError, "batch load failed: "+err.Error(), "")
		return
	}
	if len(batch) == 0 {
		return
	}

	slog.Info("revalidation cycle starting", "batch_size", len(batch))

	recovered := 0
	for i, candidate := range batch {
		if i > 0 && params.ProbeDelay > 0 {
			timer := time.NewTimer(params.ProbeDelay)
			select {
			case <-stopCh:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		outcome, err := s.validator.Validate(ctx, candidate.RawKey)
		s.mu.Lock()
		s.probed++
		s.mu.Unlock()
		if err != nil {
			slog.Warn("revalidation probe failed",
				"key", model.RedactKey(candidate.RawKey),
				"error", err,
			)
			s.log(ctx, params.RunID, model.LogLevelWarn, "probe failed: "+err.Error(), model.RedactKey(candidate.RawKey))
			continue
		}
		if outcome.Status == model.KeyStatusValid {
			recovered++
			s.mu.Lock()
			s.recovered++
			s.mu.Unlock()
			message := "key recovered"
			if candidate.Status == model.KeyStatusPending {
				message = "key validated"
			}
			s.log(ctx, params.RunID, model.LogLevelInfo, message, model.RedactKey(candidate.RawKey))
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}

	slog.Info("revalidation cycle finished", "probed", len(batch), "recovered", recovered)
	s.log(ctx, params.RunID, model.LogLevelInfo,
		fmt.Sprintf("cycle finished: probed=%d recovered=%d", len(batch), recovered), "")
}

// loadBatch assembles one cycle's worth of candidates: quota-exceeded keys
// take priority, pending keys fill whatever capacity is left.
func (s *RevalidateService) loadBatch(ctx context.Context, batchSize int) ([]model.ValidationOutcome, error) {
	batch, err := s.candidates.ListByStatus(ctx, model.KeyStatusQuotaExceeded, batchSize)
	if err != nil {
		return nil, err
	}

	remaining := batchSize - len(batch)
	if remaining <= 0 {
		return batch, nil
	}

	pending, err := s.candidates.ListByStatus(ctx, model.KeyStatusPending, remaining)
	if err != nil {
		return nil, err
	}

	return append(batch, pending...), nil
}

func (s *RevalidateService) log(ctx context.Context, runID string, level model.LogLevel, message, keyRef string) {
	if s.runs == nil || runID == "" {
		return
	}
	entry := model.RunLog{
		RunID:   runID,
		Level:   level,
		Message: message,
		KeyRef:  keyRef,
	}
	if err := s.runs.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		slog.Error("append run log failed", "run_id", runID, "error", err)
	}
}
