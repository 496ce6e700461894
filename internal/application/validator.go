package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// ValidateService probes one candidate credential and records the classified
// outcome. Concurrent calls for the same key collapse into a single probe:
// an in-process singleflight group deduplicates callers, and the store's
// mark-validating compare-and-set guards against other flows (scanner
// workers, the revalidator loop) racing on the same key.
type ValidateService struct {
	candidates driven.CandidateStore
	prober     driven.Prober
	group      singleflight.Group
}

// NewValidateService creates a ValidateService with all required dependencies.
func NewValidateService(candidates driven.CandidateStore, prober driven.Prober) *ValidateService {
	return &ValidateService{
		candidates: candidates,
		prober:     prober,
	}
}

// Validate probes the key and returns its recorded outcome. N concurrent
// calls for the same key issue exactly one underlying probe; every caller
// observes the shared result.
func (s *ValidateService) Validate(ctx context.Context, rawKey string) (model.ValidationOutcome, error) {
	v, err, _ := s.group.Do(rawKey, func() (any, error) {
		return s.validate(ctx, rawKey)
	})
	if err != nil {
		return model.ValidationOutcome{}, err
	}
	return v.(model.ValidationOutcome), nil
}

// validate performs the guarded probe for one key.
func (s *ValidateService) validate(ctx context.Context, rawKey string) (model.ValidationOutcome, error) {
	won, err := s.candidates.MarkValidating(ctx, rawKey)
	if err != nil {
		return model.ValidationOutcome{}, fmt.Errorf("mark validating: %w", err)
	}
	if !won {
		// Another flow owns the probe, or the key is terminally invalid.
		// Report whatever the store currently says.
		outcome, err := s.candidates.GetByRawKey(ctx, rawKey)
		if err != nil {
			return model.ValidationOutcome{}, fmt.Errorf("get outcome: %w", err)
		}
		if outcome == nil {
			return model.ValidationOutcome{}, fmt.Errorf("validate: unknown key %s", model.RedactKey(rawKey))
		}
		return *outcome, nil
	}

	// From here the validating guard is held; exactly one outcome write must
	// happen no matter how the probe ends, or the key is stuck.
	outcomeWritten := false
	defer func() {
		if outcomeWritten {
			return
		}
		release := model.ValidationOutcome{
			RawKey:          rawKey,
			Status:          model.KeyStatusPending,
			LastValidatedAt: time.Now().UTC(),
			ErrorDetail:     "probe aborted before classification",
		}
		if writeErr := s.candidates.WriteOutcome(context.WithoutCancel(ctx), release); writeErr != nil {
			slog.Error("failed to release validating guard",
				"key", model.RedactKey(rawKey),
				"error", writeErr,
			)
		}
	}()

	result, err := s.prober.Probe(ctx, rawKey)
	if err != nil {
		return model.ValidationOutcome{}, fmt.Errorf("probe: %w", err)
	}

	outcome := model.ValidationOutcome{
		RawKey:          rawKey,
		Status:          result.Status,
		LastValidatedAt: time.Now().UTC(),
		Capabilities:    result.Capabilities,
		ErrorDetail:     result.ErrorDetail,
	}

	if err := s.candidates.WriteOutcome(ctx, outcome); err != nil {
		return model.ValidationOutcome{}, fmt.Errorf("write outcome: %w", err)
	}
	outcomeWritten = true

	slog.Debug("key validated",
		"key", model.RedactKey(rawKey),
		"status", string(outcome.Status),
	)

	return outcome, nil
}
