package driven

import (
	"context"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

// CandidateStore defines the driven port for candidate key persistence.
// Implementations must make every status transition an atomic compare-and-set;
// the store, not the caller, arbitrates races between concurrent flows.
type CandidateStore interface {
	// UpsertCandidate inserts a candidate keyed by its raw secret value.
	// If the key is already known the call is an idempotent provenance update:
	// source and source URL are refreshed, no duplicate row is created, and
	// created=false is returned.
	UpsertCandidate(ctx context.Context, key model.CandidateKey) (created bool, err error)

	// GetByRawKey returns the candidate and its current validation outcome.
	// Returns nil, nil if the key is unknown.
	GetByRawKey(ctx context.Context, rawKey string) (*model.ValidationOutcome, error)

	// ListByStatus returns up to limit outcomes with the given status, oldest
	// last-validated-at first (never-validated rows sort first).
	ListByStatus(ctx context.Context, status model.KeyStatus, limit int) ([]model.ValidationOutcome, error)

	// ListValidKeys returns the raw keys currently classified valid, for use
	// by the rotating dispatch pool.
	ListValidKeys(ctx context.Context) ([]string, error)

	// MarkValidating atomically transitions the key to validating. It reports
	// false when the key is unknown, already validating, or invalid (invalid
	// is terminal without an explicit requeue). Exactly one of N concurrent
	// callers observes true.
	MarkValidating(ctx context.Context, rawKey string) (bool, error)

	// WriteOutcome records a probe result, replacing the validating status.
	// It also sets the candidate's validated flag on first completed probe.
	WriteOutcome(ctx context.Context, outcome model.ValidationOutcome) error

	// MarkQuotaExceeded atomically transitions a valid key to quota_exceeded.
	// Used by the dispatch pool when live traffic hits a quota error.
	MarkQuotaExceeded(ctx context.Context, rawKey string, detail string) error

	// Requeue administratively moves an invalid key back to pending so the
	// revalidator will pick it up again. Reports false if the key was not
	// invalid.
	Requeue(ctx context.Context, keyID int64) (bool, error)
}
