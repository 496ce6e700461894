package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// ErrPoolExhausted is returned when no valid key could serve a request:
// the pool is empty, or every tried key hit its quota.
var ErrPoolExhausted = errors.New("key pool exhausted")

// DispatchOptions tunes one dispatched request.
type DispatchOptions struct {
	// MaxAttempts caps the total number of operation invocations across
	// rotated keys. Zero means one attempt per available key.
	MaxAttempts int
}

// DispatchPool serves live provider traffic off the pool of valid keys. Each
// request walks the pool round-robin from a moving cursor; a key that reports
// quota exhaustion is demoted in the store and the next key is tried, each key
// at most once per request.
type DispatchPool struct {
	candidates driven.CandidateStore
	isQuota    func(error) bool

	mu     sync.Mutex
	cursor int
}

// NewDispatchPool creates a DispatchPool. isQuota classifies an operation
// error as quota exhaustion, which triggers demotion and rotation; any other
// error is returned to the caller unchanged.
func NewDispatchPool(candidates driven.CandidateStore, isQuota func(error) bool) *DispatchPool {
	return &DispatchPool{candidates: candidates, isQuota: isQuota}
}

// WithKeyRotation runs op with a valid key, rotating to the next key when op
// reports quota exhaustion. Returns ErrPoolExhausted when no key could serve
// the request.
func (p *DispatchPool) WithKeyRotation(ctx context.Context, opts DispatchOptions, op func(ctx context.Context, rawKey string) (string, error)) (string, error) {
	var result string
	err := p.rotate(ctx, opts, func(ctx context.Context, rawKey string, _ func()) error {
		var opErr error
		result, opErr = op(ctx, rawKey)
		return opErr
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// WithKeyRotationStream runs a streaming op with a valid key. The op must
// call started before emitting its first chunk: rotation is only possible
// before that point, since a partially delivered stream cannot be replayed on
// another key. A quota error after started is returned to the caller as-is.
func (p *DispatchPool) WithKeyRotationStream(ctx context.Context, opts DispatchOptions, op func(ctx context.Context, rawKey string, started func()) error) error {
	return p.rotate(ctx, opts, op)
}

func (p *DispatchPool) rotate(ctx context.Context, opts DispatchOptions, op func(ctx context.Context, rawKey string, started func()) error) error {
	keys, err := p.candidates.ListValidKeys(ctx)
	if err != nil {
		return fmt.Errorf("list valid keys: %w", err)
	}
	if len(keys) == 0 {
		return ErrPoolExhausted
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > len(keys) {
		maxAttempts = len(keys)
	}

	p.mu.Lock()
	start := p.cursor % len(keys)
	p.cursor++
	p.mu.Unlock()

	for attempt := range maxAttempts {
		rawKey := keys[(start+attempt)%len(keys)]

		streamStarted := false
		opErr := op(ctx, rawKey, func() { streamStarted = true })
		if opErr == nil {
			return nil
		}
		if !p.isQuota(opErr) {
			return opErr
		}

		// The key's quota is gone: demote it so the revalidator picks it up.
		if markErr := p.candidates.MarkQuotaExceeded(ctx, rawKey, opErr.Error()); markErr != nil {
			slog.Error("demote quota-exceeded key failed",
				"key", model.RedactKey(rawKey),
				"error", markErr,
			)
		}
		slog.Info("key quota exhausted, rotating",
			"key", model.RedactKey(rawKey),
			"attempt", attempt+1,
		)

		if streamStarted {
			// Chunks already reached the caller; replaying on another key
			// would duplicate output.
			return opErr
		}
	}

	return ErrPoolExhausted
}
