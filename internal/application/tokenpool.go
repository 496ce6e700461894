// Package application contains use-case orchestration services.
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// TokenPool selects code-host search tokens for scanner use, load-balancing
// toward the least-depleted token. Quota numbers come exclusively from the
// provider's response metadata recorded after each use.
type TokenPool struct {
	store driven.TokenStore
	now   func() time.Time
}

// NewTokenPool creates a TokenPool over the given store.
func NewTokenPool(store driven.TokenStore) *TokenPool {
	return &TokenPool{store: store, now: time.Now}
}

// GetAvailableToken returns the best usable token, or nil, nil when every
// active token is still inside its rate-limit window. A nil token means "no
// capacity right now", not an error.
func (p *TokenPool) GetAvailableToken(ctx context.Context) (*model.SearchToken, error) {
	return p.selectToken(ctx, 0)
}

// GetNextAvailableToken returns the best usable token other than the one
// identified by excludingID. Used to rotate off a token that just got rate
// limited.
func (p *TokenPool) GetNextAvailableToken(ctx context.Context, excludingID int64) (*model.SearchToken, error) {
	return p.selectToken(ctx, excludingID)
}

// RecordUsage persists a token use, overwriting remaining quota and reset
// time with whatever the provider reported.
func (p *TokenPool) RecordUsage(ctx context.Context, tokenID int64, success bool, remaining *int, resetAt *time.Time) error {
	return p.store.RecordUsage(ctx, tokenID, success, remaining, resetAt)
}

// selectToken applies the selection policy: among active tokens past their
// reset window, prefer the highest known remaining quota; with no positive
// known quota, fall back to oldest-last-used (a zero remaining count from
// before the reset is stale, not disqualifying).
func (p *TokenPool) selectToken(ctx context.Context, excludingID int64) (*model.SearchToken, error) {
	tokens, err := p.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}

	now := p.now()

	var best *model.SearchToken
	var fallback *model.SearchToken

	for i := range tokens {
		token := &tokens[i]
		if token.ID == excludingID || token.InResetWindow(now) {
			continue
		}

		if token.Remaining != nil && *token.Remaining > 0 {
			if best == nil || *token.Remaining > *best.Remaining {
				best = token
			}
			continue
		}

		if fallback == nil || olderUse(token, fallback) {
			fallback = token
		}
	}

	if best != nil {
		return best, nil
	}
	return fallback, nil
}

// olderUse reports whether a was used less recently than b. A never-used
// token sorts first.
func olderUse(a, b *model.SearchToken) bool {
	if a.LastUsedAt == nil {
		return true
	}
	if b.LastUsedAt == nil {
		return false
	}
	return a.LastUsedAt.Before(*b.LastUsedAt)
}
