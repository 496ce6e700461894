package driven

import (
	"context"
	"time"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

// TokenStore defines the driven port for code-host search token persistence.
type TokenStore interface {
	// Add stores a new token and returns its id.
	Add(ctx context.Context, token model.SearchToken) (int64, error)

	// ListActive returns all active tokens with decrypted values.
	ListActive(ctx context.Context) ([]model.SearchToken, error)

	// RecordUsage updates a token's usage counters and, when the provider
	// reported them, overwrites remaining quota and reset time. remaining and
	// resetAt are nil when the response carried no rate-limit metadata.
	RecordUsage(ctx context.Context, tokenID int64, success bool, remaining *int, resetAt *time.Time) error

	// Deactivate soft-deletes a token. Tokens are never hard-deleted so usage
	// history stays auditable.
	Deactivate(ctx context.Context, tokenID int64) error
}
