package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

func TestTokenRepo_AddAndListActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTokenRepo(db, nil)
	ctx := context.Background()

	id, err := repo.Add(ctx, model.SearchToken{Value: "ghp_abc123", Name: "primary", Active: true})
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = repo.Add(ctx, model.SearchToken{Value: "ghp_inactive", Name: "spare", Active: false})
	require.NoError(t, err)

	tokens, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "ghp_abc123", tokens[0].Value)
	assert.Equal(t, "primary", tokens[0].Name)
	assert.Nil(t, tokens[0].Remaining)
	assert.Nil(t, tokens[0].ResetAt)
}

func TestTokenRepo_EncryptionRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	repo := NewTokenRepo(db, key)
	ctx := context.Background()

	_, err := repo.Add(ctx, model.SearchToken{Value: "ghp_secret", Name: "enc", Active: true})
	require.NoError(t, err)

	// Stored form must not contain the plaintext.
	var stored string
	err = db.Reader.QueryRowContext(ctx, `SELECT value FROM search_tokens WHERE name = 'enc'`).Scan(&stored)
	require.NoError(t, err)
	assert.NotContains(t, stored, "ghp_secret")
	assert.Contains(t, stored, encPrefix)

	tokens, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "ghp_secret", tokens[0].Value)
}

func TestTokenRepo_PlaintextRowsReadableAfterKeyConfigured(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	plainRepo := NewTokenRepo(db, nil)
	_, err := plainRepo.Add(ctx, model.SearchToken{Value: "ghp_old", Name: "legacy", Active: true})
	require.NoError(t, err)

	key := make([]byte, 32)
	encRepo := NewTokenRepo(db, key)
	tokens, err := encRepo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "ghp_old", tokens[0].Value)
}

func TestTokenRepo_RecordUsageOverwritesQuota(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTokenRepo(db, nil)
	ctx := context.Background()

	id, err := repo.Add(ctx, model.SearchToken{Value: "ghp_abc", Name: "primary", Active: true})
	require.NoError(t, err)

	remaining := 27
	resetAt := time.Now().UTC().Add(40 * time.Second).Truncate(time.Second)
	require.NoError(t, repo.RecordUsage(ctx, id, true, &remaining, &resetAt))

	tokens, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	token := tokens[0]
	assert.Equal(t, 1, token.TotalUses)
	assert.Equal(t, 1, token.SuccessCount)
	assert.Equal(t, 0, token.FailCount)
	require.NotNil(t, token.Remaining)
	assert.Equal(t, 27, *token.Remaining)
	require.NotNil(t, token.ResetAt)
	assert.WithinDuration(t, resetAt, *token.ResetAt, time.Second)
	require.NotNil(t, token.LastUsedAt)

	// A failure without rate metadata bumps counters but leaves quota as-is.
	require.NoError(t, repo.RecordUsage(ctx, id, false, nil, nil))

	tokens, err = repo.ListActive(ctx)
	require.NoError(t, err)
	token = tokens[0]
	assert.Equal(t, 2, token.TotalUses)
	assert.Equal(t, 1, token.FailCount)
	require.NotNil(t, token.Remaining)
	assert.Equal(t, 27, *token.Remaining)
}

func TestTokenRepo_Deactivate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTokenRepo(db, nil)
	ctx := context.Background()

	id, err := repo.Add(ctx, model.SearchToken{Value: "ghp_abc", Name: "primary", Active: true})
	require.NoError(t, err)

	require.NoError(t, repo.Deactivate(ctx, id))

	tokens, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	// Soft delete: the row survives for audit.
	var count int
	err = db.Reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_tokens`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
