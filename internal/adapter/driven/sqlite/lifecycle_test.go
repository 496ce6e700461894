package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

// Walks one key through the full lifecycle at the store level: discovery,
// first probe hitting quota, revalidation recovering it, live traffic
// exhausting it again.
func TestCandidateRepo_KeyLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCandidateRepo(db)
	ctx := context.Background()

	// Discovery.
	created, err := repo.UpsertCandidate(ctx, model.CandidateKey{
		RawKey:    testKey,
		Source:    "github:acme/leaky",
		SourceURL: "https://github.com/acme/leaky/blob/main/.env",
	})
	require.NoError(t, err)
	require.True(t, created)

	// First probe: the key works but its quota is already burned.
	won, err := repo.MarkValidating(ctx, testKey)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, repo.WriteOutcome(ctx, model.ValidationOutcome{
		RawKey:          testKey,
		Status:          model.KeyStatusQuotaExceeded,
		LastValidatedAt: time.Now().UTC(),
		ErrorDetail:     "RESOURCE_EXHAUSTED",
	}))

	// The revalidator finds it in the quota-exceeded batch.
	batch, err := repo.ListByStatus(ctx, model.KeyStatusQuotaExceeded, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, testKey, batch[0].RawKey)

	// Revalidation probe succeeds after the provider quota reset.
	won, err = repo.MarkValidating(ctx, testKey)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, repo.WriteOutcome(ctx, model.ValidationOutcome{
		RawKey:          testKey,
		Status:          model.KeyStatusValid,
		LastValidatedAt: time.Now().UTC(),
		Capabilities:    []string{"generateContent:gemini-2.5-flash"},
	}))

	// The dispatch pool can now select it.
	valid, err := repo.ListValidKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{testKey}, valid)

	// Live traffic burns the quota again; the key leaves the pool but stays
	// reachable for the next revalidation cycle.
	require.NoError(t, repo.MarkQuotaExceeded(ctx, testKey, "quota exceeded during dispatch"))

	valid, err = repo.ListValidKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, valid)

	batch, err = repo.ListByStatus(ctx, model.KeyStatusQuotaExceeded, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "quota exceeded during dispatch", batch[0].ErrorDetail)
}
