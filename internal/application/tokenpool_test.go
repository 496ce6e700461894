package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frogbytes-xyz/keypool/internal/application"
	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

type usageCall struct {
	TokenID   int64
	Success   bool
	Remaining *int
	ResetAt   *time.Time
}

type mockTokenStore struct {
	tokens []model.SearchToken
	usages []usageCall
}

func (m *mockTokenStore) Add(_ context.Context, _ model.SearchToken) (int64, error) {
	return 0, nil
}

func (m *mockTokenStore) ListActive(_ context.Context) ([]model.SearchToken, error) {
	return m.tokens, nil
}

func (m *mockTokenStore) RecordUsage(_ context.Context, tokenID int64, success bool, remaining *int, resetAt *time.Time) error {
	m.usages = append(m.usages, usageCall{TokenID: tokenID, Success: success, Remaining: remaining, ResetAt: resetAt})
	return nil
}

func (m *mockTokenStore) Deactivate(_ context.Context, _ int64) error {
	return nil
}

func intPtr(v int) *int              { return &v }
func timePtr(t time.Time) *time.Time { return &t }

func TestTokenPool_PrefersHighestRemaining(t *testing.T) {
	future := time.Now().Add(30 * time.Minute)

	store := &mockTokenStore{tokens: []model.SearchToken{
		{ID: 1, Name: "A", Active: true, Remaining: intPtr(0), ResetAt: timePtr(future)},
		{ID: 2, Name: "B", Active: true, Remaining: intPtr(50)},
		{ID: 3, Name: "C", Active: true, Remaining: intPtr(10)},
	}}
	pool := application.NewTokenPool(store)

	token, err := pool.GetAvailableToken(context.Background())
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "B", token.Name)
}

func TestTokenPool_ExcludesGivenToken(t *testing.T) {
	store := &mockTokenStore{tokens: []model.SearchToken{
		{ID: 1, Name: "A", Active: true, Remaining: intPtr(50)},
		{ID: 2, Name: "B", Active: true, Remaining: intPtr(40)},
	}}
	pool := application.NewTokenPool(store)

	token, err := pool.GetNextAvailableToken(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "B", token.Name)
}

func TestTokenPool_NoCapacity(t *testing.T) {
	future := time.Now().Add(30 * time.Second)

	store := &mockTokenStore{tokens: []model.SearchToken{
		{ID: 1, Name: "A", Active: true, Remaining: intPtr(0), ResetAt: timePtr(future)},
		{ID: 2, Name: "B", Active: true, ResetAt: timePtr(future)},
	}}
	pool := application.NewTokenPool(store)

	token, err := pool.GetAvailableToken(context.Background())
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestTokenPool_FallbackOldestLastUsed(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)

	// No token has positive known remaining quota; reset windows have passed.
	store := &mockTokenStore{tokens: []model.SearchToken{
		{ID: 1, Name: "A", Active: true, Remaining: intPtr(0), ResetAt: timePtr(past), LastUsedAt: timePtr(now.Add(-time.Minute))},
		{ID: 2, Name: "B", Active: true, Remaining: intPtr(0), ResetAt: timePtr(past), LastUsedAt: timePtr(now.Add(-2 * time.Hour))},
	}}
	pool := application.NewTokenPool(store)

	token, err := pool.GetAvailableToken(context.Background())
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "B", token.Name)
}

func TestTokenPool_NeverUsedSortsFirst(t *testing.T) {
	now := time.Now()

	store := &mockTokenStore{tokens: []model.SearchToken{
		{ID: 1, Name: "A", Active: true, LastUsedAt: timePtr(now.Add(-time.Hour))},
		{ID: 2, Name: "B", Active: true},
	}}
	pool := application.NewTokenPool(store)

	token, err := pool.GetAvailableToken(context.Background())
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "B", token.Name)
}

func TestTokenPool_EmptyPool(t *testing.T) {
	pool := application.NewTokenPool(&mockTokenStore{})

	token, err := pool.GetAvailableToken(context.Background())
	require.NoError(t, err)
	assert.Nil(t, token)
}
