package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frogbytes-xyz/keypool/internal/application"
	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

func newSupervisorFixture(t *testing.T) (*application.Supervisor, *mockSearchClient, *mockCandidateStore, *mockRunStore) {
	t.Helper()

	search := newMockSearchClient()
	candidates := newMockCandidateStore()
	runs := &mockRunStore{}
	tokenStore := &mockTokenStore{tokens: []model.SearchToken{
		{ID: 1, Value: "ghp_test", Active: true, Remaining: intPtr(30)},
	}}

	scanner := application.NewScanService(search, candidates, application.NewTokenPool(tokenStore), scanTestQuery())
	validator := application.NewValidateService(candidates, newMockProber())
	reval := application.NewRevalidateService(candidates, validator, runs)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return application.NewSupervisor(ctx, scanner, reval, runs), search, candidates, runs
}

func TestSupervisor_ScanLifecycle(t *testing.T) {
	sup, search, _, runs := newSupervisorFixture(t)
	query := scanTestQuery()[0]

	search.pages[query] = []*driven.SearchPage{
		{
			Matches: []driven.SearchMatch{
				{
					RepoName:  "acme/app",
					HTMLURL:   "https://github.com/acme/app/blob/main/.env",
					Fragments: []string{scanKeyA},
				},
			},
			Total: 1,
		},
	}

	runID, err := sup.StartScan(application.ScanParams{TargetCount: 10})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	waitFor(t, 5*time.Second, func() bool { return !sup.ScanStatus().Running })

	status := sup.ScanStatus()
	require.NotNil(t, status.Last)
	assert.Equal(t, 1, status.Last.Found)

	// The run record was finalized with stats.
	runs.mu.Lock()
	defer runs.mu.Unlock()
	require.Len(t, runs.runs, 1)
	assert.Equal(t, runID, runs.runs[0].ID)
	assert.Equal(t, model.RunStatusCompleted, runs.runs[0].Status)
	assert.EqualValues(t, 1, runs.runs[0].Stats["found"])
}

func TestSupervisor_DoubleStartScanReturnsActiveRun(t *testing.T) {
	sup, search, _, _ := newSupervisorFixture(t)
	query := scanTestQuery()[0]

	// Endless pagination keeps the first scan busy.
	search.pages[query] = []*driven.SearchPage{
		{Matches: []driven.SearchMatch{{RepoName: "acme/app", Fragments: []string{scanKeyA}}}, NextPage: 1, Total: 100},
	}

	firstID, err := sup.StartScan(application.ScanParams{TargetCount: 1000})
	require.NoError(t, err)

	secondID, err := sup.StartScan(application.ScanParams{TargetCount: 1000})
	assert.ErrorIs(t, err, application.ErrAlreadyRunning)
	assert.Equal(t, firstID, secondID)
}

func TestSupervisor_RevalidatorLifecycle(t *testing.T) {
	sup, _, candidates, runs := newSupervisorFixture(t)
	candidates.seed(revalKeyA, model.KeyStatusQuotaExceeded)

	runID, err := sup.StartRevalidator(application.RevalidateParams{
		BatchSize: 10,
		Interval:  time.Hour,
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	secondID, err := sup.StartRevalidator(application.RevalidateParams{Interval: time.Hour})
	assert.ErrorIs(t, err, application.ErrAlreadyRunning)
	assert.Equal(t, runID, secondID)

	waitFor(t, 5*time.Second, func() bool { return sup.RevalidatorStatus().Probed >= 1 })

	sup.StopRevalidator()
	assert.False(t, sup.RevalidatorStatus().Running)

	runs.mu.Lock()
	defer runs.mu.Unlock()
	require.Len(t, runs.runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs.runs[0].Status)
	assert.EqualValues(t, 1, runs.runs[0].Stats["probed"])
}

// A loop without an execution record must not stay alive: a failed run-record
// write winds the loop back down and leaves the supervisor restartable.
func TestSupervisor_RevalidatorRunRecordFailure(t *testing.T) {
	sup, _, _, runs := newSupervisorFixture(t)

	runs.mu.Lock()
	runs.createErr = errors.New("disk full")
	runs.mu.Unlock()

	_, err := sup.StartRevalidator(application.RevalidateParams{Interval: time.Hour})
	require.Error(t, err)
	assert.False(t, sup.RevalidatorStatus().Running)

	runs.mu.Lock()
	runs.createErr = nil
	runs.mu.Unlock()

	runID, err := sup.StartRevalidator(application.RevalidateParams{Interval: time.Hour})
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	sup.StopRevalidator()
}

func TestSupervisor_StopRevalidatorWhenIdle(t *testing.T) {
	sup, _, _, runs := newSupervisorFixture(t)

	sup.StopRevalidator() // must not panic or write records

	runs.mu.Lock()
	defer runs.mu.Unlock()
	assert.Empty(t, runs.runs)
}

func TestSupervisor_RunLogsExposed(t *testing.T) {
	sup, search, _, _ := newSupervisorFixture(t)
	query := scanTestQuery()[0]

	search.pages[query] = []*driven.SearchPage{
		{
			Matches: []driven.SearchMatch{
				{RepoName: "acme/app", Fragments: []string{scanKeyA}},
			},
			Total: 1,
		},
	}

	runID, err := sup.StartScan(application.ScanParams{TargetCount: 10})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool { return !sup.ScanStatus().Running })

	logs, err := sup.RunLogs(context.Background(), runID, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}
