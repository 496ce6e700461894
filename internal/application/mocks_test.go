package application_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// mockCandidateStore is an in-memory CandidateStore with the same status
// transition rules as the real repository.
type mockCandidateStore struct {
	mu       sync.Mutex
	outcomes map[string]*model.ValidationOutcome
	sources  map[string]string
	upserts  int
	writes   int
}

func newMockCandidateStore() *mockCandidateStore {
	return &mockCandidateStore{
		outcomes: make(map[string]*model.ValidationOutcome),
		sources:  make(map[string]string),
	}
}

func (m *mockCandidateStore) UpsertCandidate(_ context.Context, key model.CandidateKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if _, ok := m.outcomes[key.RawKey]; ok {
		m.sources[key.RawKey] = key.Source
		return false, nil
	}
	m.outcomes[key.RawKey] = &model.ValidationOutcome{
		KeyID:  int64(len(m.outcomes) + 1),
		RawKey: key.RawKey,
		Status: model.KeyStatusPending,
	}
	m.sources[key.RawKey] = key.Source
	return true, nil
}

func (m *mockCandidateStore) GetByRawKey(_ context.Context, rawKey string) (*model.ValidationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.outcomes[rawKey]
	if !ok {
		return nil, nil
	}
	copied := *outcome
	return &copied, nil
}

func (m *mockCandidateStore) ListByStatus(_ context.Context, status model.KeyStatus, limit int) ([]model.ValidationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ValidationOutcome
	for _, outcome := range m.outcomes {
		if outcome.Status == status {
			out = append(out, *outcome)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *mockCandidateStore) ListValidKeys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for rawKey, outcome := range m.outcomes {
		if outcome.Status == model.KeyStatusValid {
			keys = append(keys, rawKey)
		}
	}
	return keys, nil
}

func (m *mockCandidateStore) MarkValidating(_ context.Context, rawKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.outcomes[rawKey]
	if !ok {
		return false, nil
	}
	switch outcome.Status {
	case model.KeyStatusPending, model.KeyStatusValid, model.KeyStatusQuotaExceeded:
		outcome.Status = model.KeyStatusValidating
		return true, nil
	default:
		return false, nil
	}
}

func (m *mockCandidateStore) WriteOutcome(_ context.Context, outcome model.ValidationOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.outcomes[outcome.RawKey]
	if !ok {
		return fmt.Errorf("write outcome: unknown key")
	}
	keyID := existing.KeyID
	*existing = outcome
	existing.KeyID = keyID
	m.writes++
	return nil
}

func (m *mockCandidateStore) MarkQuotaExceeded(_ context.Context, rawKey, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.outcomes[rawKey]
	if !ok || outcome.Status != model.KeyStatusValid {
		return nil
	}
	outcome.Status = model.KeyStatusQuotaExceeded
	outcome.ErrorDetail = detail
	return nil
}

func (m *mockCandidateStore) Requeue(_ context.Context, keyID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, outcome := range m.outcomes {
		if outcome.KeyID == keyID && outcome.Status == model.KeyStatusInvalid {
			outcome.Status = model.KeyStatusPending
			return true, nil
		}
	}
	return false, nil
}

func (m *mockCandidateStore) seed(rawKey string, status model.KeyStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[rawKey] = &model.ValidationOutcome{
		KeyID:  int64(len(m.outcomes) + 1),
		RawKey: rawKey,
		Status: status,
	}
}

func (m *mockCandidateStore) status(rawKey string) model.KeyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[rawKey].Status
}

// mockProber returns canned results and counts probe invocations.
type mockProber struct {
	mu      sync.Mutex
	results map[string]driven.ProbeResult
	err     error
	delay   time.Duration
	calls   int
	probed  []string
	times   []time.Time
}

func newMockProber() *mockProber {
	return &mockProber{results: make(map[string]driven.ProbeResult)}
}

func (m *mockProber) Probe(_ context.Context, rawKey string) (driven.ProbeResult, error) {
	m.mu.Lock()
	m.calls++
	m.probed = append(m.probed, rawKey)
	m.times = append(m.times, time.Now())
	result, ok := m.results[rawKey]
	err := m.err
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return driven.ProbeResult{}, err
	}
	if !ok {
		result = driven.ProbeResult{Status: model.KeyStatusValid}
	}
	return result, nil
}

func (m *mockProber) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockProber) probedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.probed...)
}

func (m *mockProber) callTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.times...)
}

// mockRunStore records run lifecycle events and log entries in memory.
type mockRunStore struct {
	mu        sync.Mutex
	runs      []model.Run
	logs      []model.RunLog
	createErr error
}

func (m *mockRunStore) CreateRun(_ context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *mockRunStore) FinishRun(_ context.Context, runID string, status model.RunStatus, stats map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == runID {
			m.runs[i].Status = status
			m.runs[i].Stats = stats
		}
	}
	return nil
}

func (m *mockRunStore) FailStaleRuns(_ context.Context) (int64, error) {
	return 0, nil
}

func (m *mockRunStore) AppendLog(_ context.Context, entry model.RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *mockRunStore) ListLogs(_ context.Context, runID string, limit int) ([]model.RunLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RunLog
	for _, entry := range m.logs {
		if entry.RunID != runID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *mockRunStore) logMessages(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, entry := range m.logs {
		if entry.RunID == runID {
			out = append(out, entry.Message)
		}
	}
	return out
}

// mockSearchClient serves a fixed page sequence per query and records the
// token used for each call.
type mockSearchClient struct {
	mu            sync.Mutex
	pages         map[string][]*driven.SearchPage
	rateLimitOnce map[string]bool
	calls         []string
}

func newMockSearchClient() *mockSearchClient {
	return &mockSearchClient{
		pages:         make(map[string][]*driven.SearchPage),
		rateLimitOnce: make(map[string]bool),
	}
}

func (m *mockSearchClient) SearchCode(_ context.Context, tokenValue string, query string, page int) (*driven.SearchPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, tokenValue)
	if m.rateLimitOnce[query] {
		m.rateLimitOnce[query] = false
		return nil, driven.ErrSearchRateLimited
	}
	pages := m.pages[query]
	if page < 1 || page > len(pages) {
		return &driven.SearchPage{}, nil
	}
	return pages[page-1], nil
}

func (m *mockSearchClient) tokensUsed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
