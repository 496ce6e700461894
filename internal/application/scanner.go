package application

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// keyPattern matches the provider's fixed credential shape.
var keyPattern = regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`)

// defaultQueries are the code search queries a scan cycles through. Each
// query targets a different habitat of leaked keys so pagination limits on a
// single query don't cap discovery.
var defaultQueries = []string{
	`"AIzaSy" in:file`,
	`"AIzaSy" in:file filename:.env`,
	`"AIzaSy" in:file extension:json`,
	`"AIzaSy" in:file extension:py`,
	`"AIzaSy" in:file extension:js`,
}

// ScanParams bounds one scanner run. The run stops at whichever of
// TargetCount or MaxDuration is reached first; a scan is best-effort, never
// exhaustive.
type ScanParams struct {
	TargetCount int
	MaxDuration time.Duration
	Concurrency int
}

// ScanProgress is one progress event emitted after each processed page.
type ScanProgress struct {
	Processed  int `json:"processed"`
	Total      int `json:"total"`
	Found      int `json:"found"`
	Duplicates int `json:"duplicates"`
}

// ScanResult summarizes a finished run.
type ScanResult struct {
	Found          int
	Duplicates     int
	Processed      int
	PagesScanned   int
	RateLimitSkips int
	Elapsed        time.Duration
}

// ScanRun is one in-flight scanner run. Progress is a finite sequence of
// events, closed when the run ends; it is not restartable. Wait blocks until
// the run finishes and returns its result.
type ScanRun struct {
	Progress <-chan ScanProgress

	done   chan struct{}
	result *ScanResult
	err    error
}

// Wait blocks until the run completes.
func (r *ScanRun) Wait() (*ScanResult, error) {
	<-r.done
	return r.result, r.err
}

// ScanService discovers candidate keys in public code via the code-host
// search API.
type ScanService struct {
	search     driven.SearchClient
	candidates driven.CandidateStore
	tokens     *TokenPool
	queries    []string
}

// NewScanService creates a ScanService with all required dependencies.
// queries may be nil to use the default query set.
func NewScanService(search driven.SearchClient, candidates driven.CandidateStore, tokens *TokenPool, queries []string) *ScanService {
	if len(queries) == 0 {
		queries = defaultQueries
	}
	return &ScanService{
		search:     search,
		candidates: candidates,
		tokens:     tokens,
		queries:    queries,
	}
}

// Start launches a run and returns immediately. The caller consumes
// run.Progress (or ignores it; emission never blocks the scan) and calls
// run.Wait for the final result.
func (s *ScanService) Start(ctx context.Context, params ScanParams) *ScanRun {
	progressCh := make(chan ScanProgress, 64)
	run := &ScanRun{Progress: progressCh, done: make(chan struct{})}

	go func() {
		defer close(run.done)
		defer close(progressCh)
		run.result, run.err = s.run(ctx, params, progressCh)
	}()

	return run
}

// Run executes a scan synchronously, discarding progress events.
func (s *ScanService) Run(ctx context.Context, params ScanParams) (*ScanResult, error) {
	run := s.Start(ctx, params)
	for range run.Progress {
	}
	return run.Wait()
}

// scanState is the shared mutable state of one run, touched by all workers.
type scanState struct {
	mu         sync.Mutex
	seen       map[string]struct{}
	total      int
	processed  int
	found      int
	duplicates int
	pages      int
	rateSkips  int
}

func (s *ScanService) run(ctx context.Context, params ScanParams, progressCh chan<- ScanProgress) (*ScanResult, error) {
	start := time.Now()

	if params.Concurrency <= 0 {
		params.Concurrency = 2
	}
	if params.TargetCount <= 0 {
		params.TargetCount = 50
	}
	if params.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.MaxDuration)
		defer cancel()
	}

	// targetCtx is canceled once TargetCount is reached so in-flight workers
	// wind down instead of fetching more pages.
	targetCtx, reachedTarget := context.WithCancel(ctx)
	defer reachedTarget()

	state := &scanState{seen: make(map[string]struct{})}

	g, gctx := errgroup.WithContext(targetCtx)
	g.SetLimit(params.Concurrency)

	for _, query := range s.queries {
		g.Go(func() error {
			s.scanQuery(gctx, query, params, state, progressCh, reachedTarget)
			return nil
		})
	}

	_ = g.Wait()

	state.mu.Lock()
	result := &ScanResult{
		Found:          state.found,
		Duplicates:     state.duplicates,
		Processed:      state.processed,
		PagesScanned:   state.pages,
		RateLimitSkips: state.rateSkips,
		Elapsed:        time.Since(start),
	}
	state.mu.Unlock()

	slog.Info("scan complete",
		"found", result.Found,
		"duplicates", result.Duplicates,
		"pages", result.PagesScanned,
		"rate_limit_skips", result.RateLimitSkips,
		"elapsed", result.Elapsed.Round(time.Millisecond),
	)

	return result, nil
}

// scanQuery walks one query's result pages until the run's bounds are hit,
// the query is exhausted, or the token pool runs dry. Failures are logged and
// counted, never fatal to the run.
func (s *ScanService) scanQuery(ctx context.Context, query string, params ScanParams, state *scanState, progressCh chan<- ScanProgress, reachedTarget context.CancelFunc) {
	page := 1

	for {
		if ctx.Err() != nil {
			return
		}

		searchPage, ok := s.fetchPage(ctx, query, page, state)
		if !ok {
			return
		}
		if searchPage == nil {
			// Rate limited twice in a row; abandon the rest of this query.
			return
		}

		targetReached := s.ingestPage(ctx, searchPage, query, state, params.TargetCount, progressCh)
		if targetReached {
			reachedTarget()
			return
		}

		if searchPage.NextPage == 0 {
			return
		}
		page = searchPage.NextPage
	}
}

// fetchPage checks a token out of the pool, runs the search, and records the
// token's usage from the response metadata. On a rate limit it rotates to a
// different token and retries the page once. Returns ok=false when the run
// must end (no pool capacity, context done); a nil page with ok=true means
// the page was abandoned.
func (s *ScanService) fetchPage(ctx context.Context, query string, page int, state *scanState) (*driven.SearchPage, bool) {
	token, err := s.tokens.GetAvailableToken(ctx)
	if err != nil {
		slog.Error("token selection failed", "error", err)
		return nil, false
	}
	if token == nil {
		// No capacity at all: end early with whatever was collected.
		slog.Warn("token pool has no capacity, ending scan early", "query", query)
		return nil, false
	}

	searchPage, err := s.search.SearchCode(ctx, token.Value, query, page)
	s.recordUsage(ctx, token.ID, err == nil, searchPage)
	if err == nil {
		return searchPage, true
	}
	if !errors.Is(err, driven.ErrSearchRateLimited) {
		slog.Error("search page failed", "query", query, "page", page, "error", err)
		return nil, true
	}

	state.mu.Lock()
	state.rateSkips++
	state.mu.Unlock()

	// Retry the same page once with a different token.
	retryToken, err := s.tokens.GetNextAvailableToken(ctx, token.ID)
	if err != nil {
		slog.Error("token selection failed", "error", err)
		return nil, false
	}
	if retryToken == nil {
		slog.Warn("no alternate token available, ending scan early", "query", query)
		return nil, false
	}

	searchPage, err = s.search.SearchCode(ctx, retryToken.Value, query, page)
	s.recordUsage(ctx, retryToken.ID, err == nil, searchPage)
	if err != nil {
		slog.Warn("page abandoned after retry", "query", query, "page", page, "error", err)
		return nil, true
	}

	return searchPage, true
}

// recordUsage persists token usage; rate metadata is taken from the response
// even when the call itself failed.
func (s *ScanService) recordUsage(ctx context.Context, tokenID int64, success bool, page *driven.SearchPage) {
	var remaining *int
	var resetAt *time.Time
	if page != nil {
		remaining = page.Remaining
		resetAt = page.ResetAt
	}
	if err := s.tokens.RecordUsage(ctx, tokenID, success, remaining, resetAt); err != nil {
		slog.Error("record token usage failed", "token_id", tokenID, "error", err)
	}
}

// ingestPage extracts candidate keys from the page's text fragments,
// deduplicates, upserts, and emits a progress event. Reports whether the
// run's target count has been reached.
func (s *ScanService) ingestPage(ctx context.Context, page *driven.SearchPage, query string, state *scanState, targetCount int, progressCh chan<- ScanProgress) bool {
	for _, match := range page.Matches {
		for _, fragment := range match.Fragments {
			for _, rawKey := range keyPattern.FindAllString(fragment, -1) {
				s.submitKey(ctx, rawKey, match, state)
			}
		}
	}

	state.mu.Lock()
	state.processed += len(page.Matches)
	state.pages++
	if page.Total > state.total {
		state.total = page.Total
	}
	progress := ScanProgress{
		Processed:  state.processed,
		Total:      state.total,
		Found:      state.found,
		Duplicates: state.duplicates,
	}
	targetReached := state.found >= targetCount
	state.mu.Unlock()

	// Non-blocking emit: a slow or absent consumer never stalls the scan.
	select {
	case progressCh <- progress:
	default:
	}

	slog.Debug("page ingested",
		"query", query,
		"matches", len(page.Matches),
		"found", progress.Found,
		"duplicates", progress.Duplicates,
	)

	return targetReached
}

// submitKey upserts one extracted key, counting in-run and store-level
// duplicates.
func (s *ScanService) submitKey(ctx context.Context, rawKey string, match driven.SearchMatch, state *scanState) {
	state.mu.Lock()
	if _, dup := state.seen[rawKey]; dup {
		state.duplicates++
		state.mu.Unlock()
		return
	}
	state.seen[rawKey] = struct{}{}
	state.mu.Unlock()

	created, err := s.candidates.UpsertCandidate(ctx, model.CandidateKey{
		RawKey:       rawKey,
		Source:       "github:" + match.RepoName,
		SourceURL:    match.HTMLURL,
		DiscoveredAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("candidate upsert failed", "key", model.RedactKey(rawKey), "error", err)
		return
	}

	state.mu.Lock()
	if created {
		state.found++
	} else {
		state.duplicates++
	}
	state.mu.Unlock()
}
