// Package github implements the SearchClient port using the go-github library.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SearchClient = (*SearchClient)(nil)

// clientCacheSize bounds how many per-token go-github clients are kept alive.
// Each client carries its own response cache and rate-limit middleware, so
// reusing them across pages preserves ETag caching per token.
const clientCacheSize = 16

// SearchClient implements the driven.SearchClient port against the GitHub
// code search API. Because the scanner rotates through pooled tokens, clients
// are built per token value and cached in an LRU.
type SearchClient struct {
	clients *lru.Cache[string, *gh.Client]
	baseURL string // empty in production; set in tests to an httptest server.
}

// NewSearchClient creates a SearchClient talking to api.github.com.
func NewSearchClient() (*SearchClient, error) {
	cache, err := lru.New[string, *gh.Client](clientCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create client cache: %w", err)
	}
	return &SearchClient{clients: cache}, nil
}

// NewSearchClientWithBaseURL creates a SearchClient against a custom base URL.
// This constructor is intended for testing, allowing injection of an httptest
// server. The caching and rate-limit transports are omitted so tests observe
// every request.
func NewSearchClientWithBaseURL(baseURL string) (*SearchClient, error) {
	cache, err := lru.New[string, *gh.Client](clientCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create client cache: %w", err)
	}
	return &SearchClient{clients: cache, baseURL: baseURL}, nil
}

// clientFor returns the cached go-github client for the token, building one
// with the full transport stack on first use:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (GitHub REST API client with PAT auth)
func (c *SearchClient) clientFor(tokenValue string) (*gh.Client, error) {
	if client, ok := c.clients.Get(tokenValue); ok {
		return client, nil
	}

	var client *gh.Client
	if c.baseURL == "" {
		cacheTransport := httpcache.NewMemoryCacheTransport()
		rateLimitClient := github_ratelimit.NewClient(cacheTransport)
		client = gh.NewClient(rateLimitClient).WithAuthToken(tokenValue)
	} else {
		client = gh.NewClient(&http.Client{Timeout: 10 * time.Second}).WithAuthToken(tokenValue)
		u, err := url.Parse(c.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
		client.BaseURL = u
	}

	c.clients.Add(tokenValue, client)
	return client, nil
}

// SearchCode runs one authenticated code search query page and maps results
// and rate-limit metadata to the domain types. A primary rate-limit rejection
// maps to driven.ErrSearchRateLimited with the provider's reset time attached
// to the returned page.
func (c *SearchClient) SearchCode(ctx context.Context, tokenValue string, query string, page int) (*driven.SearchPage, error) {
	client, err := c.clientFor(tokenValue)
	if err != nil {
		return nil, err
	}

	opts := &gh.SearchOptions{
		TextMatch: true,
		ListOptions: gh.ListOptions{
			PerPage: 100,
			Page:    page,
		},
	}

	result, resp, err := client.Search.Code(ctx, query, opts)
	if err != nil {
		var rateErr *gh.RateLimitError
		if errors.As(err, &rateErr) {
			reset := rateErr.Rate.Reset.Time
			remaining := rateErr.Rate.Remaining
			return &driven.SearchPage{Remaining: &remaining, ResetAt: &reset},
				fmt.Errorf("searching code (page %d): %w", page, driven.ErrSearchRateLimited)
		}
		var abuseErr *gh.AbuseRateLimitError
		if errors.As(err, &abuseErr) {
			searchPage := &driven.SearchPage{}
			if abuseErr.RetryAfter != nil {
				reset := time.Now().Add(*abuseErr.RetryAfter)
				searchPage.ResetAt = &reset
			}
			return searchPage, fmt.Errorf("searching code (page %d): %w", page, driven.ErrSearchRateLimited)
		}
		return nil, fmt.Errorf("searching code (page %d): %w", page, err)
	}

	logRateLimit(resp, query, page, len(result.CodeResults))

	searchPage := &driven.SearchPage{
		Total:    result.GetTotal(),
		NextPage: resp.NextPage,
	}

	remaining := resp.Rate.Remaining
	reset := resp.Rate.Reset.Time
	searchPage.Remaining = &remaining
	searchPage.ResetAt = &reset

	for _, cr := range result.CodeResults {
		searchPage.Matches = append(searchPage.Matches, mapCodeResult(cr))
	}

	return searchPage, nil
}

// mapCodeResult converts a go-github CodeResult to a domain SearchMatch.
// It uses GetXxx() helper methods exclusively to avoid nil pointer panics.
func mapCodeResult(cr *gh.CodeResult) driven.SearchMatch {
	fragments := make([]string, 0, len(cr.TextMatches))
	for _, tm := range cr.TextMatches {
		fragments = append(fragments, tm.GetFragment())
	}

	return driven.SearchMatch{
		HTMLURL:   cr.GetHTMLURL(),
		RepoName:  cr.GetRepository().GetFullName(),
		Fragments: fragments,
	}
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, query string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github code search",
		"query", query,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Remaining < 3 {
		slog.Warn("github search rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}
