package driven

import (
	"context"
	"errors"
	"time"
)

// ErrSearchRateLimited is returned by SearchClient.SearchCode when the code
// host rejected the request because the supplied token is rate limited. The
// scanner reacts by retrying the page once with a different token.
var ErrSearchRateLimited = errors.New("code search rate limited")

// SearchMatch is one code search hit: the file it came from and the text
// fragments the query matched.
type SearchMatch struct {
	HTMLURL   string
	RepoName  string
	Fragments []string
}

// SearchPage is one page of code search results plus the rate-limit metadata
// the provider reported for the token used.
type SearchPage struct {
	Matches    []SearchMatch
	Total      int
	NextPage   int // 0 when this is the last page
	Remaining  *int
	ResetAt    *time.Time
}

// SearchClient defines the driven port for the code-hosting search API.
type SearchClient interface {
	// SearchCode runs one authenticated code search query page. On a
	// rate-limit rejection it returns ErrSearchRateLimited along with any
	// reset metadata the provider included in the page's Remaining/ResetAt.
	SearchCode(ctx context.Context, tokenValue string, query string, page int) (*SearchPage, error)
}
