package model

import "time"

// SearchToken is a code-host API token used by the scanner itself. Remaining
// and ResetAt mirror the provider's own rate-limit response metadata; they are
// overwritten after every use and never computed locally, because local
// counting drifts under concurrent use.
type SearchToken struct {
	ID           int64
	Value        string
	Name         string
	Active       bool
	Remaining    *int
	ResetAt      *time.Time
	TotalUses    int
	SuccessCount int
	FailCount    int
	LastUsedAt   *time.Time
}

// InResetWindow reports whether the token is still inside its rate-limit
// window at the given instant. A token with no known reset time is usable.
func (t SearchToken) InResetWindow(now time.Time) bool {
	return t.ResetAt != nil && t.ResetAt.After(now)
}
