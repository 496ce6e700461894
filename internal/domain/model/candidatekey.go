package model

import "time"

// CandidateKey is a string discovered by the scanner that matches the
// provider's credential shape but is not yet confirmed usable. RawKey is the
// unique identity: rediscovery from another source updates provenance only.
type CandidateKey struct {
	ID           int64
	RawKey       string
	Source       string
	SourceURL    string
	DiscoveredAt time.Time
	Validated    bool
}

// Redacted returns a log-safe form of the raw key: the first eight characters
// followed by an ellipsis. Raw secrets must never reach logs or API responses.
func (k CandidateKey) Redacted() string {
	return RedactKey(k.RawKey)
}

// RedactKey shortens a raw secret to a log-safe reference.
func RedactKey(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[:8] + "…"
}

// ValidationOutcome records the result of the most recent probe of a
// candidate key.
type ValidationOutcome struct {
	KeyID           int64
	RawKey          string
	Status          KeyStatus
	LastValidatedAt time.Time
	Capabilities    []string
	ErrorDetail     string
}

// IsValid reports whether the key is currently usable for live traffic.
func (o ValidationOutcome) IsValid() bool {
	return o.Status == KeyStatusValid
}
