package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/frogbytes-xyz/keypool/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// StartScanRequest is the JSON body for the scan start endpoint. All fields
// are optional; zero values fall back to configured defaults.
type StartScanRequest struct {
	TargetCount        int `json:"target_count"`
	MaxDurationSeconds int `json:"max_duration_seconds"`
	Concurrency        int `json:"concurrency"`
}

// StartRevalidatorRequest is the JSON body for the revalidator start endpoint.
type StartRevalidatorRequest struct {
	BatchSize        int `json:"batch_size"`
	IntervalSeconds  int `json:"interval_seconds"`
	ProbeDelayMillis int `json:"probe_delay_ms"`
}

// RunStartedResponse identifies the run a start endpoint created or found
// already active.
type RunStartedResponse struct {
	RunID string `json:"run_id"`
}

// KeyResponse is the JSON representation of a candidate key's validation
// state. The key itself is always redacted.
type KeyResponse struct {
	ID              int64    `json:"id"`
	Key             string   `json:"key"`
	Status          string   `json:"status"`
	LastValidatedAt string   `json:"last_validated_at,omitempty"`
	Capabilities    []string `json:"capabilities"`
	ErrorDetail     string   `json:"error_detail,omitempty"`
}

// TokenResponse is the JSON representation of a scanner token. The token
// value is always redacted.
type TokenResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Value        string `json:"value"`
	Active       bool   `json:"active"`
	Remaining    *int   `json:"remaining,omitempty"`
	ResetAt      string `json:"reset_at,omitempty"`
	TotalUses    int    `json:"total_uses"`
	SuccessCount int    `json:"success_count"`
	FailCount    int    `json:"fail_count"`
	LastUsedAt   string `json:"last_used_at,omitempty"`
}

// AddTokenRequest is the JSON body for the add token endpoint.
type AddTokenRequest struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

// RunLogResponse is the JSON representation of one run log entry.
type RunLogResponse struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	KeyRef    string         `json:"key_ref,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// GenerateRequest is the JSON body for the dispatch generate endpoint.
type GenerateRequest struct {
	Prompt      string `json:"prompt"`
	Stream      bool   `json:"stream"`
	MaxAttempts int    `json:"max_attempts"`
}

// GenerateResponse is the JSON body of a non-streaming generation.
type GenerateResponse struct {
	Text string `json:"text"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// toKeyResponse converts a validation outcome to its JSON representation.
func toKeyResponse(outcome model.ValidationOutcome) KeyResponse {
	capabilities := outcome.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}

	resp := KeyResponse{
		ID:           outcome.KeyID,
		Key:          model.RedactKey(outcome.RawKey),
		Status:       string(outcome.Status),
		Capabilities: capabilities,
		ErrorDetail:  outcome.ErrorDetail,
	}
	if !outcome.LastValidatedAt.IsZero() {
		resp.LastValidatedAt = outcome.LastValidatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// toTokenResponse converts a scanner token to its JSON representation.
func toTokenResponse(token model.SearchToken) TokenResponse {
	resp := TokenResponse{
		ID:           token.ID,
		Name:         token.Name,
		Value:        model.RedactKey(token.Value),
		Active:       token.Active,
		Remaining:    token.Remaining,
		TotalUses:    token.TotalUses,
		SuccessCount: token.SuccessCount,
		FailCount:    token.FailCount,
	}
	if token.ResetAt != nil {
		resp.ResetAt = token.ResetAt.UTC().Format(time.RFC3339)
	}
	if token.LastUsedAt != nil {
		resp.LastUsedAt = token.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// toRunLogResponse converts a run log entry to its JSON representation.
func toRunLogResponse(entry model.RunLog) RunLogResponse {
	return RunLogResponse{
		Level:     string(entry.Level),
		Message:   entry.Message,
		Detail:    entry.Detail,
		KeyRef:    entry.KeyRef,
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339),
	}
}
