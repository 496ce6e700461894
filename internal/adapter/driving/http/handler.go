package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/frogbytes-xyz/keypool/internal/application"
	"github.com/frogbytes-xyz/keypool/internal/domain/model"
	"github.com/frogbytes-xyz/keypool/internal/domain/port/driven"
)

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	candidates driven.CandidateStore
	tokens     driven.TokenStore
	supervisor *application.Supervisor
	dispatch   *application.DispatchPool
	generator  driven.TextGenerator
	logger     *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	candidates driven.CandidateStore,
	tokens driven.TokenStore,
	supervisor *application.Supervisor,
	dispatch *application.DispatchPool,
	generator driven.TextGenerator,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		candidates: candidates,
		tokens:     tokens,
		supervisor: supervisor,
		dispatch:   dispatch,
		generator:  generator,
		logger:     logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with auth, logging, and recovery middleware. adminToken guards the admin
// surface; an empty token disables the check.
func NewServeMux(h *Handler, adminToken string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/scan/start", h.StartScan)
	mux.HandleFunc("GET /api/v1/scan/status", h.ScanStatus)
	mux.HandleFunc("POST /api/v1/revalidator/start", h.StartRevalidator)
	mux.HandleFunc("POST /api/v1/revalidator/stop", h.StopRevalidator)
	mux.HandleFunc("GET /api/v1/revalidator/status", h.RevalidatorStatus)
	mux.HandleFunc("GET /api/v1/keys", h.ListKeys)
	mux.HandleFunc("POST /api/v1/keys/{id}/requeue", h.RequeueKey)
	mux.HandleFunc("GET /api/v1/tokens", h.ListTokens)
	mux.HandleFunc("POST /api/v1/tokens", h.AddToken)
	mux.HandleFunc("DELETE /api/v1/tokens/{id}", h.DeactivateToken)
	mux.HandleFunc("GET /api/v1/runs/{id}/logs", h.RunLogs)
	mux.HandleFunc("POST /api/v1/dispatch/generate", h.Generate)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = authMiddleware(adminToken, wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// StartScan launches a scan run.
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	// An empty body means "use defaults".
	var req StartScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := application.ScanParams{
		TargetCount: req.TargetCount,
		MaxDuration: time.Duration(req.MaxDurationSeconds) * time.Second,
		Concurrency: req.Concurrency,
	}

	runID, err := h.supervisor.StartScan(params)
	if errors.Is(err, application.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, RunStartedResponse{RunID: runID})
		return
	}
	if err != nil {
		h.logger.Error("failed to start scan", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusAccepted, RunStartedResponse{RunID: runID})
}

// ScanStatus reports the scanner's current state.
func (h *Handler) ScanStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.supervisor.ScanStatus())
}

// StartRevalidator launches the background revalidation loop.
func (h *Handler) StartRevalidator(w http.ResponseWriter, r *http.Request) {
	// An empty body means "use defaults".
	var req StartRevalidatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := application.RevalidateParams{
		BatchSize:  req.BatchSize,
		Interval:   time.Duration(req.IntervalSeconds) * time.Second,
		ProbeDelay: time.Duration(req.ProbeDelayMillis) * time.Millisecond,
	}

	runID, err := h.supervisor.StartRevalidator(params)
	if errors.Is(err, application.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, RunStartedResponse{RunID: runID})
		return
	}
	if err != nil {
		h.logger.Error("failed to start revalidator", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusAccepted, RunStartedResponse{RunID: runID})
}

// StopRevalidator stops the revalidation loop. Idempotent.
func (h *Handler) StopRevalidator(w http.ResponseWriter, _ *http.Request) {
	h.supervisor.StopRevalidator()
	w.WriteHeader(http.StatusNoContent)
}

// RevalidatorStatus reports the revalidation loop's current state.
func (h *Handler) RevalidatorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.supervisor.RevalidatorStatus())
}

// ListKeys returns candidate keys filtered by validation status. Raw key
// values never leave the process; responses carry redacted references only.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	status := model.KeyStatus(r.URL.Query().Get("status"))
	switch status {
	case model.KeyStatusPending, model.KeyStatusValidating, model.KeyStatusValid,
		model.KeyStatusInvalid, model.KeyStatusQuotaExceeded:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	outcomes, err := h.candidates.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list keys", "status", string(status), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]KeyResponse, 0, len(outcomes))
	for _, outcome := range outcomes {
		resp = append(resp, toKeyResponse(outcome))
	}

	writeJSON(w, http.StatusOK, resp)
}

// RequeueKey administratively moves an invalid key back to pending.
func (h *Handler) RequeueKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	requeued, err := h.candidates.Requeue(r.Context(), keyID)
	if err != nil {
		h.logger.Error("failed to requeue key", "key_id", keyID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !requeued {
		writeError(w, http.StatusNotFound, "no invalid key with that id")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListTokens returns active scanner tokens with redacted values.
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.tokens.ListActive(r.Context())
	if err != nil {
		h.logger.Error("failed to list tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]TokenResponse, 0, len(tokens))
	for _, token := range tokens {
		resp = append(resp, toTokenResponse(token))
	}

	writeJSON(w, http.StatusOK, resp)
}

// AddToken registers a new scanner token.
func (h *Handler) AddToken(w http.ResponseWriter, r *http.Request) {
	var req AddTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, "token value is required")
		return
	}

	token := model.SearchToken{
		Value:  req.Value,
		Name:   req.Name,
		Active: true,
	}

	id, err := h.tokens.Add(r.Context(), token)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			writeError(w, http.StatusConflict, "token already registered")
			return
		}
		h.logger.Error("failed to add token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	token.ID = id
	writeJSON(w, http.StatusCreated, toTokenResponse(token))
}

// DeactivateToken soft-deactivates a scanner token.
func (h *Handler) DeactivateToken(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	if err := h.tokens.Deactivate(r.Context(), tokenID); err != nil {
		h.logger.Error("failed to deactivate token", "token_id", tokenID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RunLogs returns a run's log entries in append order.
func (h *Handler) RunLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	logs, err := h.supervisor.RunLogs(r.Context(), runID, limit)
	if err != nil {
		h.logger.Error("failed to list run logs", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]RunLogResponse, 0, len(logs))
	for _, entry := range logs {
		resp = append(resp, toRunLogResponse(entry))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Generate serves one live generation request off the key pool.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	opts := application.DispatchOptions{MaxAttempts: req.MaxAttempts}

	if req.Stream {
		h.generateStream(w, r, req.Prompt, opts)
		return
	}

	text, err := h.dispatch.WithKeyRotation(r.Context(), opts, func(ctx context.Context, rawKey string) (string, error) {
		return h.generator.GenerateText(ctx, rawKey, req.Prompt)
	})
	if errors.Is(err, application.ErrPoolExhausted) {
		writeError(w, http.StatusServiceUnavailable, "key pool temporarily saturated")
		return
	}
	if err != nil {
		h.logger.Error("generation failed", "error", err)
		writeError(w, http.StatusBadGateway, "generation failed")
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{Text: text})
}

// generateStream streams chunks as they arrive. Once the first chunk is
// written the response status is committed; later failures can only cut the
// stream short.
func (h *Handler) generateStream(w http.ResponseWriter, r *http.Request, prompt string, opts application.DispatchOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	err := h.dispatch.WithKeyRotationStream(r.Context(), opts, func(ctx context.Context, rawKey string, started func()) error {
		return h.generator.GenerateTextStream(ctx, rawKey, prompt, func() {
			started()
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
		}, func(chunk string) error {
			if _, writeErr := w.Write([]byte(chunk)); writeErr != nil {
				return writeErr
			}
			flusher.Flush()
			return nil
		})
	})
	if errors.Is(err, application.ErrPoolExhausted) {
		writeError(w, http.StatusServiceUnavailable, "key pool temporarily saturated")
		return
	}
	if err != nil {
		h.logger.Error("stream generation failed", "error", err)
		// Headers may already be committed; nothing more to send.
	}
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}
