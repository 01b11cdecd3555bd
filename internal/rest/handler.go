// Package rest provides the HTTP/JSON surface over the ledger engine.
//
// This layer is deliberately thin: decode, call the engine, translate the
// error taxonomy to status codes. Authentication of API callers belongs to
// the platform gateway in front of this service and is not handled here.
//
// Endpoints:
//
//	POST /v1/apps                     - Register an app (tenant config)
//	POST /v1/users                    - Register an app user (welcome grant)
//	POST /v1/users/sync               - Apply the welcome grant to an
//	                                    out-of-band user
//	POST /v1/tokens/grant             - Grant tokens
//	POST /v1/tokens/reserve           - Reserve (charge) tokens for a job
//	POST /v1/tokens/refund            - Refund a failed job's charge
//	GET  /v1/balance/:user_id         - Effective balance (applies the
//	                                    daily-grant policy first)
//	GET  /v1/entries/:user_id         - Ledger history, newest first
//	GET  /health, /ready              - Probes
//	GET  /metrics                     - Prometheus metrics
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/veyra/tokenledger/internal/ledger"
	"github.com/veyra/tokenledger/internal/metrics"
	"github.com/veyra/tokenledger/internal/store"
)

// Handler provides the REST API endpoints.
type Handler struct {
	engine  *ledger.Engine
	store   store.Store
	metrics *metrics.Collector
	log     zerolog.Logger
}

// NewHandler creates a new REST API handler.
func NewHandler(e *ledger.Engine, st store.Store, m *metrics.Collector, logger zerolog.Logger) *Handler {
	if m == nil {
		m = metrics.NewCollector(nil)
	}
	return &Handler{
		engine:  e,
		store:   st,
		metrics: m,
		log:     logger.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers all REST API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/apps", h.handleCreateApp)
	mux.HandleFunc("/v1/users", h.handleRegisterUser)
	mux.HandleFunc("/v1/users/sync", h.handleSyncUser)
	mux.HandleFunc("/v1/tokens/grant", h.handleGrant)
	mux.HandleFunc("/v1/tokens/reserve", h.handleReserve)
	mux.HandleFunc("/v1/tokens/refund", h.handleRefund)
	mux.HandleFunc("/v1/balance/", h.handleBalance)
	mux.HandleFunc("/v1/entries/", h.handleEntries)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

type createAppRequest struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	DefaultTokenGrant   int64  `json:"default_token_grant"`
	DailyTokenGrant     int64  `json:"daily_token_grant"`
	TokenExpirationDays *int   `json:"token_expiration_days"`
}

// handleCreateApp handles POST /v1/apps
func (h *Handler) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ID == "" || req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}
	if req.DefaultTokenGrant < 0 || req.DailyTokenGrant < 0 {
		h.writeError(w, http.StatusBadRequest, "grants cannot be negative")
		return
	}

	app := &store.App{
		ID:                  req.ID,
		Name:                req.Name,
		DefaultTokenGrant:   req.DefaultTokenGrant,
		DailyTokenGrant:     req.DailyTokenGrant,
		TokenExpirationDays: req.TokenExpirationDays,
		CreatedAt:           time.Now().UTC(),
	}
	if err := h.store.CreateApp(r.Context(), app); err != nil {
		h.handleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, app)
}

type registerUserRequest struct {
	AppID      string            `json:"app_id"`
	ExternalID string            `json:"external_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// handleRegisterUser handles POST /v1/users
func (h *Handler) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req registerUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.AppID == "" || req.ExternalID == "" {
		h.writeError(w, http.StatusBadRequest, "app_id and external_id are required")
		return
	}

	u, err := h.engine.RegisterAppUser(r.Context(), req.AppID, req.ExternalID, req.Metadata)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user_id":       u.ID,
		"app_id":        u.AppID,
		"external_id":   u.ExternalID,
		"token_balance": u.TokenBalance,
	})
}

type syncUserRequest struct {
	UserID string `json:"user_id"`
}

// handleSyncUser handles POST /v1/users/sync
func (h *Handler) handleSyncUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req syncUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	res, applied, err := h.engine.SyncUserTokens(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	resp := map[string]interface{}{"applied": applied}
	if res != nil {
		resp["balance"] = res.Balance
		resp["transaction_id"] = res.TransactionID
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type grantRequest struct {
	UserID         string     `json:"user_id"`
	Amount         int64      `json:"amount"`
	Reason         string     `json:"reason"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// handleGrant handles POST /v1/tokens/grant
func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	start := time.Now()

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	res, err := h.engine.GrantTokens(r.Context(), ledger.GrantRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.metrics.ObserveDuration("grant", time.Since(start))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"balance":        res.Balance,
		"transaction_id": res.TransactionID,
		"duplicate":      res.Duplicate,
	})
}

type reserveRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	JobID       string `json:"job_id"`
	Description string `json:"description"`
}

// handleReserve handles POST /v1/tokens/reserve
func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	start := time.Now()

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	res, err := h.engine.ReserveTokens(r.Context(), ledger.ReserveRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		JobID:       req.JobID,
		Description: req.Description,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.metrics.ObserveDuration("reserve", time.Since(start))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"balance":        res.Balance,
		"transaction_id": res.TransactionID,
	})
}

type refundRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	JobID       string `json:"job_id"`
	Description string `json:"description"`
}

// handleRefund handles POST /v1/tokens/refund
func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	start := time.Now()

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	res, err := h.engine.RefundTokens(r.Context(), req.UserID, req.Amount, req.JobID, req.Description)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.metrics.ObserveDuration("refund", time.Since(start))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"balance":        res.Balance,
		"transaction_id": res.TransactionID,
	})
}

// handleBalance handles GET /v1/balance/:user_id
//
// This is the "relevant read" on which the daily-grant policy is
// evaluated: an eligible user gets their recurring grant applied inline
// before the effective balance is resolved.
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	start := time.Now()
	userID := strings.TrimPrefix(r.URL.Path, "/v1/balance/")
	if userID == "" || strings.Contains(userID, "/") {
		h.writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	ctx := r.Context()
	if _, _, err := h.engine.ApplyDailyGrant(ctx, userID); err != nil {
		h.handleError(w, err)
		return
	}

	bal, err := h.engine.GetEffectiveTokenBalance(ctx, userID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	u, err := h.store.GetAppUser(ctx, userID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	resp := map[string]interface{}{
		"user_id":           userID,
		"effective_balance": bal.EffectiveBalance,
		"stored_balance":    bal.StoredBalance,
		"expired_amount":    bal.ExpiredAmount,
	}
	if next := h.engine.NextDailyGrantTime(u.LastDailyGrantAt); next != nil {
		resp["next_daily_grant_at"] = next.UTC().Format(time.RFC3339)
	}
	h.metrics.ObserveDuration("balance", time.Since(start))
	h.writeJSON(w, http.StatusOK, resp)
}

// handleEntries handles GET /v1/entries/:user_id
func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/v1/entries/")
	if userID == "" || strings.Contains(userID, "/") {
		h.writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			h.writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}

	if _, err := h.store.GetAppUser(r.Context(), userID); err != nil {
		h.handleError(w, err)
		return
	}

	entries, err := h.store.EntriesForUser(r.Context(), userID, limit)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"entries": entries,
	})
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// Any store round trip proves the backend is reachable.
	if _, err := h.store.UserBalances(ctx, time.Now()); err != nil {
		h.log.Warn().Err(err).Msg("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handleError maps the engine/store error taxonomy to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientTokensError

	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficient):
		h.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"success": false,
			"error":   "INSUFFICIENT_TOKENS",
			"balance": insufficient.Balance,
		})
	case errors.Is(err, ledger.ErrInsufficientTokens):
		h.writeError(w, http.StatusPaymentRequired, "INSUFFICIENT_TOKENS")
	case errors.Is(err, ledger.ErrUserInactive):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrAppNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateUser):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		// Store failure; retryable, nothing partial persisted.
		h.log.Error().Err(err).Msg("REST API error")
		h.writeError(w, http.StatusServiceUnavailable, "store failure, retry")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
	})
}

// LoggingMiddleware logs all HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
