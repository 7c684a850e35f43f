package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Handler holds dependencies for the API handlers.
type Handler struct {
	engine        *engine.Engine
	store         domain.Storage
	cache         domain.Cache
	snapshots     engine.SnapshotProvider
	version       string
	startTime     time.Time
	latencyBudget time.Duration
}

// NewHandler creates an API handler. cache may be nil.
func NewHandler(eng *engine.Engine, store domain.Storage, cache domain.Cache, snapshots engine.SnapshotProvider, version string, latencyBudget time.Duration) *Handler {
	return &Handler{
		engine:        eng,
		store:         store,
		cache:         cache,
		snapshots:     snapshots,
		version:       version,
		startTime:     time.Now(),
		latencyBudget: latencyBudget,
	}
}

// DecisionRequest is the request body for POST /v1/decision/check.
type DecisionRequest struct {
	Subject SubjectRequest `json:"subject"`
	Tx      TxRequest      `json:"tx"`
}

// SubjectRequest is the subject portion of a decision request.
type SubjectRequest struct {
	UserID    string   `json:"user_id"`
	AccountID string   `json:"account_id"`
	Addresses []string `json:"addresses"`
	GeoISO    string   `json:"geo_iso"`
	KycLevel  string   `json:"kyc_level"`
}

// TxRequest is the transaction portion of a decision request.
// USDValue accepts a JSON number or string and is parsed exactly.
type TxRequest struct {
	Type        string          `json:"type"`
	Asset       string          `json:"asset"`
	Amount      string          `json:"amount"`
	USDValue    decimal.Decimal `json:"usd_value"`
	DestAddress string          `json:"dest_address"`
}

// DecisionResponse is the response for POST /v1/decision/check.
type DecisionResponse struct {
	Decision      domain.Decision   `json:"decision"`
	DecisionCode  string            `json:"decision_code"`
	PolicyVersion string            `json:"policy_version"`
	Evidence      []domain.Evidence `json:"evidence"`
}

// maxRequestBytes bounds decision request bodies.
const maxRequestBytes = 1 << 20

// ErrorResponse carries a stable error kind token and the correlation id.
// Request validation failures follow the token with ": " and a short
// detail message. No stack information ever crosses this boundary.
type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// toTxEvent converts the request into a normalized event.
func (r *DecisionRequest) toTxEvent() *domain.TxEvent {
	subject := domain.Subject{
		UserID:    r.Subject.UserID,
		AccountID: r.Subject.AccountID,
		Addresses: r.Subject.Addresses,
		GeoISO:    r.Subject.GeoISO,
		KycTier:   domain.ParseKycTier(r.Subject.KycLevel),
	}
	subject.Normalize()

	direction := domain.DirectionInbound
	if r.Tx.Type == "withdraw" || r.Tx.Type == "withdrawal" {
		direction = domain.DirectionOutbound
	}

	event := domain.NewTxEvent(subject, r.Tx.Type, r.Tx.Asset, r.Tx.USDValue, direction)
	event.Amount = r.Tx.Amount
	event.DestAddress = domain.NormalizeAddress(r.Tx.DestAddress)
	return event
}

// validate rejects malformed requests before any storage work.
func (r *DecisionRequest) validate() error {
	if r.Subject.UserID == "" {
		return errors.New("subject.user_id is required")
	}
	if r.Tx.Type == "" {
		return errors.New("tx.type is required")
	}
	if r.Tx.USDValue.Sign() < 0 {
		return errors.New("tx.usd_value must not be negative")
	}
	return nil
}

// CheckDecision handles POST /v1/decision/check.
func (h *Handler) CheckDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, domain.KindValidation)
		return
	}

	var req DecisionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, domain.KindValidation)
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:         string(domain.KindValidation) + ": " + err.Error(),
			CorrelationID: GetRequestID(ctx),
		})
		return
	}

	// The whole evaluation runs under the configured latency budget.
	evalCtx, cancel := context.WithTimeout(ctx, h.latencyBudget)
	defer cancel()

	outcome, err := h.engine.Evaluate(evalCtx, req.toTxEvent(), body)
	if err != nil {
		kind := domain.KindOf(err)
		slog.Error("decision evaluation failed",
			"kind", string(kind),
			"request_id", GetRequestID(ctx),
			"error", err,
		)
		h.writeError(w, r, statusFor(kind), kind)
		return
	}

	writeJSON(w, http.StatusOK, DecisionResponse{
		Decision:      outcome.Decision,
		DecisionCode:  outcome.DecisionCode,
		PolicyVersion: outcome.PolicyVersion,
		Evidence:      outcome.Evidence,
	})
}

// Health handles GET /health. Alive iff the process responds; storage is
// not probed here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	policyVersion := ""
	if snap := h.snapshots.Current(); snap != nil {
		policyVersion = snap.PolicyVersion
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        h.version,
		"policy_version": policyVersion,
		"uptime_secs":    int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready handles GET /ready. Ready iff a policy snapshot is loaded and the
// store answers a lightweight probe.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshots.Current()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": "no policy snapshot loaded",
		})
		return
	}

	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": "storage probe failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ready":           true,
		"inline_rules":    len(snap.Inline),
		"streaming_rules": len(snap.Streaming),
	})
}

// GetDecision handles GET /v1/decisions/{id}, read-through the cache.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" {
		h.writeError(w, r, http.StatusBadRequest, domain.KindValidation)
		return
	}

	if cached := h.cacheGet(ctx, "decision:"+id); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	rec, err := h.store.GetDecision(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "decision not found"})
		return
	}
	if err != nil {
		slog.Error("failed to get decision", "id", id, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, domain.KindStorageTransient)
		return
	}

	h.cacheSet(ctx, "decision:"+id, rec)
	writeJSON(w, http.StatusOK, rec)
}

// GetTransaction handles GET /v1/transactions/{id}, read-through the cache.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" {
		h.writeError(w, r, http.StatusBadRequest, domain.KindValidation)
		return
	}

	if cached := h.cacheGet(ctx, "tx:"+id); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	rec, err := h.store.GetTransaction(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "transaction not found"})
		return
	}
	if err != nil {
		slog.Error("failed to get transaction", "id", id, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, domain.KindStorageTransient)
		return
	}

	h.cacheSet(ctx, "tx:"+id, rec)
	writeJSON(w, http.StatusOK, rec)
}

// auditCacheTTL bounds staleness of audit reads; rows are append-only so
// the TTL only bounds memory, not correctness.
const auditCacheTTL = 10 * time.Minute

func (h *Handler) cacheGet(ctx context.Context, key string) []byte {
	if h.cache == nil {
		return nil
	}
	val, err := h.cache.Get(ctx, key)
	if err != nil {
		return nil
	}
	return val
}

func (h *Handler) cacheSet(ctx context.Context, key string, value any) {
	if h.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = h.cache.Set(ctx, key, data, auditCacheTTL)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, kind domain.ErrorKind) {
	writeJSON(w, status, ErrorResponse{
		Error:         string(kind),
		CorrelationID: GetRequestID(r.Context()),
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindPolicyUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
