package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	coordinator *pipeline.Coordinator
	checkEngine *anomaly.CheckEngine
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, coordinator *pipeline.Coordinator, checkEngine *anomaly.CheckEngine, version string) *Handler {
	return &Handler{
		repo:        repo,
		cache:       cache,
		bus:         bus,
		coordinator: coordinator,
		checkEngine: checkEngine,
		version:     version,
	}
}

// EvaluateRequest is the request body for POST /evaluate.
type EvaluateRequest struct {
	UserID      string                 `json:"userId"`
	ExternalID  string                 `json:"externalId,omitempty"`
	Amount      float64                `json:"amount"`
	Currency    string                 `json:"currency"`
	Merchant    string                 `json:"merchant,omitempty"`
	Description string                 `json:"description,omitempty"`
	Timestamp   time.Time              `json:"timestamp,omitempty"`
	ReceiptID   string                 `json:"receiptId,omitempty"`
	Source      string                 `json:"source,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	EvaluationID string                    `json:"evaluationId"`
	TxID         string                    `json:"txId"`
	Status       string                    `json:"status"`
	Category     string                    `json:"category,omitempty"`
	RiskScore    float64                   `json:"riskScore"`
	Severity     domain.Severity           `json:"severity,omitempty"`
	Actions      []domain.Action           `json:"actions,omitempty"`
	RiskFactors  []string                  `json:"riskFactors,omitempty"`
	ShouldAlert  bool                      `json:"shouldAlert"`
	TxStatus     domain.TransactionStatus  `json:"txStatus"`
	Stages       []domain.StageResult      `json:"stages"`
	Metadata     domain.EvaluationMetadata `json:"metadata"`
}

// Evaluate handles POST /evaluate requests: it persists the submitted
// transaction and runs the full pipeline synchronously.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}

	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	tx := &domain.Transaction{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		UserID:      req.UserID,
		ExternalID:  req.ExternalID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Merchant:    req.Merchant,
		Description: req.Description,
		Timestamp:   timestamp,
		CreatedAt:   time.Now().UTC(),
		Status:      domain.StatusPending,
		Source:      req.Source,
		Metadata:    req.Metadata,
	}

	if err := h.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transaction",
		})
		return
	}

	var receipt *domain.Receipt
	if req.ReceiptID != "" {
		rcpt, err := h.repo.GetReceipt(ctx, tenantID, req.ReceiptID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				slog.Warn("failed to load receipt", "receipt_id", req.ReceiptID, "error", err)
			}
		} else {
			receipt = rcpt
		}
	}

	eval, err := h.coordinator.Evaluate(ctx, tx, receipt)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("pipeline evaluation failed", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	resp := EvaluateResponse{
		EvaluationID: eval.ID,
		TxID:         tx.ID,
		Status:       eval.Status,
		Category:     tx.Category,
		TxStatus:     tx.Status,
		Stages:       eval.Stages,
		Metadata:     eval.Metadata,
	}
	if eval.Decision != nil {
		resp.RiskScore = eval.Decision.RiskScore
		resp.Severity = eval.Decision.Severity
		resp.Actions = eval.Decision.Actions
		resp.RiskFactors = eval.Decision.RiskFactors
		resp.ShouldAlert = eval.Decision.ShouldAlert
	}

	writeJSON(w, http.StatusOK, resp)
}

// ReceiptRequest is the request body for POST /receipts.
type ReceiptRequest struct {
	UserID            string            `json:"userId"`
	Amount            float64           `json:"amount"`
	Date              time.Time         `json:"date,omitempty"`
	Merchant          string            `json:"merchant,omitempty"`
	Category          string            `json:"category,omitempty"`
	LineItems         []domain.LineItem `json:"lineItems,omitempty"`
	Tax               float64           `json:"tax,omitempty"`
	Total             float64           `json:"total,omitempty"`
	ParsingConfidence float64           `json:"parsingConfidence,omitempty"`
}

// ReceiptResponse is the response for POST /receipts.
type ReceiptResponse struct {
	ReceiptID      string               `json:"receiptId"`
	Reconciled     bool                 `json:"reconciled"`
	TxID           string               `json:"txId,omitempty"`
	Reconciliation *domain.MatchVerdict `json:"reconciliation,omitempty"`
}

// CreateReceipt handles POST /receipts: it persists the parsed receipt
// and attempts to reconcile it against an unreconciled transaction.
func (h *Handler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Amount <= 0 && req.Total <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount or total must be positive",
		})
		return
	}

	receipt := &domain.Receipt{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		UserID:            req.UserID,
		Amount:            req.Amount,
		Date:              req.Date,
		Merchant:          req.Merchant,
		Category:          req.Category,
		LineItems:         req.LineItems,
		Tax:               req.Tax,
		Total:             req.Total,
		ParsingConfidence: req.ParsingConfidence,
		CreatedAt:         time.Now().UTC(),
	}

	if err := h.repo.SaveReceipt(ctx, tenantID, receipt); err != nil {
		slog.Error("failed to save receipt", "receipt_id", receipt.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save receipt",
		})
		return
	}

	tx, verdict, err := h.coordinator.ReconcileReceipt(ctx, receipt)
	if err != nil {
		slog.Error("receipt reconciliation failed", "receipt_id", receipt.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "reconciliation failed",
		})
		return
	}

	resp := ReceiptResponse{
		ReceiptID:      receipt.ID,
		Reconciled:     tx != nil,
		Reconciliation: verdict,
	}
	if tx != nil {
		resp.TxID = tx.ID
	}

	writeJSON(w, http.StatusCreated, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if evalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "evaluation id is required",
		})
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, tenantID, evalID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get evaluation", "id", evalID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "evaluation not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get transaction", "id", txID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListAlerts returns alerts since the given time (default: last 24h).
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	alerts, err := h.repo.ListAlerts(ctx, tenantID, since)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ListChecks returns all custom anomaly checks loaded in the engine.
// Checks are loaded from the database at startup and can be reloaded
// via POST /checks/reload.
func (h *Handler) ListChecks(w http.ResponseWriter, r *http.Request) {
	if h.checkEngine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "check engine not available",
		})
		return
	}

	loaded := h.checkEngine.LoadedChecks()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checks": loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetCheck retrieves a custom check by ID from the loaded engine checks.
func (h *Handler) GetCheck(w http.ResponseWriter, r *http.Request) {
	checkID := chi.URLParam(r, "id")

	if checkID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "check id is required",
		})
		return
	}

	if h.checkEngine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "check engine not available",
		})
		return
	}

	for _, check := range h.checkEngine.LoadedChecks() {
		if check.ID == checkID {
			writeJSON(w, http.StatusOK, check)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "check not found",
	})
}

// CreateCheckRequest is the request body for creating a custom check.
type CreateCheckRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Expression  string  `json:"expression"`
	Weight      float64 `json:"weight"`
	Reason      string  `json:"reason,omitempty"`
	Enabled     bool    `json:"enabled"`
}

// CreateCheck creates a new custom anomaly check and saves it to the
// database. The CEL expression is validated before the check is
// persisted. After saving, call POST /checks/reload to hot-reload.
func (h *Handler) CreateCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.checkEngine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "check engine not available",
		})
		return
	}

	var req CreateCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.Weight <= 0 || req.Weight > 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "weight must be between 0 (exclusive) and 1",
		})
		return
	}

	check := &domain.CheckConfig{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Weight:      req.Weight,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression before persisting
	if err := h.checkEngine.ValidateCheck(check); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveCheckConfig(ctx, tenantID, check); err != nil {
		slog.Error("failed to save check config", "id", check.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save check",
		})
		return
	}

	slog.Info("check created", "id", check.ID, "name", check.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"check":   check,
		"message": "Check created. Call POST /checks/reload to apply changes.",
	})
}

// ReloadChecks reloads all custom checks from the database into the
// engine. This enables hot-reloading without server restart.
func (h *Handler) ReloadChecks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.checkEngine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "check engine not available",
		})
		return
	}

	dbChecks, err := h.repo.ListCheckConfigs(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list checks from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load checks from database",
		})
		return
	}

	if err := h.checkEngine.ReloadChecks(dbChecks); err != nil {
		slog.Error("failed to reload checks into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload checks: " + err.Error(),
		})
		return
	}

	slog.Info("checks reloaded from database", "count", len(dbChecks), "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "checks reloaded successfully",
		"count":   len(dbChecks),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
