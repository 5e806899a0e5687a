// Package worker provides async message processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Worker consumes ingestion events from the EventBus and drives the
// evaluation pipeline.
type Worker struct {
	bus         domain.EventBus
	repo        domain.Repository
	coordinator *pipeline.Coordinator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, coordinator *pipeline.Coordinator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         bus,
		repo:        repo,
		coordinator: coordinator,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processTransaction(ctx, msg.TenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	rsub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicReceiptIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processReceipt(ctx, msg.TenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, rsub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processTransaction(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	rsub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicReceiptIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processReceipt(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, rsub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topics", []string{domain.TopicTransactionIngested, domain.TopicReceiptIngested},
	)

	return nil
}

// TransactionMessage is the payload for transaction ingestion events.
type TransactionMessage struct {
	TraceID     string              `json:"traceId,omitempty"`
	ReceiptID   string              `json:"receiptId,omitempty"`
	Transaction *domain.Transaction `json:"transaction"`
}

// ReceiptMessage is the payload for receipt ingestion events.
type ReceiptMessage struct {
	TraceID string          `json:"traceId,omitempty"`
	Receipt *domain.Receipt `json:"receipt"`
}

// processTransaction persists an ingested transaction and runs the
// evaluation pipeline on it.
func (w *Worker) processTransaction(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tx := txMsg.Transaction
	if tx == nil || tx.ID == "" {
		slog.Error("transaction message missing transaction",
			"message_id", msg.ID,
		)
		return fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	}

	// Use message tenant if provided
	if tx.TenantID != "" {
		tenantID = tx.TenantID
	} else {
		tx.TenantID = tenantID
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing transaction",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	if err := w.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		slog.Error("failed to save transaction",
			"tx_id", tx.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	receipt := w.lookupReceipt(ctx, tenantID, tx, txMsg.ReceiptID)

	eval, err := w.coordinator.Evaluate(ctx, tx, receipt)
	if err != nil {
		slog.Error("pipeline evaluation failed",
			"tx_id", tx.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"status", eval.Status,
		"risk_score", tx.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// lookupReceipt resolves the receipt referenced by the message or the
// transaction, if any. A missing receipt is not an error: the pipeline
// simply skips reconciliation.
func (w *Worker) lookupReceipt(ctx context.Context, tenantID string, tx *domain.Transaction, receiptID string) *domain.Receipt {
	if receiptID == "" {
		receiptID = tx.ReceiptID
	}
	if receiptID == "" {
		return nil
	}

	receipt, err := w.repo.GetReceipt(ctx, tenantID, receiptID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("failed to load receipt",
				"tenant_id", tenantID,
				"receipt_id", receiptID,
				"error", err,
			)
		}
		return nil
	}
	return receipt
}

// processReceipt persists an ingested receipt and attempts to reconcile
// it against an existing transaction.
func (w *Worker) processReceipt(ctx context.Context, tenantID string, msg *domain.Message) error {
	var rcptMsg ReceiptMessage
	if err := json.Unmarshal(msg.Payload, &rcptMsg); err != nil {
		slog.Error("failed to parse receipt message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	receipt := rcptMsg.Receipt
	if receipt == nil || receipt.ID == "" {
		slog.Error("receipt message missing receipt",
			"message_id", msg.ID,
		)
		return fmt.Errorf("%w: receipt is required", domain.ErrInvalidInput)
	}

	if receipt.TenantID != "" {
		tenantID = receipt.TenantID
	} else {
		receipt.TenantID = tenantID
	}

	if err := w.repo.SaveReceipt(ctx, tenantID, receipt); err != nil {
		slog.Error("failed to save receipt",
			"receipt_id", receipt.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	tx, verdict, err := w.coordinator.ReconcileReceipt(ctx, receipt)
	if err != nil {
		slog.Error("receipt reconciliation failed",
			"receipt_id", receipt.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	if tx == nil {
		slog.Debug("no reconciliation candidate for receipt",
			"receipt_id", receipt.ID,
			"tenant_id", tenantID,
		)
		return nil
	}

	slog.Info("receipt reconciled",
		"receipt_id", receipt.ID,
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"confidence", verdict.Confidence,
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
