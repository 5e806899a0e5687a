// Package pipeline coordinates the evaluation stages for a single
// transaction: classification, anomaly scoring, receipt
// reconciliation, risk fusion, and alerting.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// EngineVersion is stamped into every evaluation's metadata.
const EngineVersion = "kestrel-1.0"

// Stage names in execution order.
const (
	StageClassify  = "classify"
	StageAnomaly   = "anomaly"
	StageReconcile = "reconcile"
	StageDecision  = "decision"
	StageNotify    = "notify"
)

// maxRecentCategories bounds the historical category context handed
// to the classifier.
const maxRecentCategories = 5

// Coordinator runs the evaluation pipeline. Stages degrade
// individually: a failed classification or anomaly stage is recorded
// and the decision compensates, it never silently approves.
type Coordinator struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	classifier  domain.ClassificationService
	scorer      *anomaly.Scorer
	matcher     *reconcile.Matcher
	fusion      *risk.Fusion
	notifier    domain.Notifier
	logger      *slog.Logger
	tracer      trace.Tracer
	decisionTTL time.Duration
}

// Config wires the coordinator's collaborators. Cache, bus and
// notifier are optional.
type Config struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Bus         domain.EventBus
	Classifier  domain.ClassificationService
	Scorer      *anomaly.Scorer
	Matcher     *reconcile.Matcher
	Fusion      *risk.Fusion
	Notifier    domain.Notifier
	Logger      *slog.Logger
	DecisionTTL time.Duration
}

// NewCoordinator validates the required collaborators and builds the
// pipeline.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Classifier == nil || cfg.Scorer == nil || cfg.Matcher == nil || cfg.Fusion == nil {
		return nil, fmt.Errorf("classifier, scorer, matcher and fusion are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.DecisionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Coordinator{
		repo:        cfg.Repo,
		cache:       cfg.Cache,
		bus:         cfg.Bus,
		classifier:  cfg.Classifier,
		scorer:      cfg.Scorer,
		matcher:     cfg.Matcher,
		fusion:      cfg.Fusion,
		notifier:    cfg.Notifier,
		logger:      logger,
		tracer:      otel.Tracer("kestrel/pipeline"),
		decisionTTL: ttl,
	}, nil
}

// Evaluate runs the full pipeline for one transaction. The receipt is
// optional; without one the reconciliation stage is skipped. The
// returned evaluation always carries the ordered stage log.
func (c *Coordinator) Evaluate(ctx context.Context, tx *domain.Transaction, receipt *domain.Receipt) (*domain.Evaluation, error) {
	if tx == nil {
		return nil, domain.ErrInvalidInput
	}
	if tx.TenantID == "" || tx.ID == "" {
		return nil, fmt.Errorf("%w: transaction id and tenant id are required", domain.ErrInvalidInput)
	}

	ctx, span := c.tracer.Start(ctx, "pipeline.evaluate")
	defer span.End()

	start := time.Now()
	eval := &domain.Evaluation{
		ID:        uuid.New().String(),
		TenantID:  tx.TenantID,
		TxID:      tx.ID,
		Status:    domain.EvalSuccess,
		Timestamp: time.Now().UTC(),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		eval.Metadata.TraceID = sc.TraceID().String()
	}

	anomalyUnknown := false

	// Classification
	c.runStage(ctx, eval, StageClassify, func(sctx context.Context) error {
		result, err := c.classifier.Classify(sctx, &domain.ClassifyInput{
			Description:      tx.Description,
			Merchant:         tx.Merchant,
			Amount:           tx.Amount,
			RecentCategories: c.recentCategories(sctx, tx),
		})
		if err != nil {
			// A transaction without a category cannot auto-approve.
			eval.Classification = &domain.Classification{
				Category:    domain.CategoryOther,
				Confidence:  0,
				Reasoning:   "classification unavailable",
				NeedsReview: true,
			}
			return err
		}
		eval.Classification = result
		return nil
	}, &eval.Metadata.ClassifyMs)
	if eval.Status == domain.EvalCancelled {
		return c.finish(ctx, eval, tx, start)
	}
	if eval.Classification != nil {
		tx.Category = eval.Classification.Category
		tx.Subcategory = eval.Classification.Subcategory
		tx.ClassificationConfidence = eval.Classification.Confidence
	}

	// Anomaly scoring
	if !c.runStage(ctx, eval, StageAnomaly, func(sctx context.Context) error {
		verdict, err := c.scorer.Evaluate(sctx, tx)
		eval.Anomaly = verdict
		return err
	}, &eval.Metadata.AnomalyMs) {
		if eval.Status == domain.EvalCancelled {
			return c.finish(ctx, eval, tx, start)
		}
		anomalyUnknown = true
	}
	if eval.Anomaly != nil {
		eval.Metadata.ChecksEvaluated = len(eval.Anomaly.Findings)
	}

	// Reconciliation, only when a receipt is attached
	if receipt == nil {
		eval.Stages = append(eval.Stages, domain.StageResult{Stage: StageReconcile, Status: domain.StageSkipped})
	} else {
		c.runStage(ctx, eval, StageReconcile, func(sctx context.Context) error {
			verdict, err := c.matcher.Match(receipt, tx)
			if err != nil {
				return err
			}
			eval.Reconciliation = verdict
			if verdict.IsMatch {
				c.linkReceipt(sctx, tx, receipt, verdict)
			}
			return nil
		}, &eval.Metadata.ReconcileMs)
		if eval.Status == domain.EvalCancelled {
			return c.finish(ctx, eval, tx, start)
		}
	}

	// Risk fusion
	c.runStage(ctx, eval, StageDecision, func(sctx context.Context) error {
		if cached := c.cachedDecision(sctx, tx); cached != nil {
			eval.Decision = cached
			return nil
		}
		eval.Decision = c.fusion.Decide(sctx, risk.Input{
			Tx:             tx,
			Classification: eval.Classification,
			Anomaly:        eval.Anomaly,
			AnomalyUnknown: anomalyUnknown,
			Reconciliation: eval.Reconciliation,
		})
		c.storeDecision(sctx, tx, eval.Decision)
		return nil
	}, &eval.Metadata.DecisionMs)
	if eval.Status == domain.EvalCancelled {
		return c.finish(ctx, eval, tx, start)
	}

	// Notification
	if !eval.Decision.ShouldAlert || c.notifier == nil {
		eval.Stages = append(eval.Stages, domain.StageResult{Stage: StageNotify, Status: domain.StageSkipped})
	} else {
		// Notification failures degrade, they never fail the evaluation.
		status := eval.Status
		c.runStage(ctx, eval, StageNotify, func(sctx context.Context) error {
			return c.notifier.Notify(sctx, eval.Decision, tx, nil)
		}, nil)
		if eval.Status == domain.EvalError {
			eval.Status = status
		}
	}

	return c.finish(ctx, eval, tx, start)
}

// recentCategories collects up to maxRecentCategories distinct
// categories from the user's trailing window, newest first. They are
// advisory context for the classifier, so a lookup failure degrades
// to none rather than failing the stage.
func (c *Coordinator) recentCategories(ctx context.Context, tx *domain.Transaction) []string {
	now := tx.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	since := now.AddDate(0, 0, -history.DefaultWindowDays)

	txs, err := c.repo.ListUserTransactions(ctx, tx.TenantID, tx.UserID, "", since)
	if err != nil {
		c.logger.Debug("recent categories unavailable",
			"tenant_id", tx.TenantID,
			"user_id", tx.UserID,
			"error", err)
		return nil
	}

	seen := make(map[string]struct{}, maxRecentCategories)
	var categories []string
	for _, prev := range txs {
		if prev.Category == "" {
			continue
		}
		if _, ok := seen[prev.Category]; ok {
			continue
		}
		seen[prev.Category] = struct{}{}
		categories = append(categories, prev.Category)
		if len(categories) == maxRecentCategories {
			break
		}
	}
	return categories
}

// runStage executes fn, appends its stage result, and reports success.
// A context already cancelled before or during the stage marks the
// stage and the evaluation cancelled.
func (c *Coordinator) runStage(ctx context.Context, eval *domain.Evaluation, name string, fn func(context.Context) error, durationMs *int64) bool {
	if ctx.Err() != nil {
		eval.Stages = append(eval.Stages, domain.StageResult{Stage: name, Status: domain.StageCancelled})
		eval.Status = domain.EvalCancelled
		return false
	}

	sctx, span := c.tracer.Start(ctx, "pipeline."+name)
	start := time.Now()
	err := fn(sctx)
	elapsed := time.Since(start).Milliseconds()
	span.End()

	if durationMs != nil {
		*durationMs = elapsed
	}

	result := domain.StageResult{Stage: name, Status: domain.StageOK, DurationMs: elapsed}
	if err != nil {
		if ctx.Err() != nil {
			result.Status = domain.StageCancelled
			eval.Status = domain.EvalCancelled
		} else {
			result.Status = domain.StageError
			result.Error = err.Error()
			eval.Status = domain.EvalError
			c.logger.Warn("pipeline stage failed",
				"tenant_id", eval.TenantID,
				"tx_id", eval.TxID,
				"stage", name,
				"error", err)
		}
	}
	eval.Stages = append(eval.Stages, result)
	return result.Status == domain.StageOK
}

// finish persists the evaluation and its outcome, publishes the
// decision, and stamps the metadata. Persistence failures are logged;
// the caller still gets the evaluation.
func (c *Coordinator) finish(ctx context.Context, eval *domain.Evaluation, tx *domain.Transaction, start time.Time) (*domain.Evaluation, error) {
	eval.Metadata.TotalMs = time.Since(start).Milliseconds()
	eval.Metadata.EngineVersion = EngineVersion

	if eval.Decision != nil {
		tx.RiskScore = eval.Decision.RiskScore
		tx.RiskFactors = eval.Decision.RiskFactors
		tx.Status = transactionStatus(eval.Decision)
	}
	if eval.Anomaly != nil {
		tx.IsAnomaly = eval.Anomaly.IsAnomaly
		tx.AnomalyScore = eval.Anomaly.RiskScore
		tx.AnomalyReason = eval.Anomaly.Reason
	}

	if err := c.repo.SaveEvaluation(ctx, eval.TenantID, eval); err != nil {
		c.logger.Error("failed to persist evaluation",
			"tenant_id", eval.TenantID,
			"tx_id", eval.TxID,
			"error", err)
	}
	if err := c.repo.UpdateEvaluationOutcome(ctx, eval.TenantID, tx); err != nil {
		c.logger.Error("failed to persist transaction outcome",
			"tenant_id", eval.TenantID,
			"tx_id", eval.TxID,
			"error", err)
	}

	c.publishDecision(ctx, eval)

	c.logger.Info("evaluation complete",
		"tenant_id", eval.TenantID,
		"tx_id", eval.TxID,
		"status", eval.Status,
		"risk_score", tx.RiskScore,
		"total_ms", eval.Metadata.TotalMs)

	return eval, nil
}

// ReconcileReceipt finds the best transaction for an orphaned receipt,
// links it, and publishes the reconciliation. Returns the linked
// transaction and verdict, or nils when no candidate qualifies.
func (c *Coordinator) ReconcileReceipt(ctx context.Context, receipt *domain.Receipt) (*domain.Transaction, *domain.MatchVerdict, error) {
	if receipt == nil {
		return nil, nil, reconcile.ErrNoInput
	}

	ctx, span := c.tracer.Start(ctx, "pipeline.reconcile_receipt")
	defer span.End()

	tx, verdict, err := c.matcher.FindCandidate(ctx, receipt.TenantID, receipt)
	if err != nil {
		return nil, nil, err
	}
	if tx == nil || verdict == nil || !verdict.IsMatch {
		return nil, nil, nil
	}

	c.linkReceipt(ctx, tx, receipt, verdict)
	return tx, verdict, nil
}

// linkReceipt records the reconciliation. Link failures are logged,
// not propagated: the verdict stands either way.
func (c *Coordinator) linkReceipt(ctx context.Context, tx *domain.Transaction, receipt *domain.Receipt, verdict *domain.MatchVerdict) {
	if err := c.repo.LinkReceipt(ctx, tx.TenantID, tx.ID, receipt.ID); err != nil {
		c.logger.Error("failed to link receipt",
			"tenant_id", tx.TenantID,
			"tx_id", tx.ID,
			"receipt_id", receipt.ID,
			"error", err)
		return
	}
	tx.ReceiptID = receipt.ID
	tx.IsReconciled = true

	if c.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"txId":       tx.ID,
			"receiptId":  receipt.ID,
			"confidence": verdict.Confidence,
		})
		if err == nil {
			if err := c.bus.Publish(ctx, tx.TenantID, domain.TopicReconciled, payload); err != nil {
				c.logger.Warn("failed to publish reconciliation event",
					"tenant_id", tx.TenantID,
					"tx_id", tx.ID,
					"error", err)
			}
		}
	}
}

func (c *Coordinator) cachedDecision(ctx context.Context, tx *domain.Transaction) *domain.RiskDecision {
	if c.cache == nil {
		return nil
	}
	decision, err := c.cache.GetDecision(ctx, tx.TenantID, tx.ID)
	if err != nil {
		c.logger.Debug("decision cache lookup failed", "tx_id", tx.ID, "error", err)
		return nil
	}
	return decision
}

func (c *Coordinator) storeDecision(ctx context.Context, tx *domain.Transaction, decision *domain.RiskDecision) {
	if c.cache == nil || decision == nil {
		return
	}
	if err := c.cache.SetDecision(ctx, tx.TenantID, tx.ID, decision, c.decisionTTL); err != nil {
		c.logger.Debug("decision cache store failed", "tx_id", tx.ID, "error", err)
	}
}

func (c *Coordinator) publishDecision(ctx context.Context, eval *domain.Evaluation) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(eval)
	if err != nil {
		c.logger.Error("failed to encode evaluation event", "evaluation_id", eval.ID, "error", err)
		return
	}
	if err := c.bus.Publish(ctx, eval.TenantID, domain.TopicDecision, payload); err != nil {
		c.logger.Warn("failed to publish decision event",
			"tenant_id", eval.TenantID,
			"evaluation_id", eval.ID,
			"error", err)
	}
}

// transactionStatus maps the decision onto the transaction lifecycle.
func transactionStatus(decision *domain.RiskDecision) domain.TransactionStatus {
	for _, a := range decision.Actions {
		switch a {
		case domain.ActionManagerApproval:
			return domain.StatusUnderReview
		case domain.ActionAutoApprove:
			return domain.StatusApproved
		}
	}
	if decision.ShouldAlert {
		return domain.StatusFlagged
	}
	return domain.StatusUnderReview
}
