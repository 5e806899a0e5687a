// Package notify turns flagged risk decisions into persisted alerts
// and bus events, with cache-backed suppression of repeats.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service delivers alerts. Persistence, publishing and suppression are
// all best-effort: a notification failure never fails the evaluation.
type Service struct {
	repo              domain.Repository
	cache             domain.Cache
	bus               domain.EventBus
	logger            *slog.Logger
	suppressionWindow time.Duration
}

// NewService builds a notifier. Cache and bus are optional.
func NewService(repo domain.Repository, cache domain.Cache, bus domain.EventBus, logger *slog.Logger, suppressionWindow time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if suppressionWindow <= 0 {
		suppressionWindow = 10 * time.Minute
	}
	return &Service{
		repo:              repo,
		cache:             cache,
		bus:               bus,
		logger:            logger,
		suppressionWindow: suppressionWindow,
	}
}

// Notify persists an alert for the decision and publishes it on the
// bus. A repeat alert for the same transaction and severity within the
// suppression window is dropped.
func (s *Service) Notify(ctx context.Context, decision *domain.RiskDecision, tx *domain.Transaction, recipients []string) error {
	if decision == nil || tx == nil {
		return fmt.Errorf("decision and transaction are required")
	}

	if s.suppressed(ctx, tx, decision) {
		s.logger.Debug("alert suppressed",
			"tenant_id", tx.TenantID,
			"tx_id", tx.ID,
			"severity", string(decision.Severity))
		return nil
	}

	if len(recipients) == 0 {
		recipients = Recipients(tx, decision)
	}

	alert := &domain.Alert{
		ID:             uuid.New().String(),
		TenantID:       tx.TenantID,
		TxID:           tx.ID,
		UserID:         tx.UserID,
		Type:           alertType(decision),
		Severity:       decision.Severity,
		Title:          fmt.Sprintf("Transaction %s flagged (%s risk)", tx.ID, decision.Severity),
		Message:        alertMessage(decision, tx),
		Recommendation: decision.Recommendation,
		Metadata: map[string]interface{}{
			"risk_score":   decision.RiskScore,
			"risk_factors": decision.RiskFactors,
			"recipients":   recipients,
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.SaveAlert(ctx, tx.TenantID, alert); err != nil {
		s.logger.Error("failed to persist alert",
			"tenant_id", tx.TenantID,
			"tx_id", tx.ID,
			"error", err)
		return fmt.Errorf("failed to persist alert: %w", err)
	}

	s.publish(ctx, alert)

	s.logger.Info("alert created",
		"tenant_id", tx.TenantID,
		"tx_id", tx.ID,
		"alert_id", alert.ID,
		"severity", string(alert.Severity))

	return nil
}

// Recipients derives who should hear about the decision: the
// transaction owner always, managers for high and critical severity.
func Recipients(tx *domain.Transaction, decision *domain.RiskDecision) []string {
	recipients := []string{tx.UserID}
	if decision.Severity == domain.SeverityHigh || decision.Severity == domain.SeverityCritical {
		recipients = append(recipients, "managers")
	}
	return recipients
}

// suppressed checks the per-tx+severity counter. Counter failures fall
// open so a broken cache never swallows alerts.
func (s *Service) suppressed(ctx context.Context, tx *domain.Transaction, decision *domain.RiskDecision) bool {
	if s.cache == nil {
		return false
	}
	key := fmt.Sprintf("alert:%s:%s", tx.ID, decision.Severity)
	count, err := s.cache.IncrementCounter(ctx, tx.TenantID, key, s.suppressionWindow)
	if err != nil {
		s.logger.Warn("alert suppression counter unavailable",
			"tenant_id", tx.TenantID,
			"tx_id", tx.ID,
			"error", err)
		return false
	}
	return count > 1
}

func (s *Service) publish(ctx context.Context, alert *domain.Alert) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		s.logger.Error("failed to encode alert event", "alert_id", alert.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, alert.TenantID, domain.TopicAlert, payload); err != nil {
		s.logger.Error("failed to publish alert event",
			"tenant_id", alert.TenantID,
			"alert_id", alert.ID,
			"error", err)
	}
}

func alertType(decision *domain.RiskDecision) string {
	for _, factor := range decision.RiskFactors {
		if factor == "Receipt mismatch or missing" {
			return "mismatch"
		}
	}
	if decision.RiskScore >= 0.4 {
		return "risk"
	}
	return "anomaly"
}

func alertMessage(decision *domain.RiskDecision, tx *domain.Transaction) string {
	msg := fmt.Sprintf("Transaction of %.2f %s scored %.2f", tx.Amount, tx.Currency, decision.RiskScore)
	if len(decision.RiskFactors) > 0 {
		msg += ": " + decision.RiskFactors[0]
	}
	return msg
}
