// Package risk fuses classification, anomaly, and reconciliation
// signals into a single risk decision.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Signal weights for the pre-score.
const (
	reviewWeight    = 0.2
	anomalyWeight   = 0.6
	reconcileWeight = 0.3
)

// Severity thresholds of the score-based fallback table.
const (
	highThreshold   = 0.7
	mediumThreshold = 0.4
)

// Input carries the upstream signals for one transaction. Anomaly and
// Reconciliation are nil when the corresponding stage did not run;
// AnomalyUnknown marks an anomaly stage that ran but failed.
type Input struct {
	Tx             *domain.Transaction
	Classification *domain.Classification
	Anomaly        *domain.AnomalyVerdict
	AnomalyUnknown bool
	Reconciliation *domain.MatchVerdict
}

// Fusion combines the signals and optionally consults a reasoning
// service for severity and a score adjustment.
type Fusion struct {
	reasoner       domain.ReasoningService
	timeout        time.Duration
	alertThreshold float64
}

// NewFusion builds a fusion stage. The reasoner is optional; without
// one the score-based fallback table decides severity and actions.
func NewFusion(reasoner domain.ReasoningService, cfg domain.ReasonerConfig, alertThreshold float64) *Fusion {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if alertThreshold <= 0 {
		alertThreshold = 0.4
	}
	return &Fusion{
		reasoner:       reasoner,
		timeout:        timeout,
		alertThreshold: alertThreshold,
	}
}

// Decide computes the risk decision for the transaction. It never
// fails: reasoner timeouts and unusable answers degrade to the
// fallback table, a reasoner that errors or panics fails closed, and
// an unknown anomaly status forces manual review.
func (f *Fusion) Decide(ctx context.Context, in Input) *domain.RiskDecision {
	var score float64
	var factors []string

	if in.Classification != nil && in.Classification.NeedsReview {
		score += reviewWeight
		factors = append(factors, "Low classification confidence")
	}
	if in.Anomaly != nil && in.Anomaly.IsAnomaly {
		score += in.Anomaly.RiskScore * anomalyWeight
		factors = append(factors, in.Anomaly.Reason)
	}
	if in.AnomalyUnknown {
		factors = append(factors, "Anomaly status unknown")
	}
	if in.Reconciliation != nil && !in.Reconciliation.IsMatch {
		score += reconcileWeight
		factors = append(factors, "Receipt mismatch or missing")
	}

	assessment, err := f.assess(ctx, in.Tx, factors, score)
	if err != nil {
		// A throwing reasoner leaves the risk unknowable either way.
		return FailClosed()
	}

	score += assessment.Adjustment
	if score > 1.0 {
		score = 1.0
	}
	if score < 0 {
		score = 0
	}

	decision := &domain.RiskDecision{
		RiskScore:      score,
		RiskFactors:    factors,
		Severity:       assessment.Severity,
		Recommendation: assessment.Recommendation,
		Actions:        assessment.Actions,
	}

	if in.AnomalyUnknown {
		// Cannot rule out an anomaly, so the decision cannot auto-approve.
		if decision.Severity == domain.SeverityLow {
			decision.Severity = domain.SeverityMedium
		}
		decision.Recommendation = "anomaly evaluation unavailable, manual review required"
		decision.Actions = ensureAction(decision.Actions, domain.ActionFlagForReview)
	}

	decision.ShouldAlert = in.AnomalyUnknown ||
		decision.RiskScore >= f.alertThreshold ||
		decision.Severity == domain.SeverityHigh ||
		decision.Severity == domain.SeverityCritical

	return decision
}

// assess consults the reasoning service under a hard timeout. A
// missing reasoner, a timeout, or an unusable answer falls back to
// the score table; an error or panic from the reasoner is returned so
// the caller can fail closed.
func (f *Fusion) assess(ctx context.Context, tx *domain.Transaction, factors []string, preScore float64) (*domain.RiskAssessment, error) {
	if f.reasoner == nil {
		return fallbackAssessment(preScore), nil
	}

	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	type result struct {
		assessment *domain.RiskAssessment
		err        error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{nil, fmt.Errorf("reasoner panic: %v", r)}
			}
		}()
		a, err := f.reasoner.AssessRisk(cctx, tx, factors, preScore)
		ch <- result{a, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.assessment == nil || !validSeverity(r.assessment.Severity) {
			return fallbackAssessment(preScore), nil
		}
		return r.assessment, nil
	case <-cctx.Done():
		return fallbackAssessment(preScore), nil
	}
}

// fallbackAssessment maps a pre-score to severity and actions when no
// reasoning service answer is available.
func fallbackAssessment(score float64) *domain.RiskAssessment {
	switch {
	case score >= highThreshold:
		return &domain.RiskAssessment{
			Severity:       domain.SeverityHigh,
			Recommendation: "high risk, escalate for manager review",
			Actions:        []domain.Action{domain.ActionFlagForReview, domain.ActionManagerApproval},
		}
	case score >= mediumThreshold:
		return &domain.RiskAssessment{
			Severity:       domain.SeverityMedium,
			Recommendation: "moderate risk, flag for review",
			Actions:        []domain.Action{domain.ActionFlagForReview},
		}
	default:
		return &domain.RiskAssessment{
			Severity:       domain.SeverityLow,
			Recommendation: "low risk, approve automatically",
			Actions:        []domain.Action{domain.ActionAutoApprove},
		}
	}
}

// FailClosed is the decision used when risk evaluation itself breaks:
// a middling score that always reaches a human.
func FailClosed() *domain.RiskDecision {
	return &domain.RiskDecision{
		RiskScore:      0.5,
		RiskFactors:    []string{"Risk evaluation failed"},
		Severity:       domain.SeverityMedium,
		Recommendation: "manual review required",
		Actions:        []domain.Action{domain.ActionFlagForReview},
		ShouldAlert:    true,
	}
}

func validSeverity(s domain.Severity) bool {
	switch s {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		return true
	}
	return false
}

func ensureAction(actions []domain.Action, action domain.Action) []domain.Action {
	for _, a := range actions {
		if a == action {
			return actions
		}
	}
	return append(actions, action)
}
