package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func baseTx() *domain.Transaction {
	return &domain.Transaction{
		ID:       "tx-1",
		TenantID: "tenant-1",
		UserID:   "user-1",
		Amount:   250,
		Currency: "USD",
	}
}

func TestDecidePreScore(t *testing.T) {
	f := NewFusion(nil, domain.ReasonerConfig{}, 0.4)
	ctx := context.Background()

	t.Run("clean signals approve", func(t *testing.T) {
		d := f.Decide(ctx, Input{
			Tx:             baseTx(),
			Classification: &domain.Classification{Category: "meals", Confidence: 0.95},
			Anomaly:        &domain.AnomalyVerdict{},
		})
		if d.RiskScore != 0 {
			t.Errorf("expected score 0, got %v", d.RiskScore)
		}
		if d.Severity != domain.SeverityLow {
			t.Errorf("expected low severity, got %s", d.Severity)
		}
		if d.ShouldAlert {
			t.Error("clean decision must not alert")
		}
		if len(d.Actions) != 1 || d.Actions[0] != domain.ActionAutoApprove {
			t.Errorf("expected auto_approve, got %v", d.Actions)
		}
	})

	t.Run("signals sum with their weights", func(t *testing.T) {
		d := f.Decide(ctx, Input{
			Tx:             baseTx(),
			Classification: &domain.Classification{Category: "other", Confidence: 0.4, NeedsReview: true},
			Anomaly:        &domain.AnomalyVerdict{IsAnomaly: true, RiskScore: 0.5, Reason: "amount deviates"},
			Reconciliation: &domain.MatchVerdict{IsMatch: false},
		})
		// 0.2 + 0.5*0.6 + 0.3
		want := 0.8
		if diff := d.RiskScore - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected score %v, got %v", want, d.RiskScore)
		}
		if d.Severity != domain.SeverityHigh {
			t.Errorf("expected high severity, got %s", d.Severity)
		}
		if !d.ShouldAlert {
			t.Error("high severity must alert")
		}
		if len(d.RiskFactors) != 3 {
			t.Errorf("expected 3 risk factors, got %v", d.RiskFactors)
		}
	})

	t.Run("sub-threshold verdict adds nothing", func(t *testing.T) {
		// One weak check fired but the verdict stayed non-anomalous;
		// only the receipt mismatch may contribute.
		d := f.Decide(ctx, Input{
			Tx:             baseTx(),
			Classification: &domain.Classification{Category: "meals", Confidence: 0.95},
			Anomaly:        &domain.AnomalyVerdict{IsAnomaly: false, RiskScore: 0.2, Reason: "transaction at 20:00 is outside business hours"},
			Reconciliation: &domain.MatchVerdict{IsMatch: false},
		})
		want := 0.3
		if diff := d.RiskScore - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected score %v, got %v", want, d.RiskScore)
		}
		if d.Severity != domain.SeverityLow {
			t.Errorf("expected low severity, got %s", d.Severity)
		}
		if d.ShouldAlert {
			t.Error("a non-anomalous verdict must not push the decision over the alert threshold")
		}
	})

	t.Run("matched reconciliation adds nothing", func(t *testing.T) {
		d := f.Decide(ctx, Input{
			Tx:             baseTx(),
			Reconciliation: &domain.MatchVerdict{IsMatch: true, Confidence: 1.0},
		})
		if d.RiskScore != 0 {
			t.Errorf("expected score 0, got %v", d.RiskScore)
		}
	})

	t.Run("score at alert threshold alerts", func(t *testing.T) {
		d := f.Decide(ctx, Input{
			Tx:      baseTx(),
			Anomaly: &domain.AnomalyVerdict{IsAnomaly: true, RiskScore: 0.4, Reason: "new merchant"},
			// 0.24 from anomaly
			Reconciliation: &domain.MatchVerdict{IsMatch: false},
		})
		if d.RiskScore < 0.4 {
			t.Fatalf("test setup: score %v below threshold", d.RiskScore)
		}
		if !d.ShouldAlert {
			t.Error("score at or above 0.4 must alert")
		}
	})

	t.Run("unknown anomaly forces manual review", func(t *testing.T) {
		d := f.Decide(ctx, Input{
			Tx:             baseTx(),
			AnomalyUnknown: true,
		})
		if d.Severity == domain.SeverityLow {
			t.Error("unknown anomaly status must not stay low severity")
		}
		found := false
		for _, a := range d.Actions {
			if a == domain.ActionFlagForReview {
				found = true
			}
		}
		if !found {
			t.Errorf("expected flag_for_review, got %v", d.Actions)
		}
		if !d.ShouldAlert {
			t.Error("unknown anomaly status must alert")
		}
	})
}

type stubReasoner struct {
	assessment *domain.RiskAssessment
	err        error
	delay      time.Duration
}

func (s *stubReasoner) AssessRisk(ctx context.Context, _ *domain.Transaction, _ []string, _ float64) (*domain.RiskAssessment, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.assessment, s.err
}

type panickingReasoner struct{}

func (panickingReasoner) AssessRisk(context.Context, *domain.Transaction, []string, float64) (*domain.RiskAssessment, error) {
	panic("nil model handle")
}

func TestDecideWithReasoner(t *testing.T) {
	ctx := context.Background()
	anomalous := Input{
		Tx:      baseTx(),
		Anomaly: &domain.AnomalyVerdict{IsAnomaly: true, RiskScore: 0.6, Reason: "amount deviates"},
	}

	t.Run("reasoner adjustment and severity apply", func(t *testing.T) {
		f := NewFusion(&stubReasoner{assessment: &domain.RiskAssessment{
			Severity:       domain.SeverityCritical,
			Recommendation: "block and escalate",
			Actions:        []domain.Action{domain.ActionManagerApproval},
			Adjustment:     0.2,
		}}, domain.ReasonerConfig{Timeout: time.Second}, 0.4)

		d := f.Decide(ctx, anomalous)
		// 0.6*0.6 + 0.2
		want := 0.56
		if diff := d.RiskScore - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected score %v, got %v", want, d.RiskScore)
		}
		if d.Severity != domain.SeverityCritical {
			t.Errorf("expected critical, got %s", d.Severity)
		}
		if !d.ShouldAlert {
			t.Error("critical severity must alert")
		}
	})

	t.Run("reasoner error fails closed", func(t *testing.T) {
		f := NewFusion(&stubReasoner{err: fmt.Errorf("model unavailable")}, domain.ReasonerConfig{Timeout: time.Second}, 0.4)
		d := f.Decide(ctx, anomalous)
		if d.RiskScore != 0.5 {
			t.Errorf("expected fail-closed score 0.5, got %v", d.RiskScore)
		}
		if d.Severity != domain.SeverityMedium {
			t.Errorf("expected medium severity, got %s", d.Severity)
		}
		if !d.ShouldAlert {
			t.Error("a failed risk evaluation must reach a human")
		}
	})

	t.Run("reasoner panic fails closed", func(t *testing.T) {
		f := NewFusion(panickingReasoner{}, domain.ReasonerConfig{Timeout: time.Second}, 0.4)
		d := f.Decide(ctx, anomalous)
		if d.RiskScore != 0.5 || d.Severity != domain.SeverityMedium || !d.ShouldAlert {
			t.Errorf("expected fail-closed decision, got %+v", d)
		}
	})

	t.Run("reasoner timeout falls back", func(t *testing.T) {
		f := NewFusion(&stubReasoner{delay: time.Second, assessment: &domain.RiskAssessment{Severity: domain.SeverityCritical}},
			domain.ReasonerConfig{Timeout: 10 * time.Millisecond}, 0.4)
		d := f.Decide(ctx, anomalous)
		if d.Severity == domain.SeverityCritical {
			t.Error("a timed-out reasoner answer must be discarded")
		}
	})

	t.Run("invalid severity falls back", func(t *testing.T) {
		f := NewFusion(&stubReasoner{assessment: &domain.RiskAssessment{Severity: "catastrophic"}},
			domain.ReasonerConfig{Timeout: time.Second}, 0.4)
		d := f.Decide(ctx, anomalous)
		if d.Severity != domain.SeverityLow {
			t.Errorf("expected fallback low severity, got %s", d.Severity)
		}
	})

	t.Run("score is capped at one", func(t *testing.T) {
		f := NewFusion(&stubReasoner{assessment: &domain.RiskAssessment{
			Severity:   domain.SeverityHigh,
			Adjustment: 0.9,
		}}, domain.ReasonerConfig{Timeout: time.Second}, 0.4)
		d := f.Decide(ctx, Input{
			Tx:             baseTx(),
			Classification: &domain.Classification{NeedsReview: true},
			Anomaly:        &domain.AnomalyVerdict{IsAnomaly: true, RiskScore: 1.0, Reason: "everything"},
			Reconciliation: &domain.MatchVerdict{},
		})
		if d.RiskScore != 1.0 {
			t.Errorf("expected capped score 1.0, got %v", d.RiskScore)
		}
	})
}

func TestFailClosed(t *testing.T) {
	d := FailClosed()
	if d.RiskScore != 0.5 {
		t.Errorf("expected score 0.5, got %v", d.RiskScore)
	}
	if d.Severity != domain.SeverityMedium {
		t.Errorf("expected medium severity, got %s", d.Severity)
	}
	if !d.ShouldAlert {
		t.Error("fail-closed decision must alert")
	}
	if d.Recommendation != "manual review required" {
		t.Errorf("unexpected recommendation %q", d.Recommendation)
	}
}
