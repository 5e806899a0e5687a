// Package anomaly scores transactions against a user's recent
// spending history with a fixed list of builtin checks plus optional
// tenant-configured CEL checks.
package anomaly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// minAnomalyScore is the combined weight below which flagged checks
// are treated as noise rather than an anomaly.
const minAnomalyScore = 0.3

// Scorer evaluates a transaction against the user's history window.
type Scorer struct {
	history domain.HistoryProvider
	checks  []Check
	engine  *CheckEngine
}

// NewScorer builds a scorer with the builtin check list in its fixed
// order. The check engine is optional; pass nil to run builtins only.
func NewScorer(history domain.HistoryProvider, cfg domain.ScoringConfig, engine *CheckEngine) *Scorer {
	zThreshold := cfg.ZScoreThreshold
	if zThreshold <= 0 {
		zThreshold = 2.0
	}

	return &Scorer{
		history: history,
		checks: []Check{
			&amountCheck{zThreshold: zThreshold},
			&merchantCheck{},
			&categoryCheck{},
			&timeCheck{},
		},
		engine: engine,
	}
}

// Evaluate loads the user's history window and scores the
// transaction. A history retrieval failure returns a zero verdict
// alongside the error so the caller can distinguish "not anomalous"
// from "unknown".
func (s *Scorer) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyVerdict, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction is required")
	}

	now := tx.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	window, err := s.history.Window(ctx, tx.TenantID, tx.UserID, tx.Category, now)
	if err != nil {
		return &domain.AnomalyVerdict{
			Reason: "history unavailable",
		}, fmt.Errorf("failed to load history for user %s: %w", tx.UserID, err)
	}

	return s.Score(tx, window), nil
}

// Score runs every check against the window and aggregates the
// flagged findings into a verdict. An empty window yields a clean
// verdict rather than an error.
func (s *Scorer) Score(tx *domain.Transaction, window []*domain.Transaction) *domain.AnomalyVerdict {
	stats := BuildStats(window)

	verdict := &domain.AnomalyVerdict{
		HistorySize: stats.Size,
	}

	var flagged []domain.AnomalyFinding
	var score float64

	for _, check := range s.checks {
		f := check.Evaluate(tx, stats)
		if f.Flagged {
			flagged = append(flagged, f)
			score += f.Weight
		}
	}

	if s.engine != nil {
		for _, f := range s.engine.EvaluateAll(tx, stats) {
			if f.Flagged {
				flagged = append(flagged, f)
				score += f.Weight
			}
		}
	}

	if score > 1.0 {
		score = 1.0
	}

	verdict.Findings = flagged
	verdict.RiskScore = score
	verdict.IsAnomaly = len(flagged) > 0 && score >= minAnomalyScore

	if len(flagged) > 0 {
		reasons := make([]string, 0, len(flagged))
		for _, f := range flagged {
			reasons = append(reasons, f.Reason)
		}
		verdict.Reason = strings.Join(reasons, "; ")
	} else if stats.Size == 0 {
		verdict.Reason = "insufficient historical data"
	}

	return verdict
}
