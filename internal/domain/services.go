package domain

import (
	"context"
	"time"
)

// HistoryProvider supplies a bounded window of a user's past
// transactions for statistical comparison. Read-only.
type HistoryProvider interface {
	// Window returns the user's transactions in the trailing window
	// ending at now, excluding rejected transactions, optionally
	// narrowed to one category.
	Window(ctx context.Context, tenantID, userID, category string, now time.Time) ([]*Transaction, error)
}

// ClassificationService labels a transaction with an expense category.
// Implementations must return a category from the fixed set or degrade
// to "other" with confidence at most 0.5.
type ClassificationService interface {
	Classify(ctx context.Context, in *ClassifyInput) (*Classification, error)
}

// ReasoningService refines a locally computed risk pre-score into a
// severity, recommendation and action list. Callers apply a hard
// timeout and fall back to the deterministic decision table when the
// service is unavailable.
type ReasoningService interface {
	AssessRisk(ctx context.Context, tx *Transaction, riskFactors []string, preScore float64) (*RiskAssessment, error)
}

// Notifier delivers alerts for flagged decisions. Fire-and-forget from
// the pipeline's perspective: errors are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, decision *RiskDecision, tx *Transaction, recipients []string) error
}
