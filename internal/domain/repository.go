// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)

	// ListUserTransactions returns a user's transactions since the given
	// time, newest first, excluding rejected ones. category narrows the
	// result when non-empty. This is the history read contract of the
	// anomaly scorer.
	ListUserTransactions(ctx context.Context, tenantID, userID, category string, since time.Time) ([]*Transaction, error)

	// ListUnreconciledByAmount returns unreconciled transactions whose
	// amount lies in [min, max], the candidate corpus for receipt matching.
	ListUnreconciledByAmount(ctx context.Context, tenantID string, min, max float64) ([]*Transaction, error)

	// UpdateEvaluationOutcome writes the classification/anomaly/risk
	// fields and status of an evaluated transaction by primary key.
	UpdateEvaluationOutcome(ctx context.Context, tenantID string, tx *Transaction) error

	// LinkReceipt marks a transaction reconciled against a receipt.
	// Linking the same pair twice is a no-op.
	LinkReceipt(ctx context.Context, tenantID, txID, receiptID string) error

	// Receipt operations
	SaveReceipt(ctx context.Context, tenantID string, rcpt *Receipt) error
	GetReceipt(ctx context.Context, tenantID string, receiptID string) (*Receipt, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, tenantID string, eval *Evaluation) error
	GetEvaluation(ctx context.Context, tenantID string, evalID string) (*Evaluation, error)

	// Alerts
	SaveAlert(ctx context.Context, tenantID string, alert *Alert) error
	ListAlerts(ctx context.Context, tenantID string, since time.Time) ([]*Alert, error)

	// Anomaly check configuration
	SaveCheckConfig(ctx context.Context, tenantID string, check *CheckConfig) error
	GetCheckConfig(ctx context.Context, tenantID string, checkID string) (*CheckConfig, error)
	ListCheckConfigs(ctx context.Context, tenantID string) ([]*CheckConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
