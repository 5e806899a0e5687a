// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sentinel errors, shared with the domain layer.
var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const txColumns = `id, tenant_id, user_id, external_id, amount, currency,
	timestamp, created_at, updated_at, description, merchant,
	category, subcategory, classification_confidence,
	is_anomaly, anomaly_score, anomaly_reason,
	risk_score, risk_factors, receipt_id, is_reconciled,
	status, source, metadata`

// SaveTransaction stores a transaction with tenant isolation.
// Re-saving the same ID updates the mutable fields.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(tx.Metadata)
	riskFactors, _ := json.Marshal(tx.RiskFactors)

	now := time.Now().UTC()
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := tx.Status
	if status == "" {
		status = domain.StatusPending
	}

	query := `
		INSERT INTO transactions (` + txColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			timestamp = excluded.timestamp,
			updated_at = excluded.updated_at,
			description = excluded.description,
			merchant = excluded.merchant,
			category = excluded.category,
			subcategory = excluded.subcategory,
			classification_confidence = excluded.classification_confidence,
			status = excluded.status,
			metadata = excluded.metadata
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.UserID, tx.ExternalID,
		tx.Amount, tx.Currency,
		tx.Timestamp, createdAt, now,
		tx.Description, tx.Merchant,
		tx.Category, tx.Subcategory, tx.ClassificationConfidence,
		boolToInt(tx.IsAnomaly), tx.AnomalyScore, tx.AnomalyReason,
		tx.RiskScore, string(riskFactors),
		tx.ReceiptID, boolToInt(tx.IsReconciled),
		string(status), tx.Source, string(metadata),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + txColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// ListUserTransactions returns a user's transactions since the given
// time, newest first, excluding rejected ones.
func (r *SQLRepository) ListUserTransactions(ctx context.Context, tenantID, userID, category string, since time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `SELECT ` + txColumns + `
		FROM transactions
		WHERE tenant_id = ? AND user_id = ? AND status != 'rejected' AND timestamp >= ?`
	args := []any{tenantID, userID, since}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// ListUnreconciledByAmount returns unreconciled transactions with an
// amount in [min, max], ordered by amount then timestamp for
// deterministic candidate ranking.
func (r *SQLRepository) ListUnreconciledByAmount(ctx context.Context, tenantID string, min, max float64) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + txColumns + `
		FROM transactions
		WHERE tenant_id = ? AND is_reconciled = 0 AND amount >= ? AND amount <= ?
		ORDER BY amount, timestamp`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, min, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// UpdateEvaluationOutcome writes the evaluation fields of a
// transaction back to storage.
func (r *SQLRepository) UpdateEvaluationOutcome(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	riskFactors, _ := json.Marshal(tx.RiskFactors)

	query := `
		UPDATE transactions SET
			category = ?,
			subcategory = ?,
			classification_confidence = ?,
			is_anomaly = ?,
			anomaly_score = ?,
			anomaly_reason = ?,
			risk_score = ?,
			risk_factors = ?,
			status = ?,
			updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.Category, tx.Subcategory, tx.ClassificationConfidence,
		boolToInt(tx.IsAnomaly), tx.AnomalyScore, tx.AnomalyReason,
		tx.RiskScore, string(riskFactors),
		string(tx.Status), time.Now().UTC(),
		tenantID, tx.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkReceipt marks a transaction reconciled against a receipt.
// Linking an already linked pair again is a no-op.
func (r *SQLRepository) LinkReceipt(ctx context.Context, tenantID, txID, receiptID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if txID == "" || receiptID == "" {
		return fmt.Errorf("%w: txID and receiptID are required", ErrInvalidInput)
	}

	query := `
		UPDATE transactions
		SET receipt_id = ?, is_reconciled = 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND (receipt_id IS NULL OR receipt_id = '' OR receipt_id = ?)
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		receiptID, time.Now().UTC(), tenantID, txID, receiptID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the transaction is missing or already linked elsewhere.
		if _, err := r.GetTransaction(ctx, tenantID, txID); err != nil {
			return err
		}
		return fmt.Errorf("%w: transaction %s is linked to another receipt", ErrInvalidInput, txID)
	}
	return nil
}

// SaveReceipt stores a parsed receipt with tenant isolation.
func (r *SQLRepository) SaveReceipt(ctx context.Context, tenantID string, rcpt *domain.Receipt) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rcpt == nil || rcpt.ID == "" {
		return fmt.Errorf("%w: receipt id is required", ErrInvalidInput)
	}

	lineItems, _ := json.Marshal(rcpt.LineItems)

	createdAt := rcpt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var date any
	if rcpt.HasDate() {
		date = rcpt.Date
	}

	query := `
		INSERT INTO receipts (
			id, tenant_id, user_id, transaction_id, merchant, category,
			amount, tax, total, date, line_items, parsing_confidence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			transaction_id = excluded.transaction_id,
			merchant = excluded.merchant,
			category = excluded.category,
			amount = excluded.amount,
			tax = excluded.tax,
			total = excluded.total,
			date = excluded.date,
			line_items = excluded.line_items,
			parsing_confidence = excluded.parsing_confidence
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rcpt.ID, tenantID, rcpt.UserID, rcpt.TransactionID,
		rcpt.Merchant, rcpt.Category,
		rcpt.Amount, rcpt.Tax, rcpt.Total,
		date, string(lineItems), rcpt.ParsingConfidence, createdAt,
	)
	return err
}

// GetReceipt retrieves a receipt by ID with tenant isolation.
func (r *SQLRepository) GetReceipt(ctx context.Context, tenantID string, receiptID string) (*domain.Receipt, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, transaction_id, merchant, category,
			   amount, tax, total, date, line_items, parsing_confidence, created_at
		FROM receipts
		WHERE tenant_id = ? AND id = ?
	`

	var rcpt domain.Receipt
	var date sql.NullTime
	var lineItems string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, receiptID).Scan(
		&rcpt.ID, &rcpt.TenantID, &rcpt.UserID, &rcpt.TransactionID,
		&rcpt.Merchant, &rcpt.Category,
		&rcpt.Amount, &rcpt.Tax, &rcpt.Total,
		&date, &lineItems, &rcpt.ParsingConfidence, &rcpt.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if date.Valid {
		rcpt.Date = date.Time
	}
	if lineItems != "" {
		json.Unmarshal([]byte(lineItems), &rcpt.LineItems)
	}

	return &rcpt, nil
}

// SaveEvaluation stores an evaluation result with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.Evaluation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if eval == nil || eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	classification, _ := json.Marshal(eval.Classification)
	anomaly, _ := json.Marshal(eval.Anomaly)
	reconciliation, _ := json.Marshal(eval.Reconciliation)
	decision, _ := json.Marshal(eval.Decision)
	stages, _ := json.Marshal(eval.Stages)
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, tenant_id, tx_id, status, classification, anomaly,
			reconciliation, decision, stages, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, tenantID, eval.TxID, eval.Status,
		string(classification), string(anomaly),
		string(reconciliation), string(decision),
		string(stages), eval.Timestamp, string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, status, classification, anomaly,
			   reconciliation, decision, stages, timestamp, metadata
		FROM evaluations
		WHERE tenant_id = ? AND id = ?
	`

	var eval domain.Evaluation
	var classification, anomaly, reconciliation, decision, stages, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID).Scan(
		&eval.ID, &eval.TenantID, &eval.TxID, &eval.Status,
		&classification, &anomaly, &reconciliation, &decision,
		&stages, &eval.Timestamp, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	unmarshalIfSet(classification, &eval.Classification)
	unmarshalIfSet(anomaly, &eval.Anomaly)
	unmarshalIfSet(reconciliation, &eval.Reconciliation)
	unmarshalIfSet(decision, &eval.Decision)
	json.Unmarshal([]byte(stages), &eval.Stages)
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
}

// SaveAlert stores an alert with tenant isolation.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, alert *domain.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("%w: alert id is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(alert.Metadata)

	createdAt := alert.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO alerts (
			id, tenant_id, tx_id, user_id, type, severity,
			title, message, recommendation, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, alert.TxID, alert.UserID,
		alert.Type, string(alert.Severity),
		alert.Title, alert.Message, alert.Recommendation,
		string(metadata), createdAt,
	)
	return err
}

// ListAlerts retrieves alerts created since the given time, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, since time.Time) ([]*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, user_id, type, severity,
			   title, message, recommendation, metadata, created_at
		FROM alerts
		WHERE tenant_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var alert domain.Alert
		var severity, metadata string

		if err := rows.Scan(
			&alert.ID, &alert.TenantID, &alert.TxID, &alert.UserID,
			&alert.Type, &severity,
			&alert.Title, &alert.Message, &alert.Recommendation,
			&metadata, &alert.CreatedAt,
		); err != nil {
			return nil, err
		}

		alert.Severity = domain.Severity(severity)
		if metadata != "" {
			json.Unmarshal([]byte(metadata), &alert.Metadata)
		}
		alerts = append(alerts, &alert)
	}

	return alerts, rows.Err()
}

// SaveCheckConfig stores an anomaly check configuration with tenant
// isolation. Versions are immutable; re-saving a version updates it.
func (r *SQLRepository) SaveCheckConfig(ctx context.Context, tenantID string, check *domain.CheckConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if check == nil || check.ID == "" {
		return fmt.Errorf("%w: check id is required", ErrInvalidInput)
	}

	enabled := boolToInt(check.Enabled)
	now := time.Now().UTC()

	query := `
		INSERT INTO check_configs (
			id, tenant_id, name, description, version, expression, weight, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			weight = excluded.weight,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		check.ID, tenantID, check.Name, check.Description,
		check.Version, check.Expression, check.Weight, check.Reason, enabled,
		now, now,
	)
	return err
}

// GetCheckConfig retrieves the latest enabled version of a check.
func (r *SQLRepository) GetCheckConfig(ctx context.Context, tenantID string, checkID string) (*domain.CheckConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, weight, reason, enabled
		FROM check_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.CheckConfig
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, checkID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
		&cfg.Version, &cfg.Expression, &cfg.Weight, &cfg.Reason, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// ListCheckConfigs retrieves all enabled checks for a tenant.
func (r *SQLRepository) ListCheckConfigs(ctx context.Context, tenantID string) ([]*domain.CheckConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, weight, reason, enabled
		FROM check_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.CheckConfig
	for rows.Next() {
		var cfg domain.CheckConfig
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &cfg.Expression, &cfg.Weight, &cfg.Reason, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var isAnomaly, isReconciled int
	var status, riskFactors, metadata string
	var externalID, description, merchant, category, subcategory, anomalyReason, receiptID, source sql.NullString

	err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.UserID, &externalID,
		&tx.Amount, &tx.Currency,
		&tx.Timestamp, &tx.CreatedAt, &tx.UpdatedAt,
		&description, &merchant,
		&category, &subcategory, &tx.ClassificationConfidence,
		&isAnomaly, &tx.AnomalyScore, &anomalyReason,
		&tx.RiskScore, &riskFactors,
		&receiptID, &isReconciled,
		&status, &source, &metadata,
	)
	if err != nil {
		return nil, err
	}

	tx.ExternalID = externalID.String
	tx.Description = description.String
	tx.Merchant = merchant.String
	tx.Category = category.String
	tx.Subcategory = subcategory.String
	tx.AnomalyReason = anomalyReason.String
	tx.ReceiptID = receiptID.String
	tx.Source = source.String
	tx.IsAnomaly = isAnomaly == 1
	tx.IsReconciled = isReconciled == 1
	tx.Status = domain.TransactionStatus(status)
	if riskFactors != "" {
		json.Unmarshal([]byte(riskFactors), &tx.RiskFactors)
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func unmarshalIfSet[T any](raw string, dst **T) {
	if raw == "" || raw == "null" {
		return
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		*dst = &v
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
