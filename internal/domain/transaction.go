package domain

import (
	"time"
)

// TransactionStatus is the review lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending     TransactionStatus = "pending"
	StatusApproved    TransactionStatus = "approved"
	StatusRejected    TransactionStatus = "rejected"
	StatusFlagged     TransactionStatus = "flagged"
	StatusUnderReview TransactionStatus = "under_review"
)

// Transaction represents an expense transaction to be evaluated.
// The core pipeline treats it as an immutable snapshot; evaluation
// outcomes are written back through the repository by the coordinator.
type Transaction struct {
	// Core identifiers
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	UserID     string `json:"userId"`
	ExternalID string `json:"externalId,omitempty"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	// Descriptive fields
	Description string `json:"description,omitempty"`
	Merchant    string `json:"merchant,omitempty"`

	// Classification outcome
	Category                 string  `json:"category,omitempty"`
	Subcategory              string  `json:"subcategory,omitempty"`
	ClassificationConfidence float64 `json:"classificationConfidence,omitempty"`

	// Anomaly outcome
	IsAnomaly     bool    `json:"isAnomaly,omitempty"`
	AnomalyScore  float64 `json:"anomalyScore,omitempty"`
	AnomalyReason string  `json:"anomalyReason,omitempty"`

	// Risk outcome
	RiskScore   float64  `json:"riskScore,omitempty"`
	RiskFactors []string `json:"riskFactors,omitempty"`

	// Reconciliation
	ReceiptID    string `json:"receiptId,omitempty"`
	IsReconciled bool   `json:"isReconciled,omitempty"`

	Status TransactionStatus `json:"status"`

	// Optional metadata (source system, import batch, ...)
	Source   string                 `json:"source,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// LineItem is one parsed line of a receipt.
type LineItem struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// Receipt holds the structured output of the external document parsing
// step. Date is the zero value when the parser could not extract one.
type Receipt struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	UserID        string `json:"userId"`
	TransactionID string `json:"transactionId,omitempty"`

	Amount   float64   `json:"amount"`
	Date     time.Time `json:"date,omitempty"`
	Merchant string    `json:"merchant,omitempty"`
	Category string    `json:"category,omitempty"`

	LineItems []LineItem `json:"lineItems,omitempty"`
	Tax       float64    `json:"tax,omitempty"`
	Total     float64    `json:"total,omitempty"`

	ParsingConfidence float64 `json:"parsingConfidence,omitempty"`
	RawText           string  `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// EffectiveAmount returns the amount to reconcile against: the parsed
// amount, or the total when the amount field is absent.
func (r *Receipt) EffectiveAmount() float64 {
	if r.Amount != 0 {
		return r.Amount
	}
	return r.Total
}

// HasDate reports whether the parser extracted a usable date.
func (r *Receipt) HasDate() bool {
	return !r.Date.IsZero()
}
