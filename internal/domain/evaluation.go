package domain

import (
	"time"
)

// CheckKind identifies one of the anomaly checks.
type CheckKind string

const (
	CheckAmount   CheckKind = "amount"
	CheckMerchant CheckKind = "merchant"
	CheckCategory CheckKind = "category"
	CheckTime     CheckKind = "time"
	CheckCustom   CheckKind = "custom"
)

// AnomalyFinding is the outcome of a single anomaly check.
type AnomalyFinding struct {
	Kind    CheckKind `json:"kind"`
	CheckID string    `json:"checkId,omitempty"`
	Flagged bool      `json:"flagged"`

	// Evidence is the numeric signal behind the finding: a z-score for
	// the amount check, a frequency for the category check, the local
	// hour for the time check.
	Evidence float64 `json:"evidence"`
	Weight   float64 `json:"weight"`
	Reason   string  `json:"reason"`
}

// AnomalyVerdict aggregates the findings of all checks for one transaction.
type AnomalyVerdict struct {
	IsAnomaly   bool             `json:"isAnomaly"`
	RiskScore   float64          `json:"riskScore"`
	Findings    []AnomalyFinding `json:"findings"`
	Reason      string           `json:"reason"`
	HistorySize int              `json:"historySize"`
}

// MatchVerdict is the result of comparing a receipt against a transaction.
type MatchVerdict struct {
	IsMatch    bool    `json:"isMatch"`
	Confidence float64 `json:"confidence"`

	AmountMatch   bool `json:"amountMatch"`
	MerchantMatch bool `json:"merchantMatch"`
	DateMatch     bool `json:"dateMatch"`

	AmountDiff float64 `json:"amountDiff"`
	Reason     string  `json:"reason"`
}

// Severity is the tiered risk level of a decision.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action tags the concrete follow-ups a decision recommends.
type Action string

const (
	ActionFlagForReview   Action = "flag_for_review"
	ActionManagerApproval Action = "manager_approval"
	ActionRequestReceipt  Action = "request_receipt"
	ActionAutoApprove     Action = "auto_approve"
)

// RiskDecision is the fused output of classification, anomaly and
// reconciliation signals. RiskScore is always within [0,1].
type RiskDecision struct {
	RiskScore      float64  `json:"riskScore"`
	RiskFactors    []string `json:"riskFactors"`
	Severity       Severity `json:"severity"`
	Recommendation string   `json:"recommendation"`
	Actions        []Action `json:"actions"`
	ShouldAlert    bool     `json:"shouldAlert"`
}

// StageStatus is the outcome of a single pipeline stage.
type StageStatus string

const (
	StageOK        StageStatus = "ok"
	StageError     StageStatus = "error"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// StageResult is one entry of the ordered pipeline stage log.
type StageResult struct {
	Stage      string      `json:"stage"`
	Status     StageStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// Evaluation is the complete persisted result of one pipeline invocation.
type Evaluation struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	TxID     string `json:"txId"`

	// Overall status: "success", "error" or "cancelled".
	Status string `json:"status"`

	Classification *Classification `json:"classification,omitempty"`
	Anomaly        *AnomalyVerdict `json:"anomaly,omitempty"`
	Reconciliation *MatchVerdict   `json:"reconciliation,omitempty"`
	Decision       *RiskDecision   `json:"decision,omitempty"`

	Stages []StageResult `json:"stages"`

	Timestamp time.Time          `json:"timestamp"`
	Metadata  EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID         string `json:"traceId"`
	ClassifyMs      int64  `json:"classifyMs"`
	AnomalyMs       int64  `json:"anomalyMs"`
	ReconcileMs     int64  `json:"reconcileMs"`
	DecisionMs      int64  `json:"decisionMs"`
	TotalMs         int64  `json:"totalMs"`
	ChecksEvaluated int    `json:"checksEvaluated"`
	EngineVersion   string `json:"engineVersion"`
}

// Pipeline status constants.
const (
	EvalSuccess   = "success"
	EvalError     = "error"
	EvalCancelled = "cancelled"
)

// Alert is a persisted notification produced for flagged decisions.
type Alert struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	TxID     string `json:"txId,omitempty"`
	UserID   string `json:"userId,omitempty"`

	// Type: "risk", "anomaly", "mismatch" or "classification".
	Type           string   `json:"type"`
	Severity       Severity `json:"severity"`
	Title          string   `json:"title"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation,omitempty"`

	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
