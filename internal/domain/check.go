package domain

// CheckConfig defines a configurable anomaly check. The four builtin
// checks (amount, merchant, category, time) are always present; custom
// checks add CEL expressions evaluated over the derived history stats.
type CheckConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression. Must return bool (flagged) or a numeric evidence
	// value, in which case any non-zero result flags the check.
	Expression string `json:"expression"`

	// Weight this check contributes to the summed anomaly score.
	Weight float64 `json:"weight"`

	// Reason shown to operators when the check flags.
	Reason string `json:"reason"`

	// Whether the check is active.
	Enabled bool `json:"enabled"`
}
