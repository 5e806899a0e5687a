package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// HTTPReasoner calls an external reasoning endpoint for the final
// severity call. Errors propagate to the caller, which applies its own
// fallback.
type HTTPReasoner struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPReasoner returns nil when no endpoint is configured, so
// callers can wire the absence of a reasoner directly.
func NewHTTPReasoner(endpoint, apiKey string, timeout time.Duration) *HTTPReasoner {
	if endpoint == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReasoner{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type assessRequest struct {
	Transaction struct {
		ID       string  `json:"id"`
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
		Merchant string  `json:"merchant"`
		Category string  `json:"category"`
	} `json:"transaction"`
	RiskFactors      []string `json:"risk_factors"`
	PreliminaryScore float64  `json:"preliminary_score"`
}

// AssessRisk implements domain.ReasoningService.
func (r *HTTPReasoner) AssessRisk(ctx context.Context, tx *domain.Transaction, riskFactors []string, preScore float64) (*domain.RiskAssessment, error) {
	req := assessRequest{
		RiskFactors:      riskFactors,
		PreliminaryScore: preScore,
	}
	if tx != nil {
		req.Transaction.ID = tx.ID
		req.Transaction.Amount = tx.Amount
		req.Transaction.Currency = tx.Currency
		req.Transaction.Merchant = tx.Merchant
		req.Transaction.Category = tx.Category
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode assess request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/assess", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build assess request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("assess request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reasoner returned status %d", httpResp.StatusCode)
	}

	var assessment domain.RiskAssessment
	if err := json.NewDecoder(httpResp.Body).Decode(&assessment); err != nil {
		return nil, fmt.Errorf("failed to decode assess response: %w", err)
	}
	return &assessment, nil
}
