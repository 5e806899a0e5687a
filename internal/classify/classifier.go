// Package classify assigns spending categories to transactions via an
// external classifier service, with a keyword fallback when the
// service is unavailable.
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

// fallbackConfidenceCap limits the confidence of any classification
// that had to be corrected or produced by the keyword fallback.
const fallbackConfidenceCap = 0.5

// HTTPClassifier calls an external classification endpoint and
// normalizes its answer into the fixed category set. Service failures
// degrade to the keyword fallback instead of failing the evaluation.
type HTTPClassifier struct {
	endpoint  string
	apiKey    string
	model     string
	threshold float64
	client    *http.Client
	fallback  *KeywordClassifier
}

// NewHTTPClassifier builds a classifier from config. With an empty
// endpoint classification runs on the keyword fallback alone.
func NewHTTPClassifier(cfg domain.ClassifierConfig) *HTTPClassifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	return &HTTPClassifier{
		endpoint:  cfg.Endpoint,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		threshold: threshold,
		client:    &http.Client{Timeout: timeout},
		fallback:  NewKeywordClassifier(),
	}
}

type classifyRequest struct {
	Model            string   `json:"model,omitempty"`
	Description      string   `json:"description"`
	Merchant         string   `json:"merchant"`
	Amount           float64  `json:"amount"`
	RecentCategories []string `json:"recent_categories,omitempty"`
	Categories       []string `json:"categories"`
}

type classifyResponse struct {
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// Classify categorizes a transaction. The result always carries a
// valid category; answers outside the fixed set collapse to "other"
// with capped confidence.
func (c *HTTPClassifier) Classify(ctx context.Context, in *domain.ClassifyInput) (*domain.Classification, error) {
	if in == nil {
		return nil, fmt.Errorf("classify input is required")
	}

	if c.endpoint == "" {
		return c.normalize(c.fallback.classify(in)), nil
	}

	resp, err := c.call(ctx, in)
	if err != nil {
		result := c.fallback.classify(in)
		result.Reasoning = fmt.Sprintf("classifier unavailable (%v), keyword fallback", err)
		return c.normalize(result), nil
	}

	return c.normalize(&domain.Classification{
		Category:    resp.Category,
		Subcategory: resp.Subcategory,
		Confidence:  resp.Confidence,
		Reasoning:   resp.Reasoning,
	}), nil
}

func (c *HTTPClassifier) call(ctx context.Context, in *domain.ClassifyInput) (*classifyResponse, error) {
	body, err := json.Marshal(classifyRequest{
		Model:            c.model,
		Description:      in.Description,
		Merchant:         in.Merchant,
		Amount:           in.Amount,
		RecentCategories: in.RecentCategories,
		Categories:       domain.Categories,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d", httpResp.StatusCode)
	}

	var resp classifyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode classify response: %w", err)
	}
	return &resp, nil
}

// normalize enforces the fixed category set, confidence bounds, and
// the review threshold.
func (c *HTTPClassifier) normalize(result *domain.Classification) *domain.Classification {
	if !domain.ValidCategory(result.Category) {
		result.Category = domain.CategoryOther
		if result.Confidence > fallbackConfidenceCap {
			result.Confidence = fallbackConfidenceCap
		}
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	result.NeedsReview = result.Confidence < c.threshold
	return result
}
