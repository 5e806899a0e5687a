// Package history provides the bounded historical transaction window
// used for statistical comparison.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultWindowDays bounds the trailing comparison window.
const DefaultWindowDays = 90

// Provider supplies a user's recent transactions from the repository.
// Windows are rebuilt per evaluation call and never cached: the scorer
// must see writes from the same request cycle.
type Provider struct {
	repo       domain.Repository
	windowDays int
}

// NewProvider creates a repository-backed history provider.
func NewProvider(repo domain.Repository, windowDays int) *Provider {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &Provider{
		repo:       repo,
		windowDays: windowDays,
	}
}

// Window returns the user's transactions within the trailing window
// ending at now, excluding rejected transactions. category narrows the
// result when non-empty.
func (p *Provider) Window(ctx context.Context, tenantID, userID, category string, now time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("tenantID and userID are required")
	}
	if p.repo == nil {
		return nil, fmt.Errorf("no data source available")
	}

	since := now.AddDate(0, 0, -p.windowDays)

	txs, err := p.repo.ListUserTransactions(ctx, tenantID, userID, category, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load history window: %w", err)
	}
	return txs, nil
}
