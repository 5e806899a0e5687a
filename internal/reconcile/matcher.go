// Package reconcile matches receipts against transactions and finds
// reconciliation candidates for orphaned receipts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNoInput is returned when neither a receipt nor a transaction is
// provided.
var ErrNoInput = errors.New("reconciliation requires a receipt and a transaction")

// Confidence contribution of each dimension.
const (
	amountConfidence   = 0.5
	merchantConfidence = 0.3
	dateConfidence     = 0.2
)

// maxDateDriftDays is how far apart a receipt date and transaction
// date may be and still corroborate a match.
const maxDateDriftDays = 7

// Matcher compares receipts to transactions. Match is a pure verdict;
// it never mutates either side.
type Matcher struct {
	repo domain.Repository
}

// NewMatcher builds a matcher. The repository is only needed for
// FindCandidate; pass nil when using Match alone.
func NewMatcher(repo domain.Repository) *Matcher {
	return &Matcher{repo: repo}
}

// Match scores how well a receipt corresponds to a transaction. The
// amount must agree for a match; merchant or date similarity then
// corroborates it.
func (m *Matcher) Match(receipt *domain.Receipt, tx *domain.Transaction) (*domain.MatchVerdict, error) {
	if receipt == nil && tx == nil {
		return nil, ErrNoInput
	}
	if receipt == nil {
		return &domain.MatchVerdict{Reason: "no receipt to reconcile"}, nil
	}
	if tx == nil {
		return &domain.MatchVerdict{Reason: "no transaction to reconcile against"}, nil
	}

	verdict := &domain.MatchVerdict{}

	verdict.AmountDiff = math.Abs(receipt.EffectiveAmount() - tx.Amount)
	verdict.AmountMatch = verdict.AmountDiff < amountTolerance(tx.Amount)
	verdict.MerchantMatch = merchantsSimilar(receipt.Merchant, tx.Merchant)
	verdict.DateMatch = datesClose(receipt, tx)

	verdict.IsMatch = verdict.AmountMatch && (verdict.MerchantMatch || verdict.DateMatch)

	if verdict.AmountMatch {
		verdict.Confidence += amountConfidence
	}
	if verdict.MerchantMatch {
		verdict.Confidence += merchantConfidence
	}
	if verdict.DateMatch {
		verdict.Confidence += dateConfidence
	}

	verdict.Reason = describeVerdict(verdict)

	return verdict, nil
}

// FindCandidate looks for the best unreconciled transaction for an
// orphaned receipt. Candidates within the amount tolerance are ranked
// by merchant similarity first, then closest amount, then earliest
// timestamp, so repeated runs pick the same transaction.
func (m *Matcher) FindCandidate(ctx context.Context, tenantID string, receipt *domain.Receipt) (*domain.Transaction, *domain.MatchVerdict, error) {
	if m.repo == nil {
		return nil, nil, fmt.Errorf("candidate search requires a repository")
	}
	if receipt == nil {
		return nil, nil, ErrNoInput
	}

	amount := receipt.EffectiveAmount()
	tolerance := amountTolerance(amount)
	candidates, err := m.repo.ListUnreconciledByAmount(ctx, tenantID, amount-tolerance, amount+tolerance)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list candidate transactions: %w", err)
	}

	var best *domain.Transaction
	var bestVerdict *domain.MatchVerdict
	for _, tx := range candidates {
		verdict, err := m.Match(receipt, tx)
		if err != nil {
			return nil, nil, err
		}
		if !verdict.AmountMatch {
			continue
		}
		if best == nil || better(tx, verdict, best, bestVerdict) {
			best = tx
			bestVerdict = verdict
		}
	}

	if best == nil {
		return nil, nil, nil
	}
	return best, bestVerdict, nil
}

// better reports whether candidate a outranks the current best b.
func better(a *domain.Transaction, av *domain.MatchVerdict, b *domain.Transaction, bv *domain.MatchVerdict) bool {
	if av.MerchantMatch != bv.MerchantMatch {
		return av.MerchantMatch
	}
	if av.AmountDiff != bv.AmountDiff {
		return av.AmountDiff < bv.AmountDiff
	}
	return a.Timestamp.Before(b.Timestamp)
}

// amountTolerance is the absolute tolerance for amount agreement:
// one percent of the transaction amount, floored at one cent.
func amountTolerance(amount float64) float64 {
	return math.Max(0.01, 0.01*math.Abs(amount))
}

// merchantsSimilar compares two merchant names after lowercasing and
// trimming: one containing the other counts, as does sharing at least
// two whitespace-separated tokens.
func merchantsSimilar(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}

	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(a) {
		tokens[tok] = struct{}{}
	}
	shared := 0
	for _, tok := range strings.Fields(b) {
		if _, ok := tokens[tok]; ok {
			shared++
			if shared >= 2 {
				return true
			}
		}
	}
	return false
}

// datesClose reports whether the receipt date is within drift of the
// transaction timestamp. A receipt without a date cannot contradict
// the transaction, so it counts as close.
func datesClose(receipt *domain.Receipt, tx *domain.Transaction) bool {
	if !receipt.HasDate() || tx.Timestamp.IsZero() {
		return true
	}
	drift := receipt.Date.Sub(tx.Timestamp)
	if drift < 0 {
		drift = -drift
	}
	return drift <= maxDateDriftDays*24*time.Hour
}

func describeVerdict(v *domain.MatchVerdict) string {
	if v.IsMatch {
		parts := []string{"amount within tolerance"}
		if v.MerchantMatch {
			parts = append(parts, "merchant similar")
		}
		if v.DateMatch {
			parts = append(parts, "date within range")
		}
		return strings.Join(parts, ", ")
	}
	if !v.AmountMatch {
		return fmt.Sprintf("amount differs by %.2f", v.AmountDiff)
	}
	return "amount agrees but neither merchant nor date corroborates"
}
