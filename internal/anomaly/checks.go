package anomaly

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Default weights of the builtin checks. The amount check dominates
// because statistical deviation is the strongest single signal.
const (
	WeightAmount   = 0.4
	WeightMerchant = 0.2
	WeightCategory = 0.2
	WeightTime     = 0.2
)

// minDistinctMerchants is the minimum number of distinct merchants a
// window must contain before merchant novelty is meaningful.
const minDistinctMerchants = 5

// Category frequency check gates: the category must appear in under
// rareCategoryShare of the window, and the window must hold more than
// minCategorySample categorized transactions.
const (
	rareCategoryShare  = 0.05
	minCategorySample  = 20
	businessHoursStart = 9
	businessHoursEnd   = 18
)

// Check inspects one dimension of a transaction against the window
// statistics and returns a finding.
type Check interface {
	Kind() domain.CheckKind
	Weight() float64
	Evaluate(tx *domain.Transaction, stats *Stats) domain.AnomalyFinding
}

// amountCheck flags amounts that deviate from the window mean by more
// than zThreshold standard deviations. When the window has zero
// variance the z-score is undefined and the check falls back to a
// relative deviation of more than half the mean.
type amountCheck struct {
	zThreshold float64
}

func (c *amountCheck) Kind() domain.CheckKind { return domain.CheckAmount }
func (c *amountCheck) Weight() float64        { return WeightAmount }

func (c *amountCheck) Evaluate(tx *domain.Transaction, stats *Stats) domain.AnomalyFinding {
	f := domain.AnomalyFinding{Kind: domain.CheckAmount, Weight: WeightAmount}

	if stats.Size == 0 {
		f.Reason = "insufficient history for amount comparison"
		return f
	}

	z, ok := stats.ZScore(tx.Amount)
	if !ok {
		diff := tx.Amount - stats.Mean
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.5*stats.Mean {
			f.Flagged = true
			f.Evidence = diff
			f.Reason = fmt.Sprintf("amount %.2f deviates from constant historical amount %.2f", tx.Amount, stats.Mean)
		}
		return f
	}

	f.Evidence = z
	if z > c.zThreshold || z < -c.zThreshold {
		f.Flagged = true
		direction := "above"
		if z < 0 {
			direction = "below"
		}
		f.Reason = fmt.Sprintf("amount %.2f is %.1f standard deviations %s the average %.2f", tx.Amount, abs(z), direction, stats.Mean)
	}
	return f
}

// merchantCheck flags merchants never seen in the window, but only
// once the window shows enough merchant diversity that novelty means
// something.
type merchantCheck struct{}

func (c *merchantCheck) Kind() domain.CheckKind { return domain.CheckMerchant }
func (c *merchantCheck) Weight() float64        { return WeightMerchant }

func (c *merchantCheck) Evaluate(tx *domain.Transaction, stats *Stats) domain.AnomalyFinding {
	f := domain.AnomalyFinding{Kind: domain.CheckMerchant, Weight: WeightMerchant}

	if tx.Merchant == "" {
		f.Reason = "no merchant on transaction"
		return f
	}
	distinct := len(stats.Merchants)
	f.Evidence = float64(distinct)
	if distinct <= minDistinctMerchants {
		return f
	}
	if !stats.MerchantSeen(tx.Merchant) {
		f.Flagged = true
		f.Reason = fmt.Sprintf("first transaction with merchant %q", tx.Merchant)
	}
	return f
}

// categoryCheck flags rarely used categories. Small windows are
// skipped so that a thin history does not flag every category.
type categoryCheck struct{}

func (c *categoryCheck) Kind() domain.CheckKind { return domain.CheckCategory }
func (c *categoryCheck) Weight() float64        { return WeightCategory }

func (c *categoryCheck) Evaluate(tx *domain.Transaction, stats *Stats) domain.AnomalyFinding {
	f := domain.AnomalyFinding{Kind: domain.CheckCategory, Weight: WeightCategory}

	if tx.Category == "" {
		f.Reason = "no category on transaction"
		return f
	}
	freq := stats.CategoryFrequency(tx.Category)
	f.Evidence = freq
	if stats.CategoryTotal > minCategorySample && freq < rareCategoryShare {
		f.Flagged = true
		f.Reason = fmt.Sprintf("category %q is rare for this user (%.1f%% of recent activity)", tx.Category, freq*100)
	}
	return f
}

// timeCheck flags transactions outside business hours in the
// timestamp's own location. A zero timestamp is treated as unknown
// rather than anomalous.
type timeCheck struct{}

func (c *timeCheck) Kind() domain.CheckKind { return domain.CheckTime }
func (c *timeCheck) Weight() float64        { return WeightTime }

func (c *timeCheck) Evaluate(tx *domain.Transaction, _ *Stats) domain.AnomalyFinding {
	f := domain.AnomalyFinding{Kind: domain.CheckTime, Weight: WeightTime}

	if tx.Timestamp.IsZero() {
		f.Reason = "no usable timestamp"
		return f
	}
	hour := tx.Timestamp.Hour()
	f.Evidence = float64(hour)
	if hour < businessHoursStart || hour > businessHoursEnd {
		f.Flagged = true
		f.Reason = fmt.Sprintf("transaction at %02d:00 is outside business hours", hour)
	}
	return f
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
