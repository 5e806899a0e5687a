package anomaly

import (
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Stats holds the derived statistics of a history window. Built once
// per evaluation and shared by all checks.
type Stats struct {
	// Amount statistics over the window (population mean/stddev).
	Mean   float64
	StdDev float64

	// Lowercased merchant names observed in the window.
	Merchants map[string]struct{}

	// Category occurrence counts and the total number of categorized
	// transactions.
	CategoryCounts map[string]int
	CategoryTotal  int

	// Size is the number of transactions in the window.
	Size int
}

// BuildStats derives the comparison statistics from a history window.
func BuildStats(window []*domain.Transaction) *Stats {
	s := &Stats{
		Merchants:      make(map[string]struct{}),
		CategoryCounts: make(map[string]int),
		Size:           len(window),
	}

	var sum float64
	var amounts []float64
	for _, tx := range window {
		amounts = append(amounts, tx.Amount)
		sum += tx.Amount

		if tx.Merchant != "" {
			s.Merchants[strings.ToLower(tx.Merchant)] = struct{}{}
		}
		if tx.Category != "" {
			s.CategoryCounts[tx.Category]++
			s.CategoryTotal++
		}
	}

	if len(amounts) == 0 {
		return s
	}

	s.Mean = sum / float64(len(amounts))

	var sqDiff float64
	for _, a := range amounts {
		d := a - s.Mean
		sqDiff += d * d
	}
	s.StdDev = math.Sqrt(sqDiff / float64(len(amounts)))

	return s
}

// ZScore returns the standard score of amount against the window, and
// whether it is defined (stddev > 0).
func (s *Stats) ZScore(amount float64) (float64, bool) {
	if s.StdDev == 0 {
		return 0, false
	}
	return (amount - s.Mean) / s.StdDev, true
}

// MerchantSeen reports whether the merchant occurs in the window,
// case-insensitively.
func (s *Stats) MerchantSeen(merchant string) bool {
	_, ok := s.Merchants[strings.ToLower(merchant)]
	return ok
}

// CategoryFrequency returns the share of window transactions carrying
// the category. Zero when the window has no categorized transactions.
func (s *Stats) CategoryFrequency(category string) float64 {
	if s.CategoryTotal == 0 {
		return 0
	}
	return float64(s.CategoryCounts[category]) / float64(s.CategoryTotal)
}
