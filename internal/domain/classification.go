package domain

// CategoryOther is the catch-all category for anything the
// classification service cannot place.
const CategoryOther = "other"

// Categories is the fixed set of expense categories the classification
// service may return. Anything outside this set degrades to "other".
var Categories = []string{
	"travel",
	"meals",
	"subscription",
	"office_supplies",
	"software",
	"utilities",
	"marketing",
	"professional_services",
	"equipment",
	"rent",
	"insurance",
	"training",
	"entertainment",
	"transportation",
	"other",
}

// ValidCategory reports whether c is a member of the fixed category set.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ClassifyInput is the request contract of the classification service.
type ClassifyInput struct {
	Description      string   `json:"description"`
	Merchant         string   `json:"merchant"`
	Amount           float64  `json:"amount"`
	RecentCategories []string `json:"recentCategories,omitempty"`
}

// Classification is the category label returned by the (external)
// classification service.
type Classification struct {
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory,omitempty"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning,omitempty"`

	// NeedsReview is set when the confidence falls below the configured
	// threshold; it feeds the risk fusion pre-score.
	NeedsReview bool `json:"needsReview"`
}

// RiskAssessment is the output of the optional reasoning service used
// by risk fusion. Adjustment is added to the local pre-score before the
// final clamp.
type RiskAssessment struct {
	Severity       Severity `json:"severity"`
	Recommendation string   `json:"recommendation"`
	Actions        []Action `json:"actions"`
	Adjustment     float64  `json:"adjustment,omitempty"`
}
