package classify

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// keywordRule maps a substring to a category. Rules are scanned in
// order so classification stays deterministic when several match.
type keywordRule struct {
	keyword  string
	category string
}

// KeywordClassifier is the offline fallback: it scans the description
// and merchant for category keywords. Confidence stays modest so every
// fallback result lands in review when the threshold is at its default.
type KeywordClassifier struct {
	rules []keywordRule
}

// NewKeywordClassifier builds the fallback with its static keyword list.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{rules: []keywordRule{
		{"flight", "travel"},
		{"airline", "travel"},
		{"hotel", "travel"},
		{"airbnb", "travel"},
		{"uber", "travel"},
		{"lyft", "travel"},
		{"restaurant", "meals"},
		{"cafe", "meals"},
		{"coffee", "meals"},
		{"lunch", "meals"},
		{"dinner", "meals"},
		{"catering", "meals"},
		{"subscription", "subscription"},
		{"netflix", "subscription"},
		{"spotify", "subscription"},
		{"saas", "subscription"},
		{"staples", "office_supplies"},
		{"stationery", "office_supplies"},
		{"supplies", "office_supplies"},
		{"software", "software"},
		{"license", "software"},
		{"github", "software"},
		{"adobe", "software"},
		{"electric", "utilities"},
		{"water", "utilities"},
		{"internet", "utilities"},
		{"phone", "utilities"},
		{"advertising", "marketing"},
		{"marketing", "marketing"},
		{"campaign", "marketing"},
		{"consulting", "professional_services"},
		{"legal", "professional_services"},
		{"accounting", "professional_services"},
		{"laptop", "equipment"},
		{"monitor", "equipment"},
		{"printer", "equipment"},
		{"rent", "rent"},
		{"lease", "rent"},
		{"insurance", "insurance"},
		{"training", "training"},
		{"course", "training"},
		{"conference", "training"},
		{"workshop", "training"},
		{"cinema", "entertainment"},
		{"concert", "entertainment"},
		{"tickets", "entertainment"},
		{"parking", "transportation"},
		{"fuel", "transportation"},
		{"toll", "transportation"},
		{"transit", "transportation"},
		{"taxi", "transportation"},
	}}
}

func (k *KeywordClassifier) classify(in *domain.ClassifyInput) *domain.Classification {
	haystack := strings.ToLower(in.Description + " " + in.Merchant)

	for _, rule := range k.rules {
		if strings.Contains(haystack, rule.keyword) {
			return &domain.Classification{
				Category:   rule.category,
				Confidence: fallbackConfidenceCap,
				Reasoning:  fmt.Sprintf("keyword %q", rule.keyword),
			}
		}
	}

	return &domain.Classification{
		Category:   domain.CategoryOther,
		Confidence: 0.3,
		Reasoning:  "no category keywords matched",
	}
}
