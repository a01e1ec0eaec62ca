package validators

import (
	"regexp"
	"strings"
)

// ClichePolicy is the per-phrase enforcement mode.
type ClichePolicy string

const (
	PolicyNeverUse       ClichePolicy = "never_use"
	PolicyAtMostKPerNWords ClichePolicy = "at_most_k_per_n_words"
)

// BannedPhrase is one configured cliché/metaphor-pattern rule.
type BannedPhrase struct {
	Phrase  string       `json:"phrase" yaml:"phrase"`
	Pattern string       `json:"pattern,omitempty" yaml:"pattern,omitempty"` // regex, e.g. heart-beats-as-X comparisons
	Policy  ClichePolicy `json:"policy" yaml:"policy"`
	MaxK    int          `json:"max_k,omitempty" yaml:"max_k,omitempty"`
	N       int          `json:"n,omitempty" yaml:"n,omitempty"`
}

// ClicheViolation is one flagged occurrence (or over-budget count) of a
// banned phrase.
type ClicheViolation struct {
	Phrase string `json:"phrase"`
	Count  int    `json:"count"`
	Policy ClichePolicy `json:"policy"`
}

// DetectCliches scans text against the configured banned-phrase list and
// returns every violation. An empty slice means the text is clean.
func DetectCliches(text string, banned []BannedPhrase) []ClicheViolation {
	var violations []ClicheViolation
	wordCount := len(strings.Fields(text))
	lower := strings.ToLower(text)

	for _, bp := range banned {
		var count int
		if bp.Pattern != "" {
			re, err := regexp.Compile("(?i)" + bp.Pattern)
			if err != nil {
				continue
			}
			count = len(re.FindAllStringIndex(text, -1))
		} else if bp.Phrase != "" {
			count = strings.Count(lower, strings.ToLower(bp.Phrase))
		}
		if count == 0 {
			continue
		}

		switch bp.Policy {
		case PolicyAtMostKPerNWords:
			n := bp.N
			if n <= 0 {
				n = 1000
			}
			allowed := bp.MaxK * maxInt(1, wordCount/n)
			if count > allowed {
				violations = append(violations, ClicheViolation{Phrase: bp.Phrase, Count: count, Policy: bp.Policy})
			}
		default: // PolicyNeverUse
			violations = append(violations, ClicheViolation{Phrase: bp.Phrase, Count: count, Policy: PolicyNeverUse})
		}
	}
	return violations
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
