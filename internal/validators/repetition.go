package validators

import "strings"

// RepetitionBudget caps occurrences of one connective/comparison word per
// 1000 words of text.
type RepetitionBudget struct {
	Word       string `json:"word" yaml:"word"`
	MaxPer1000 int    `json:"max_per_1000" yaml:"max_per_1000"`
}

// RepetitionViolation flags a word whose observed rate exceeds its budget.
type RepetitionViolation struct {
	Word       string  `json:"word"`
	Count      int     `json:"count"`
	RatePer1000 float64 `json:"rate_per_1000"`
	MaxPer1000 int     `json:"max_per_1000"`
}

// DetectRepetition counts occurrences of every budgeted word and flags those
// exceeding their per-1000-word cap.
func DetectRepetition(text string, budgets []RepetitionBudget) []RepetitionViolation {
	words := strings.Fields(text)
	total := len(words)
	if total == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, w := range words {
		counts[normalizeWord(w)]++
	}

	var violations []RepetitionViolation
	for _, b := range budgets {
		count := counts[strings.ToLower(b.Word)]
		if count == 0 {
			continue
		}
		rate := float64(count) / float64(total) * 1000
		if rate > float64(b.MaxPer1000) {
			violations = append(violations, RepetitionViolation{
				Word: b.Word, Count: count, RatePer1000: rate, MaxPer1000: b.MaxPer1000,
			})
		}
	}
	return violations
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.Trim(w, ".,;:!?\"'()[]{}"))
}
