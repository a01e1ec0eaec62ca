package validators

import "strings"

// mojibakeTable is a fixed substitution table for common UTF-8-as-Latin-1
// mis-decoding artefacts, applied by stage 10's encoding cleanup. Entries
// sharing a prefix are ordered longest-first; the bare two-rune prefix is
// last so it never consumes a longer sequence's bytes.
var mojibakeTable = []struct{ bad, good string }{
	{"â€™", "'"},
	{"â€œ", "\""},
	{"â€“", "-"},
	{"â€”", "--"},
	{"â€", "\""},
	{"ï»¿", ""},
	{"Ã©", "e"},
	{"â€", "\""},
}

// CleanEncoding applies the fixed mojibake substitution table plus
// whitespace/BOM normalisation. Idempotent: applying it twice yields the
// same result as applying it once.
func CleanEncoding(text string) string {
	// Strip a real BOM first.
	text = strings.TrimPrefix(text, "\uFEFF")

	for _, sub := range mojibakeTable {
		text = strings.ReplaceAll(text, sub.bad, sub.good)
	}

	// Normalise whitespace: collapse runs of spaces/tabs, trim trailing
	// whitespace per line, collapse runs of blank lines to exactly one.
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.ReplaceAll(line, "\t", " ")
		for strings.Contains(line, "  ") {
			line = strings.ReplaceAll(line, "  ", " ")
		}
		lines[i] = strings.TrimRight(line, " ")
	}
	cleaned := strings.Join(lines, "\n")
	for strings.Contains(cleaned, "\n\n\n") {
		cleaned = strings.ReplaceAll(cleaned, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(cleaned)
}
