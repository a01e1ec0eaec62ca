package validators

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScoreDimensionClampsAtZero(t *testing.T) {
	issues := []CoherenceIssue{
		{Severity: SeverityCritical}, {Severity: SeverityCritical},
		{Severity: SeverityCritical}, {Severity: SeverityCritical},
		{Severity: SeverityCritical}, {Severity: SeverityCritical}, {Severity: SeverityCritical},
	}
	require.Equal(t, 0.0, ScoreDimension(issues))
}

func TestBuildReportComposite(t *testing.T) {
	report := BuildReport(
		[]CoherenceIssue{{Severity: SeverityMinor}},
		nil, nil, nil,
		DefaultMinCoherence,
	)
	require.InDelta(t, (0.97+1+1+1)/4.0, report.Composite, 1e-9)
	require.False(t, Passes(report.Composite, 1.0))
	require.True(t, Passes(report.Composite, DefaultMinCoherence))
}

func TestDetectClichesNeverUse(t *testing.T) {
	violations := DetectCliches("her heart beat like a drum in the silent room", []BannedPhrase{
		{Phrase: "heart beat like a drum", Policy: PolicyNeverUse},
	})
	require.Len(t, violations, 1)
}

func TestDetectClichesAtMostKPerN(t *testing.T) {
	text := "it was and then it was and then again and then"
	violations := DetectCliches(text, []BannedPhrase{
		{Phrase: "and then", Policy: PolicyAtMostKPerNWords, MaxK: 1, N: 1000},
	})
	require.Len(t, violations, 1)
}

func TestDetectRepetitionFlagsOverBudget(t *testing.T) {
	text := "like like like a river flowing like water like fire"
	violations := DetectRepetition(text, []RepetitionBudget{{Word: "like", MaxPer1000: 1}})
	require.Len(t, violations, 1)
	require.Equal(t, 5, violations[0].Count)
}

func TestCleanEncodingIdempotent(t *testing.T) {
	dirty := "Hello â€™world\t\t  \n\n\n\nBye  "
	once := CleanEncoding(dirty)
	twice := CleanEncoding(once)
	require.Equal(t, once, twice)
}

func TestCutDetectedFlagsTruncation(t *testing.T) {
	require.True(t, CutDetected(100, "this sentence just stops in the mid"))
	require.True(t, CutDetected(100, "a short complete sentence."))
	require.False(t, CutDetected(10, "this is a complete sentence with enough words to pass the ratio check easily."))
}
