package memory

import (
	"fmt"
	"strings"

	"github.com/narraforge/core/internal/domain"
)

// summariseWorld and summariseCharacter build the bounded (<=maxWords)
// prompt-inclusion text the stage 6/8 retrieval policy requires: these
// agents receive summaries, never the full world-bible or prior prose.
func summariseWorld(w domain.World, maxWords int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "World (%s scale): %s. ", w.Scale, w.CoreConflict)
	if len(w.Rules) > 0 {
		fmt.Fprintf(&b, "Rules: %s. ", strings.Join(w.Rules, "; "))
	}
	if len(w.Anomalies) > 0 {
		fmt.Fprintf(&b, "Anomalies: %s. ", strings.Join(w.Anomalies, "; "))
	}
	if w.ExistentialTheme != "" {
		fmt.Fprintf(&b, "Theme: %s.", w.ExistentialTheme)
	}
	return boundWords(b.String(), maxWords)
}

func summariseCharacter(c domain.Character, maxWords int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s. ", c.Name, c.InternalTrajectory)
	if len(c.Contradictions) > 0 {
		fmt.Fprintf(&b, "Contradictions: %s. ", strings.Join(c.Contradictions, "; "))
	}
	if len(c.CognitiveLimits) > 0 {
		fmt.Fprintf(&b, "Cognitive limits: %s. ", strings.Join(c.CognitiveLimits, "; "))
	}
	fmt.Fprintf(&b, "Evolution capacity: %.2f.", c.EvolutionCapacity)
	return boundWords(b.String(), maxWords)
}

// boundWords truncates text to at most maxWords words, never mid-word.
func boundWords(text string, maxWords int) string {
	if maxWords <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ") + " ..."
}
