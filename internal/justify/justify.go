// Package justify turns a zero-shot ranking into the analyst-facing paragraph.
package justify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Facts are the inputs to the paragraph.
type Facts struct {
	Query          string
	TopThreat      string
	TopThreatScore float64 // percent, already rounded to two places
	ThreatScore    float64 // percent, unrounded; the thresholds below apply to it
}

const maskSentence = "The masked region shows a high-contrast, bounded area that stands out from surrounding terrain, indicating intentional highlighting."

type objectRule struct {
	keywords []string
	sentence string
}

// objectRules are checked in order against the top threat prompt.
var objectRules = []objectRule{
	{
		keywords: []string{"tank", "vehicle"},
		sentence: "Armored vehicles have distinct rectangular shapes, tracks, and thermal signatures in satellite imagery. The mask precisely isolates these features.",
	},
	{
		keywords: []string{"weapon", "gun"},
		sentence: "Weapons appear as small, high-reflectivity objects. The mask bounds a compact anomaly consistent with metallic equipment.",
	},
	{
		keywords: []string{"drone"},
		sentence: "Drones are small, fast-moving objects with minimal heat signature. The mask captures a compact, isolated region typical of UAV presence.",
	},
	{
		keywords: []string{"fire", "smoke"},
		sentence: "Fire and smoke produce irregular, diffuse thermal plumes. The mask outlines a non-linear, high-intensity heat source.",
	},
	{
		keywords: []string{"soldier", "intruder"},
		sentence: "Personnel appear as small, clustered heat signatures. The mask isolates multiple point sources suggesting human activity.",
	},
}

const defaultObjectSentence = "The object has a structured, non-natural appearance, distinct from terrain, vegetation, or shadows."

// Build assembles the justification paragraph.
func Build(f Facts) string {
	parts := make([]string, 0, 6)

	if f.Query != "" {
		parts = append(parts, fmt.Sprintf("User query: \"%s\"", f.Query))
	}
	parts = append(parts, maskSentence)
	parts = append(parts, fmt.Sprintf("CLIP model identifies this region as \"%s\" with %s%% confidence.", f.TopThreat, formatScore(f.TopThreatScore)))
	parts = append(parts, ObjectSentence(f.TopThreat))
	parts = append(parts, LevelSentence(f.ThreatScore))
	parts = append(parts, Recommendation(f.ThreatScore))

	return strings.Join(parts, " ")
}

// ObjectSentence explains why the matched object looks the way it does.
func ObjectSentence(topThreat string) string {
	for _, r := range objectRules {
		for _, k := range r.keywords {
			if strings.Contains(topThreat, k) {
				return r.sentence
			}
		}
	}
	return defaultObjectSentence
}

// LevelSentence grades the confidence of the match.
func LevelSentence(threatScore float64) string {
	switch {
	case threatScore > 80:
		return "Threat score exceeds 80% — this is a high-confidence match to known threat patterns."
	case threatScore > 50:
		return fmt.Sprintf("Threat score is %s%% — moderate confidence. Further verification recommended.", oneDecimal(threatScore))
	default:
		return fmt.Sprintf("Threat score is %s%% — low confidence. Likely benign or misidentified.", oneDecimal(threatScore))
	}
}

// Recommendation is the suggested operator action.
func Recommendation(threatScore float64) string {
	switch {
	case threatScore > 70:
		return "Recommendation: Immediate dispatch of reconnaissance assets or alert command center."
	case threatScore > 40:
		return "Recommendation: Monitor area for movement or changes over next 6 hours."
	default:
		return "Recommendation: No immediate action required. Log for routine review."
	}
}

// formatScore prints the shortest decimal form, always with a fractional part.
func formatScore(v float64) string {
	s := decimal.NewFromFloat(v).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// oneDecimal rounds the exact binary value, ties to even: 60.05 is stored
// just below the tie and prints as 60.0.
func oneDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
