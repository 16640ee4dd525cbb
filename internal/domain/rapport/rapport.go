// Package rapport tracks the trust and openness the patient feels toward the
// trainee and renders them as descriptor bands for the context window.
package rapport

import (
	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/intent"
)

// Bounds of both scales.
const (
	Min = 0.0
	Max = 10.0

	maxDelta = 1.0
)

// Trait names that modulate how strongly technique use moves rapport.
const (
	TraitTrust         = "trust_level"
	TraitDefensiveness = "defensiveness"
	traitNeutral       = 5.0
)

// Level is the pair of scales carried by a session.
type Level struct {
	Rapport  float64 `json:"rapport"`
	Openness float64 `json:"openness"`
}

// Initial returns the starting level of a case.
func Initial(c *casedef.Case) Level {
	return Level{Rapport: clamp(c.InitialRapport(), Min, Max), Openness: clamp(c.InitialOpenness(), Min, Max)}
}

// Delta computes the rapport change for one trainee utterance:
// weighted technique impact scaled by (10-defensiveness)/10 and trust/10, capped to [-1,1].
func Delta(p casedef.Persona, detections []intent.Detection) float64 {
	impact := 0.0
	for _, d := range detections {
		impact += d.Weight * d.Score
	}
	defensiveness := (Max - p.Trait(TraitDefensiveness, traitNeutral)) / Max
	trust := p.Trait(TraitTrust, traitNeutral) / Max
	return clamp(impact*defensiveness*trust, -maxDelta, maxDelta)
}

// Apply moves rapport by delta and openness by half of it, clamping both.
func (l Level) Apply(delta float64) Level {
	return Level{
		Rapport:  clamp(l.Rapport+delta, Min, Max),
		Openness: clamp(l.Openness+delta/2, Min, Max),
	}
}

// RapportBand describes the trust level in words.
func RapportBand(v float64) string {
	switch {
	case v >= 8:
		return "Strong trust and connection with the interviewer"
	case v >= 6:
		return "Growing trust, becoming more comfortable"
	case v >= 4:
		return "Neutral, cautiously engaging"
	case v >= 2:
		return "Guarded, some mistrust"
	default:
		return "Very guarded, resistant, or hostile"
	}
}

// OpennessBand describes willingness to share in words.
func OpennessBand(v float64) string {
	switch {
	case v >= 8:
		return "Very open, sharing freely and deeply"
	case v >= 6:
		return "Becoming more open, willing to share"
	case v >= 4:
		return "Somewhat open, sharing surface-level information"
	case v >= 2:
		return "Guarded, minimal sharing"
	default:
		return "Very closed off, resistant to sharing"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
