// Package evaluation grades a sealed session against its case rubric.
//
// Grade is a pure function of the session log and rubric version: no clock,
// randomness or map iteration order influences the report, and the report
// carries a SHA-256 digest of its canonical JSON body.
package evaluation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/session"
	"github.com/okian/patientsim/internal/domain/types"
)

// Sentinel errors.
var (
	ErrSessionNotSealed = errors.New("session is not sealed")
	ErrSessionAborted   = errors.New("aborted sessions are not graded")
	ErrCaseMismatch     = errors.New("session does not belong to case")
)

// Report flags.
const (
	FlagDegradedCoverage = "risk_rules_degraded"
	FlagCritical         = "critical_risk_raised"
	FlagEmpty            = "no_turns_recorded"
)

// DomainScore is the result of one rubric domain.
type DomainScore struct {
	Name      string  `json:"name"`
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Max       float64 `json:"max"`
	Rationale string  `json:"rationale"`
}

// Report is the immutable evaluation of one session.
type Report struct {
	SessionID     string              `json:"session_id"`
	CaseID        string              `json:"case_id"`
	CaseVersion   string              `json:"case_version"`
	RubricVersion string              `json:"rubric_version"`
	Turns         int                 `json:"turns"`
	FinalState    string              `json:"final_state"`
	Domains       []DomainScore       `json:"domains"`
	Overall       float64             `json:"overall"`
	OverallMax    float64             `json:"overall_max"`
	RiskEvents    []session.RiskEvent `json:"risk_events"`
	Degradations  []session.RiskEvent `json:"degradations"`
	Flags         []string            `json:"flags"`
	Digest        string              `json:"digest"`
}

// Percent returns the overall score as a percentage of the maximum.
func (r Report) Percent() float64 {
	if r.OverallMax == 0 {
		return 0
	}
	return r.Overall / r.OverallMax * 100
}

// Grade scores s against c's rubric.
func Grade(s *session.Session, c *casedef.Case) (Report, error) {
	switch s.Status {
	case types.StatusEnded:
	case types.StatusAborted:
		return Report{}, fmt.Errorf("%w: %s", ErrSessionAborted, s.ID)
	default:
		return Report{}, fmt.Errorf("%w: %s is %s", ErrSessionNotSealed, s.ID, s.Status)
	}
	if s.CaseID != c.ID || s.CaseVersion != c.Version {
		return Report{}, fmt.Errorf("%w: session %s is %s@%s, case is %s@%s",
			ErrCaseMismatch, s.ID, s.CaseID, s.CaseVersion, c.ID, c.Version)
	}

	rep := Report{
		SessionID:     s.ID,
		CaseID:        c.ID,
		CaseVersion:   c.Version,
		RubricVersion: c.Rubric.Version,
		Turns:         len(s.Turns),
		FinalState:    s.CurrentState,
		Domains:       make([]DomainScore, 0, len(c.Rubric.Domains)),
		RiskEvents:    []session.RiskEvent{},
		Degradations:  []session.RiskEvent{},
		Flags:         []string{},
	}
	h := newHistory(s)
	for _, d := range c.Rubric.Domains {
		ds := scoreDomain(d, h)
		rep.Domains = append(rep.Domains, ds)
		rep.Overall += ds.Score
		rep.OverallMax += ds.Max
	}
	rep.Overall = round(rep.Overall)
	rep.OverallMax = round(rep.OverallMax)

	critical := false
	for _, e := range s.RiskEvents {
		switch {
		case e.Degraded:
			rep.Degradations = append(rep.Degradations, e)
		case e.Severity >= types.SeverityWatch:
			rep.RiskEvents = append(rep.RiskEvents, e)
			critical = critical || e.Severity == types.SeverityCritical
		}
	}
	if len(s.Turns) == 0 {
		rep.Flags = append(rep.Flags, FlagEmpty)
	}
	if critical {
		rep.Flags = append(rep.Flags, FlagCritical)
	}
	if len(rep.Degradations) > 0 {
		rep.Flags = append(rep.Flags, FlagDegradedCoverage)
	}

	digest, err := Digest(rep)
	if err != nil {
		return Report{}, err
	}
	rep.Digest = digest
	return rep, nil
}

// Digest hashes the canonical JSON of r with the digest field cleared.
func Digest(r Report) (string, error) {
	r.Digest = ""
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest of a stored report.
func Verify(r Report) bool {
	d, err := Digest(r)
	return err == nil && d == r.Digest
}

func round(v float64) float64 { return math.Round(v*100) / 100 }

// history is the per-turn view the criteria read.
type history struct {
	turns   []session.Turn
	initial string
	rapport float64
}

func newHistory(s *session.Session) history {
	initial := s.CurrentState
	if len(s.Turns) > 0 {
		initial = s.Turns[0].StateBefore
	}
	return history{turns: s.Turns, initial: initial, rapport: s.Rapport}
}

// turnsWith returns indexes of turns whose trainee utterance carried any intent.
func (h history) turnsWith(intents []string) []int {
	want := set(intents)
	var out []int
	for _, t := range h.turns {
		for _, d := range t.Intents {
			if want[d.Name] {
				out = append(out, t.Index)
				break
			}
		}
	}
	return out
}

// firstQualifying returns the first turn that raised a qualifying risk event
// or entered one of the states, or -1.
func (h history) firstQualifying(minSev types.Severity, states []string) int {
	target := set(states)
	for _, t := range h.turns {
		if len(states) > 0 && target[t.StateAfter] && t.StateBefore != t.StateAfter {
			return t.Index
		}
		if minSev > types.SeverityNone {
			for _, e := range t.RiskEvents {
				if !e.Degraded && e.Severity >= minSev {
					return t.Index
				}
			}
		}
	}
	return -1
}

func scoreDomain(d casedef.Domain, h history) DomainScore {
	cr := d.Criterion
	ds := DomainScore{Name: d.Name, Criterion: cr.Kind, Max: d.Max}
	var ratio float64

	switch cr.Kind {
	case casedef.CriterionProbeBeforeRisk:
		probes := h.turnsWith(cr.Intents)
		event := h.firstQualifying(cr.Severity, cr.States)
		switch {
		case event >= 0 && len(probes) > 0 && probes[0] < event:
			ratio = 1
			ds.Rationale = fmt.Sprintf("probe at turn %d preceded the qualifying event at turn %d", probes[0], event)
		case event >= 0 && len(probes) > 0 && probes[0] == event:
			// a probe in the utterance that raised the event came too late
			ratio = 0.5
			ds.Rationale = fmt.Sprintf("probe first at turn %d, together with the qualifying event", event)
		case event >= 0 && len(probes) > 0:
			ratio = 0.5
			ds.Rationale = fmt.Sprintf("probe first at turn %d, only after the qualifying event at turn %d", probes[0], event)
		case event >= 0:
			ds.Rationale = fmt.Sprintf("no probe before or after the qualifying event at turn %d", event)
		case len(probes) > 0:
			ratio = 1
			ds.Rationale = fmt.Sprintf("probed at turn %d; no qualifying event occurred", probes[0])
		default:
			ds.Rationale = "no probe and no qualifying event"
		}

	case casedef.CriterionIntentCoverage:
		covered := 0
		var missing []string
		for _, in := range cr.Intents {
			if len(h.turnsWith([]string{in})) > 0 {
				covered++
			} else {
				missing = append(missing, in)
			}
		}
		ratio = float64(covered) / float64(len(cr.Intents))
		ds.Rationale = fmt.Sprintf("%d of %d techniques used", covered, len(cr.Intents))
		if len(missing) > 0 {
			ds.Rationale += fmt.Sprintf("; missing %v", missing)
		}

	case casedef.CriterionIntentFrequency:
		n := len(h.turnsWith(cr.Intents))
		ratio = math.Min(float64(n)/cr.Target, 1)
		ds.Rationale = fmt.Sprintf("%d turns used %v (target %.0f)", n, cr.Intents, cr.Target)

	case casedef.CriterionAvoidIntents:
		n := len(h.turnsWith(cr.Intents))
		limit := cr.Target
		if limit < 1 {
			limit = 1
		}
		ratio = math.Max(0, 1-float64(n)/limit)
		ds.Rationale = fmt.Sprintf("%d turns used discouraged techniques %v", n, cr.Intents)

	case casedef.CriterionStateReached:
		target := set(cr.States)
		reached := ""
		if target[h.initial] {
			reached = h.initial
		}
		for _, t := range h.turns {
			if reached == "" && target[t.StateAfter] {
				reached = t.StateAfter
			}
		}
		if reached != "" {
			ratio = 1
			ds.Rationale = "reached " + reached
		} else {
			ds.Rationale = fmt.Sprintf("none of %v reached", cr.States)
		}

	case casedef.CriterionFinalRapport:
		ratio = math.Max(0, math.Min(h.rapport/cr.Target, 1))
		ds.Rationale = fmt.Sprintf("final rapport %.2f against target %.2f", h.rapport, cr.Target)

	default:
		ds.Rationale = "unsupported criterion"
	}

	ds.Score = round(d.Max * ratio)
	return ds
}

func set(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}
