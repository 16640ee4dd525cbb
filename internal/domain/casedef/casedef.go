// Package casedef defines the immutable case definition: persona, hidden
// state graph, grounding corpus, classifiers, risk rules and rubric.
//
// A Case is loaded once, validated, and then shared read-only across all
// sessions. Nothing in this package mutates a Case after Validate.
package casedef

import (
	"github.com/okian/patientsim/internal/domain/types"
)

// GlobalTag marks a grounding fact as relevant in every state.
const GlobalTag = "*"

// Classifier sides.
const (
	SideTrainee = "trainee"
	SidePatient = "patient"
)

// Risk rule kinds.
const (
	KindPattern    = "pattern"
	KindClassifier = "classifier"
	KindComposite  = "composite"
)

// Rubric criterion kinds.
const (
	CriterionProbeBeforeRisk = "probe_before_risk"
	CriterionIntentCoverage  = "intent_coverage"
	CriterionIntentFrequency = "intent_frequency"
	CriterionAvoidIntents    = "avoid_intents"
	CriterionStateReached    = "state_reached"
	CriterionFinalRapport    = "final_rapport"
)

// Case is one scenario blueprint.
type Case struct {
	ID           string       `yaml:"id" json:"id"`
	Version      string       `yaml:"version" json:"version"`
	Title        string       `yaml:"title" json:"title"`
	Persona      Persona      `yaml:"persona" json:"persona"`
	InitialState string       `yaml:"initial_state" json:"initial_state"`
	States       []State      `yaml:"states" json:"states"`
	Grounding    []Fact       `yaml:"grounding" json:"grounding"`
	Classifiers  []Classifier `yaml:"classifiers" json:"classifiers"`
	RiskRules    []RiskRule   `yaml:"risk_rules" json:"risk_rules"`
	Rubric       Rubric       `yaml:"rubric" json:"rubric"`
}

// Persona describes who the simulated patient is.
type Persona struct {
	Name           string             `yaml:"name" json:"name"`
	Age            int                `yaml:"age" json:"age"`
	Gender         string             `yaml:"gender" json:"gender"`
	Diagnosis      string             `yaml:"diagnosis" json:"diagnosis"`
	Background     string             `yaml:"background" json:"background"`
	SessionContext string             `yaml:"session_context" json:"session_context"`
	Traits         map[string]float64 `yaml:"traits" json:"traits"`
	// InitialRapport and InitialOpenness default to 5 and 3 when nil.
	InitialRapport  *float64 `yaml:"initial_rapport,omitempty" json:"initial_rapport,omitempty"`
	InitialOpenness *float64 `yaml:"initial_openness,omitempty" json:"initial_openness,omitempty"`
}

// Trait returns a persona trait or def when it is not declared.
func (p Persona) Trait(name string, def float64) float64 {
	if v, ok := p.Traits[name]; ok {
		return v
	}
	return def
}

// State is one node of the hidden state graph.
type State struct {
	ID          string       `yaml:"id" json:"id"`
	Description string       `yaml:"description" json:"description"`
	Payload     []string     `yaml:"payload" json:"payload"`
	Terminal    bool         `yaml:"terminal,omitempty" json:"terminal,omitempty"`
	Hold        bool         `yaml:"hold,omitempty" json:"hold,omitempty"`
	Transitions []Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// Transition is a typed outgoing edge.
type Transition struct {
	To                 string         `yaml:"to" json:"to"`
	Priority           int            `yaml:"priority" json:"priority"`
	When               Trigger        `yaml:"when" json:"when"`
	RiskEscalation     bool           `yaml:"risk_escalation,omitempty" json:"risk_escalation,omitempty"`
	EscalationSeverity types.Severity `yaml:"escalation_severity,omitempty" json:"escalation_severity,omitempty"`
}

// Trigger is the conjunction of its non-empty clauses.
type Trigger struct {
	AnyIntent   []string       `yaml:"any_intent,omitempty" json:"any_intent,omitempty"`
	AllIntents  []string       `yaml:"all_intents,omitempty" json:"all_intents,omitempty"`
	AnyLabel    []string       `yaml:"any_label,omitempty" json:"any_label,omitempty"`
	AnyRisk     []string       `yaml:"any_risk,omitempty" json:"any_risk,omitempty"`
	MinSeverity types.Severity `yaml:"min_severity,omitempty" json:"min_severity,omitempty"`
	MinRapport  *float64       `yaml:"min_rapport,omitempty" json:"min_rapport,omitempty"`
	Always      bool           `yaml:"always,omitempty" json:"always,omitempty"`
}

// Empty reports whether the trigger has no clause at all.
func (t Trigger) Empty() bool {
	return len(t.AnyIntent) == 0 && len(t.AllIntents) == 0 && len(t.AnyLabel) == 0 &&
		len(t.AnyRisk) == 0 && t.MinSeverity == types.SeverityNone && t.MinRapport == nil && !t.Always
}

// Fact is one grounding document, tagged with the states it belongs to.
type Fact struct {
	ID     string   `yaml:"id" json:"id"`
	Text   string   `yaml:"text" json:"text"`
	States []string `yaml:"states" json:"states"`
}

// Global reports whether the fact is tagged for every state.
func (f Fact) Global() bool {
	for _, s := range f.States {
		if s == GlobalTag {
			return true
		}
	}
	return false
}

// TaggedFor reports whether the fact carries the given state tag.
func (f Fact) TaggedFor(state string) bool {
	for _, s := range f.States {
		if s == state {
			return true
		}
	}
	return false
}

// Classifier is a keyword technique detector.
type Classifier struct {
	Name          string   `yaml:"name" json:"name"`
	AppliesTo     string   `yaml:"applies_to" json:"applies_to"`
	Keywords      []string `yaml:"keywords" json:"keywords"`
	RapportWeight float64  `yaml:"rapport_weight,omitempty" json:"rapport_weight,omitempty"`
}

// RiskRule is a tagged variant; Kind selects which fields apply.
type RiskRule struct {
	Name     string         `yaml:"name" json:"name"`
	Kind     string         `yaml:"kind" json:"kind"`
	Severity types.Severity `yaml:"severity" json:"severity"`
	// Sources limits the rule; empty means trainee input and model output.
	Sources []types.Source `yaml:"sources,omitempty" json:"sources,omitempty"`

	// pattern
	Pattern       string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	CaseSensitive bool   `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`

	// classifier
	Classifier string  `yaml:"classifier,omitempty" json:"classifier,omitempty"`
	Threshold  float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// composite
	AllOf []string `yaml:"all_of,omitempty" json:"all_of,omitempty"`
	AnyOf []string `yaml:"any_of,omitempty" json:"any_of,omitempty"`
}

// Rubric is the versioned grading scheme of a case.
type Rubric struct {
	Version string   `yaml:"version" json:"version"`
	Domains []Domain `yaml:"domains" json:"domains"`
}

// Domain is one scored rubric area.
type Domain struct {
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Max         float64   `yaml:"max" json:"max"`
	Criterion   Criterion `yaml:"criterion" json:"criterion"`
}

// Criterion parameterises a scoring kind.
type Criterion struct {
	Kind     string         `yaml:"kind" json:"kind"`
	Intents  []string       `yaml:"intents,omitempty" json:"intents,omitempty"`
	Severity types.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
	States   []string       `yaml:"states,omitempty" json:"states,omitempty"`
	// Target is a count for intent_frequency/avoid_intents and a rapport level for final_rapport.
	Target float64 `yaml:"target,omitempty" json:"target,omitempty"`
}

// State looks up a state by id.
func (c *Case) State(id string) (State, bool) {
	for _, s := range c.States {
		if s.ID == id {
			return s, true
		}
	}
	return State{}, false
}

// InitialRapport returns the starting rapport for sessions of this case.
func (c *Case) InitialRapport() float64 {
	if c.Persona.InitialRapport != nil {
		return *c.Persona.InitialRapport
	}
	return DefaultRapport
}

// InitialOpenness returns the starting openness for sessions of this case.
func (c *Case) InitialOpenness() float64 {
	if c.Persona.InitialOpenness != nil {
		return *c.Persona.InitialOpenness
	}
	return DefaultOpenness
}

// Summary is the public view of the case.
func (c *Case) Summary() types.CaseSummary {
	return types.CaseSummary{
		ID:          c.ID,
		Version:     c.Version,
		Title:       c.Title,
		PatientName: c.Persona.Name,
		Diagnosis:   c.Persona.Diagnosis,
	}
}

// Starting rapport and openness when a persona does not set them.
const (
	DefaultRapport  = 5.0
	DefaultOpenness = 3.0
)
