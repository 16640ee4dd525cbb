package casedef_test

import (
	"errors"
	"testing"

	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

func validCase() *casedef.Case {
	return &casedef.Case{
		ID:           "intake-test",
		Version:      "1",
		Title:        "Test",
		Persona:      casedef.Persona{Name: "Alex", Traits: map[string]float64{"trust_level": 5}},
		InitialState: "guarded",
		States: []casedef.State{
			{ID: "guarded", Hold: true, Transitions: []casedef.Transition{
				{To: "disclosing", When: casedef.Trigger{AnyIntent: []string{"safety_probe"}}},
			}},
			{ID: "disclosing", Hold: true, Transitions: []casedef.Transition{
				{To: "crisis", When: casedef.Trigger{AnyRisk: []string{"active-plan"}}, RiskEscalation: true},
			}},
			{ID: "crisis", Terminal: true},
		},
		Grounding: []casedef.Fact{
			{ID: "job", Text: "Lost job in March.", States: []string{"*"}},
			{ID: "plan", Text: "Has a stockpile of pills.", States: []string{"crisis"}},
		},
		Classifiers: []casedef.Classifier{
			{Name: "safety_probe", AppliesTo: casedef.SideTrainee, Keywords: []string{"safety", "safe"}},
			{Name: "tearful", AppliesTo: casedef.SidePatient, Keywords: []string{"*cries*"}},
		},
		RiskRules: []casedef.RiskRule{
			{Name: "active-plan", Kind: casedef.KindPattern, Severity: types.SeverityCritical, Pattern: `\bplan\b`},
			{Name: "hopeless", Kind: casedef.KindClassifier, Severity: types.SeverityWatch, Classifier: "hopelessness", Threshold: 0.5},
			{Name: "combo", Kind: casedef.KindComposite, Severity: types.SeverityElevated, AnyOf: []string{"active-plan", "hopeless"}},
		},
		Rubric: casedef.Rubric{Version: "r1", Domains: []casedef.Domain{
			{Name: "risk-assessment coverage", Max: 10, Criterion: casedef.Criterion{
				Kind: casedef.CriterionProbeBeforeRisk, Intents: []string{"safety_probe"}, States: []string{"crisis"},
			}},
		}},
	}
}

func TestValidate(t *testing.T) {
	Convey("Given a case definition", t, func() {
		c := validCase()

		Convey("When it is well formed", func() {
			err := c.Validate()

			Convey("Then validation should pass", func() {
				So(err, ShouldBeNil)
			})
		})

		Convey("When a state cannot be reached from the initial state", func() {
			c.States = append(c.States, casedef.State{ID: "orphan", Terminal: true})

			Convey("Then validation should report it", func() {
				err := c.Validate()
				So(errors.Is(err, casedef.ErrInvalidCaseDefinition), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "state orphan is unreachable")
			})
		})

		Convey("When several references are broken", func() {
			c.States[0].Transitions[0].To = "nowhere"
			c.States[1].Transitions[0].When.AnyRisk = []string{"missing-rule"}
			c.Grounding[1].States = []string{"elsewhere"}

			Convey("Then every problem should be collected", func() {
				var verr *casedef.ValidationError
				So(errors.As(c.Validate(), &verr), ShouldBeTrue)
				So(verr.CaseID, ShouldEqual, "intake-test")
				So(verr.Error(), ShouldContainSubstring, `undeclared state "nowhere"`)
				So(verr.Error(), ShouldContainSubstring, `unknown risk rule "missing-rule"`)
				So(verr.Error(), ShouldContainSubstring, `undeclared state "elsewhere"`)
			})
		})

		Convey("When a terminal state has outgoing transitions", func() {
			c.States[2].Transitions = []casedef.Transition{{To: "guarded", When: casedef.Trigger{Always: true}}}

			Convey("Then validation should fail", func() {
				So(c.Validate().Error(), ShouldContainSubstring, "terminal state crisis has outgoing transitions")
			})
		})

		Convey("When a non-hold state has a self-loop", func() {
			c.States[0].Hold = false
			c.States[0].Transitions = append(c.States[0].Transitions,
				casedef.Transition{To: "guarded", When: casedef.Trigger{Always: true}})

			Convey("Then validation should require hold", func() {
				So(c.Validate().Error(), ShouldContainSubstring, "use hold: true")
			})
		})

		Convey("When composite rules form a cycle", func() {
			c.RiskRules = append(c.RiskRules,
				casedef.RiskRule{Name: "a", Kind: casedef.KindComposite, Severity: types.SeverityWatch, AllOf: []string{"b"}},
				casedef.RiskRule{Name: "b", Kind: casedef.KindComposite, Severity: types.SeverityWatch, AnyOf: []string{"a"}},
			)

			Convey("Then the cycle should be reported", func() {
				So(c.Validate().Error(), ShouldContainSubstring, "is part of a cycle")
			})
		})

		Convey("When a pattern does not compile", func() {
			c.RiskRules[0].Pattern = `(unclosed`

			Convey("Then validation should fail", func() {
				So(c.Validate().Error(), ShouldContainSubstring, "does not compile")
			})
		})

		Convey("When a rubric criterion is unknown", func() {
			c.Rubric.Domains[0].Criterion.Kind = "vibes"

			Convey("Then validation should fail", func() {
				So(c.Validate().Error(), ShouldContainSubstring, `unknown criterion "vibes"`)
			})
		})
	})
}

func TestFactTags(t *testing.T) {
	Convey("Given grounding facts", t, func() {
		global := casedef.Fact{ID: "g", States: []string{casedef.GlobalTag}}
		scoped := casedef.Fact{ID: "s", States: []string{"crisis", "disclosing"}}

		So(global.Global(), ShouldBeTrue)
		So(scoped.Global(), ShouldBeFalse)
		So(scoped.TaggedFor("crisis"), ShouldBeTrue)
		So(scoped.TaggedFor("guarded"), ShouldBeFalse)
	})
}

func TestPersonaDefaults(t *testing.T) {
	Convey("Given a case without explicit starting levels", t, func() {
		c := validCase()

		So(c.InitialRapport(), ShouldEqual, casedef.DefaultRapport)
		So(c.InitialOpenness(), ShouldEqual, casedef.DefaultOpenness)
		So(c.Persona.Trait("trust_level", 1), ShouldEqual, 5)
		So(c.Persona.Trait("defensiveness", 4), ShouldEqual, 4)
		So(c.Summary().PatientName, ShouldEqual, "Alex")
	})
}
