package prompt_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/prompt"
	"github.com/okian/patientsim/internal/domain/rapport"
	. "github.com/smartystreets/goconvey/convey"
)

var words = prompt.CounterFunc(func(s string) int { return len(strings.Fields(s)) })

func input() prompt.Input {
	return prompt.Input{
		Persona: casedef.Persona{
			Name: "David", Age: 45, Gender: "Male", Diagnosis: "Major Depressive Disorder",
			Traits: map[string]float64{"trust_level": 3, "verbal_expressiveness": 3, "anhedonia": 8, "energy_level": 2},
		},
		State: casedef.State{ID: "guarded", Description: "Withdrawn", Payload: []string{"Avoids eye contact"}},
		Level: rapport.Level{Rapport: 5, Openness: 3},
		Facts: []casedef.Fact{
			{ID: "job", Text: "Lost his job as an operations director three months ago."},
			{ID: "sleep", Text: "Sleeps about four hours a night."},
		},
		History: []prompt.Exchange{
			{Trainee: "Hello David, thanks for coming in.", Patient: "*shrugs* Sure."},
			{Trainee: "How has work been?", Patient: "There is no work."},
			{Trainee: "That sounds hard.", Patient: "I guess."},
		},
		Utterance:   "How have you been sleeping?",
		Temperature: 0.72,
	}
}

func TestAssemble(t *testing.T) {
	Convey("Given a full input", t, func() {
		in := input()

		Convey("When the budget is generous", func() {
			req, err := prompt.Assemble(in, prompt.Budget{MaxTokens: 10_000, MaxTurns: 10}, words)

			Convey("Then every section should be present in order", func() {
				So(err, ShouldBeNil)
				So(req.Omitted, ShouldEqual, 0)
				So(req.Facts, ShouldResemble, []string{"job", "sleep"})
				So(req.System(), ShouldContainSubstring, "You are David, a 45-year-old male patient")
				So(req.System(), ShouldContainSubstring, "You have difficulty trusting others")
				So(req.System(), ShouldContainSubstring, "DISORDER-SPECIFIC SYMPTOMS:\n- Very low energy and motivation\n- Little interest or pleasure")
				So(req.System(), ShouldContainSubstring, "Avoids eye contact")
				So(req.System(), ShouldContainSubstring, "Neutral, cautiously engaging")
				So(req.Messages[1].Content, ShouldContainSubstring, "Lost his job")
				So(len(req.Messages), ShouldEqual, 2+6+1)
				So(req.Messages[len(req.Messages)-1].Content, ShouldEqual, in.Utterance)
				So(req.Temperature, ShouldEqual, 0.72)
			})
		})

		Convey("When the window is smaller than the history", func() {
			req, err := prompt.Assemble(in, prompt.Budget{MaxTokens: 10_000, MaxTurns: 1}, words)

			Convey("Then older exchanges should be replaced by an explicit note", func() {
				So(err, ShouldBeNil)
				So(req.Omitted, ShouldEqual, 2)
				So(req.Messages[2].Content, ShouldContainSubstring, "[2 earlier exchanges omitted")
				So(req.Messages[3].Content, ShouldEqual, "That sounds hard.")
			})
		})

		Convey("When tokens run short", func() {
			full, _ := prompt.Assemble(in, prompt.Budget{MaxTokens: 10_000, MaxTurns: 10}, words)
			noHistory, _ := prompt.Assemble(in, prompt.Budget{MaxTokens: 10_000, MaxTurns: 0}, words)

			Convey("Then history should go before facts", func() {
				req, err := prompt.Assemble(in, prompt.Budget{MaxTokens: full.TokenCount - 1, MaxTurns: 10}, words)
				So(err, ShouldBeNil)
				So(req.Omitted, ShouldBeGreaterThan, 0)
				So(req.Facts, ShouldResemble, []string{"job", "sleep"})
				So(req.TokenCount, ShouldBeLessThanOrEqualTo, full.TokenCount-1)
			})

			Convey("Then facts should be dropped whole, lowest rank first", func() {
				req, err := prompt.Assemble(in, prompt.Budget{MaxTokens: noHistory.TokenCount - 1, MaxTurns: 0}, words)
				So(err, ShouldBeNil)
				So(req.Facts, ShouldResemble, []string{"job"})
				So(req.Messages[1].Content, ShouldContainSubstring, "Lost his job as an operations director three months ago.")
			})

			Convey("Then an impossible budget should overflow", func() {
				_, err := prompt.Assemble(in, prompt.Budget{MaxTokens: 5, MaxTurns: 10}, words)
				So(errors.Is(err, prompt.ErrContextOverflow), ShouldBeTrue)
			})
		})

		Convey("When assembled twice", func() {
			a, _ := prompt.Assemble(in, prompt.Budget{MaxTokens: 500, MaxTurns: 2}, words)
			b, _ := prompt.Assemble(in, prompt.Budget{MaxTokens: 500, MaxTurns: 2}, words)

			Convey("Then the result should be identical", func() {
				So(b, ShouldResemble, a)
			})
		})
	})
}

func TestStripStageDirections(t *testing.T) {
	Convey("Given a reply with stage directions", t, func() {
		So(prompt.StripStageDirections("*looks away* I don't know. *sighs*"), ShouldEqual, "I don't know.")
		So(prompt.StripStageDirections("No actions here."), ShouldEqual, "No actions here.")
	})
}

func TestSymptomDescriptions(t *testing.T) {
	Convey("Given traits from several disorder families", t, func() {
		traits := map[string]float64{
			"abandonment_sensitivity": 9, "identity_instability": 8, "impulsivity": 5,
			"anhedonia": 8, "hopelessness": 8,
			"worry_intensity": 9, "physical_anxiety": 8, "perfectionism": 7,
		}

		Convey("Then only the family named by the diagnosis should be described", func() {
			So(prompt.SymptomDescriptions("Borderline Personality Disorder", traits), ShouldResemble, []string{
				"Intense fear of being abandoned or rejected",
				"Uncertain about who you are and what you want",
			})
			So(prompt.SymptomDescriptions("Major Depressive Disorder", traits), ShouldResemble, []string{
				"Feeling hopeless about the future",
				"Little interest or pleasure in activities you used to enjoy",
			})
			So(prompt.SymptomDescriptions("Generalized Anxiety Disorder", traits), ShouldResemble, []string{
				"Constant, intense worrying about many things",
				"Physical symptoms of anxiety such as tension and a racing heart",
			})
		})

		Convey("Then an unrecognized diagnosis should fall back to the mild line", func() {
			So(prompt.SymptomDescriptions("Adjustment disorder", traits), ShouldBeEmpty)
			p := casedef.Persona{Name: "Kim", Age: 30, Gender: "Female", Diagnosis: "Adjustment disorder", Traits: traits}
			sys := prompt.SystemSection(p, casedef.State{ID: "s"}, rapport.Level{Rapport: 5, Openness: 3})
			So(sys, ShouldContainSubstring, "DISORDER-SPECIFIC SYMPTOMS:\n- Mild or well-managed symptoms")
		})

		Convey("Then general traits should not carry disorder symptoms", func() {
			So(prompt.TraitDescriptions(traits), ShouldBeEmpty)
		})
	})
}
