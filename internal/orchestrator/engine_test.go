package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/okian/patientsim/internal/adapters/casestore"
	"github.com/okian/patientsim/internal/adapters/llm"
	"github.com/okian/patientsim/internal/adapters/mq/queue"
	"github.com/okian/patientsim/internal/adapters/notify"
	"github.com/okian/patientsim/internal/adapters/repository"
	"github.com/okian/patientsim/internal/adapters/search"
	"github.com/okian/patientsim/internal/domain/evaluation"
	"github.com/okian/patientsim/internal/domain/types"
	"github.com/okian/patientsim/internal/orchestrator"
	. "github.com/smartystreets/goconvey/convey"
)

const exitCase = `
id: exit
version: "1"
title: Exit interview
persona:
  name: Sam
initial_state: calm
states:
  - id: calm
    payload: [Calm]
    transitions:
      - to: done
        priority: 0
        when:
          any_intent: [goodbye]
  - id: done
    terminal: true
    payload: [Leaving]
grounding:
  - id: tea
    text: Sam likes tea.
    states: ["*"]
classifiers:
  - name: goodbye
    applies_to: trainee
    keywords: [goodbye]
rubric:
  version: r1
  domains:
    - name: closing
      max: 1
      criterion:
        kind: intent_coverage
        intents: [goodbye]
`

const brokenCase = `
id: broken
version: "1"
title: Broken
persona:
  name: Kim
initial_state: nowhere
states:
  - id: calm
    hold: true
    payload: [Calm]
rubric:
  version: r1
  domains: []
`

type alertLog struct {
	mu     sync.Mutex
	alerts []notify.Alert
	err    error
}

func (a *alertLog) Alert(_ context.Context, al notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return a.err
}

func (a *alertLog) Report(context.Context, notify.ReportNotice) error { return nil }

func (a *alertLog) rules() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.alerts))
	for i, al := range a.alerts {
		out[i] = al.Rule
	}
	return out
}

type jobLog struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (j *jobLog) Enqueue(_ context.Context, job queue.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = append(j.jobs, job)
	return nil
}

type harness struct {
	engine *orchestrator.Engine
	store  repository.Store
	alerts *alertLog
	jobs   *jobLog
}

func newHarness(gen llm.Generator, opts ...orchestrator.Option) *harness {
	ctx := context.Background()
	reg, err := casestore.Load(ctx, "",
		casestore.WithDocument("exit.yaml", []byte(exitCase)),
		casestore.WithDocument("broken.yaml", []byte(brokenCase)))
	So(err, ShouldBeNil)

	n := 0
	h := &harness{
		store:  repository.NewMemoryStore(ctx, repository.WithMetricsUpdateInterval(time.Hour)),
		alerts: &alertLog{},
		jobs:   &jobLog{},
	}
	base := []orchestrator.Option{
		orchestrator.WithSearcher(search.NewLexical()),
		orchestrator.WithNotifier(h.alerts),
		orchestrator.WithReportQueue(h.jobs),
		orchestrator.WithModelPolicy(3, time.Second, 0),
		orchestrator.WithIDGenerator(func() string { n++; return fmt.Sprintf("s-%d", n) }),
	}
	h.engine = orchestrator.New(reg, h.store, gen, append(base, opts...)...)
	return h
}

func TestIntakeScenario(t *testing.T) {
	ctx := context.Background()

	Convey("Given an intake-01 session with the scripted patient", t, func() {
		h := newHarness(llm.NewScripted(nil))
		started, err := h.engine.StartSession(ctx, "intake-01")
		So(err, ShouldBeNil)
		So(started.SessionID, ShouldEqual, "s-1")
		So(started.PatientName, ShouldEqual, "Jordan Reyes")
		id := started.SessionID

		Convey("When the trainee probes about safety", func() {
			res, err := h.engine.SubmitUtterance(ctx, id, "How have you been feeling about safety?")
			So(err, ShouldBeNil)

			Convey("Then the patient should move from guarded to disclosing without a banner", func() {
				So(res.TurnIndex, ShouldEqual, 0)
				So(res.RiskBanner, ShouldBeNil)
				So(res.PatientUtterance, ShouldNotContainSubstring, "*shrugs*")

				s, err := h.engine.GetSession(ctx, id)
				So(err, ShouldBeNil)
				So(s.CurrentState, ShouldEqual, "disclosing")
				So(s.Turns[0].StateBefore, ShouldEqual, "guarded")
				So(s.Turns[0].PatientUtterance, ShouldContainSubstring, "*shrugs*")
				So(s.Turns[0].Facts, ShouldNotBeEmpty)
				for _, f := range s.Turns[0].Facts {
					So([]string{"work", "separation", "sleep", "deflection"}, ShouldContain, f)
				}
			})

			Convey("And then states an active plan", func() {
				res, err := h.engine.SubmitUtterance(ctx, id, "Are you planning to end your life?")
				So(err, ShouldBeNil)

				Convey("Then the turn should carry a banner and a critical event and reach crisis", func() {
					So(res.TurnIndex, ShouldEqual, 1)
					So(res.RiskBanner, ShouldNotBeNil)
					So(res.RiskBanner.Rules, ShouldContain, "active-plan")
					So(res.RiskBanner.Rules, ShouldContain, "transition:disclosing->crisis")

					s, err := h.engine.GetSession(ctx, id)
					So(err, ShouldBeNil)
					So(s.CurrentState, ShouldEqual, "crisis")
					var critical []string
					for _, ev := range s.RiskEvents {
						So(ev.TurnIndex, ShouldEqual, 1)
						if ev.Severity == types.SeverityCritical {
							critical = append(critical, ev.Rule)
						}
					}
					So(critical, ShouldResemble, []string{"active-plan", "transition:disclosing->crisis"})
					So(h.alerts.rules(), ShouldResemble, critical)
				})

				Convey("Then ending the session should credit the probe that preceded the crisis", func() {
					report, err := h.engine.EndSession(ctx, id)
					So(err, ShouldBeNil)
					So(report.Domains[0].Name, ShouldEqual, "risk-assessment coverage")
					So(report.Domains[0].Score, ShouldEqual, report.Domains[0].Max)
					So(evaluation.Verify(report), ShouldBeTrue)
					So(len(h.jobs.jobs), ShouldEqual, 1)
					So(h.jobs.jobs[0].Digest, ShouldEqual, report.Digest)

					again, err := h.engine.EndSession(ctx, id)
					So(err, ShouldBeNil)
					So(again, ShouldResemble, report)

					stored, err := h.engine.Report(ctx, id)
					So(err, ShouldBeNil)
					So(stored.Digest, ShouldEqual, report.Digest)

					transcript, err := h.engine.Transcript(ctx, id)
					So(err, ShouldBeNil)
					So(transcript, ShouldContainSubstring, "Patient: Jordan Reyes")
					So(transcript, ShouldContainSubstring, "[2] Trainee: Are you planning to end your life?")
					So(transcript, ShouldContainSubstring, "critical risk: active-plan")
				})

				Convey("Then further turns should be refused once the session is ended", func() {
					_, err := h.engine.EndSession(ctx, id)
					So(err, ShouldBeNil)
					_, err = h.engine.SubmitUtterance(ctx, id, "Are you still there?")
					So(errors.Is(err, orchestrator.ErrSessionNotActive), ShouldBeTrue)
				})
			})
		})

		Convey("When no turn has been graded yet", func() {
			_, err := h.engine.Report(ctx, id)
			So(errors.Is(err, orchestrator.ErrReportNotFound), ShouldBeTrue)
		})
	})
}

func TestModelRetries(t *testing.T) {
	ctx := context.Background()

	Convey("Given a model that times out once and then succeeds", t, func() {
		var mu sync.Mutex
		var calls []llm.Call
		gen := llm.GeneratorFunc(func(ctx context.Context, call llm.Call) (string, error) {
			mu.Lock()
			calls = append(calls, call)
			first := len(calls) == 1
			mu.Unlock()
			if first {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "I'm fine.", nil
		})
		h := newHarness(gen, orchestrator.WithModelPolicy(3, 20*time.Millisecond, 0))
		started, err := h.engine.StartSession(ctx, "intake-01")
		So(err, ShouldBeNil)

		res, err := h.engine.SubmitUtterance(ctx, started.SessionID, "Hello there.")
		So(err, ShouldBeNil)

		Convey("Then exactly one turn should be recorded at index 0", func() {
			So(res.TurnIndex, ShouldEqual, 0)
			s, err := h.engine.GetSession(ctx, started.SessionID)
			So(err, ShouldBeNil)
			So(len(s.Turns), ShouldEqual, 1)
			So(s.Turns[0].Index, ShouldEqual, 0)
			So(s.Turns[0].Attempts, ShouldEqual, 2)
		})

		Convey("Then both attempts should share the turn index and temperature", func() {
			So(len(calls), ShouldEqual, 2)
			So(calls[0].TurnIndex, ShouldEqual, calls[1].TurnIndex)
			So([]int{calls[0].Attempt, calls[1].Attempt}, ShouldResemble, []int{1, 2})
			So(calls[0].Request.Temperature, ShouldEqual, calls[1].Request.Temperature)
			So(calls[0].Request.Temperature, ShouldBeBetweenOrEqual, 0.6, 0.8)
		})
	})

	Convey("Given a model that is always rate limited", t, func() {
		attempts := 0
		gen := llm.GeneratorFunc(func(context.Context, llm.Call) (string, error) {
			attempts++
			return "", llm.ErrRateLimited
		})
		h := newHarness(gen)
		started, _ := h.engine.StartSession(ctx, "intake-01")

		_, err := h.engine.SubmitUtterance(ctx, started.SessionID, "Are you planning to end your life?")

		Convey("Then the turn should fail as model unavailable and record nothing", func() {
			So(errors.Is(err, orchestrator.ErrModelUnavailable), ShouldBeTrue)
			So(attempts, ShouldEqual, 3)
			s, _ := h.engine.GetSession(ctx, started.SessionID)
			So(s.Turns, ShouldBeEmpty)
			So(s.RiskEvents, ShouldBeEmpty)
		})

		Convey("Then the critical alert should still have been raised", func() {
			So(h.alerts.rules(), ShouldResemble, []string{"active-plan"})
		})
	})

	Convey("Given a model that blocks the content", t, func() {
		attempts := 0
		gen := llm.GeneratorFunc(func(context.Context, llm.Call) (string, error) {
			attempts++
			return "", llm.ErrContentBlocked
		})
		h := newHarness(gen)
		started, _ := h.engine.StartSession(ctx, "intake-01")

		_, err := h.engine.SubmitUtterance(ctx, started.SessionID, "Hello.")

		So(errors.Is(err, orchestrator.ErrModelUnavailable), ShouldBeTrue)
		So(errors.Is(err, llm.ErrContentBlocked), ShouldBeTrue)
		So(attempts, ShouldEqual, 1)
	})
}

func TestSessionConcurrency(t *testing.T) {
	ctx := context.Background()

	Convey("Given a turn blocked inside the model call", t, func() {
		started := make(chan struct{}, 1)
		release := make(chan struct{})
		gen := llm.GeneratorFunc(func(context.Context, llm.Call) (string, error) {
			started <- struct{}{}
			<-release
			return "I'm fine.", nil
		})
		h := newHarness(gen, orchestrator.WithModelPolicy(1, 5*time.Second, 0))
		sess, err := h.engine.StartSession(ctx, "intake-01")
		So(err, ShouldBeNil)

		first := make(chan error, 1)
		go func() {
			_, err := h.engine.SubmitUtterance(ctx, sess.SessionID, "Hello.")
			first <- err
		}()
		<-started

		Convey("When a second utterance arrives for the same session", func() {
			_, err := h.engine.SubmitUtterance(ctx, sess.SessionID, "Are you there?")
			close(release)

			Convey("Then it should be rejected while the first completes", func() {
				So(errors.Is(err, orchestrator.ErrTurnInProgress), ShouldBeTrue)
				So(<-first, ShouldBeNil)
			})
		})

		Convey("When the session is aborted mid-turn", func() {
			aborted := make(chan error, 1)
			go func() { aborted <- h.engine.AbortSession(ctx, sess.SessionID) }()

			var early bool
			select {
			case <-aborted:
				early = true
			case <-time.After(50 * time.Millisecond):
			}
			close(release)

			Convey("Then the abort should wait for the turn to commit", func() {
				So(early, ShouldBeFalse)
				So(<-first, ShouldBeNil)
				So(<-aborted, ShouldBeNil)

				s, err := h.engine.GetSession(ctx, sess.SessionID)
				So(err, ShouldBeNil)
				So(s.Status, ShouldEqual, types.StatusAborted)
				So(len(s.Turns), ShouldEqual, 1)

				_, err = h.engine.EndSession(ctx, sess.SessionID)
				So(errors.Is(err, orchestrator.ErrSessionAborted), ShouldBeTrue)
				So(h.engine.AbortSession(ctx, sess.SessionID), ShouldBeNil)
			})
		})
	})
}

func TestTerminalAndFailures(t *testing.T) {
	ctx := context.Background()

	Convey("Given a case with a terminal state and no hold", t, func() {
		h := newHarness(llm.NewScripted(nil))
		sess, err := h.engine.StartSession(ctx, "exit")
		So(err, ShouldBeNil)

		Convey("When nothing matches in a state without hold", func() {
			_, err := h.engine.SubmitUtterance(ctx, sess.SessionID, "hello")

			Convey("Then the turn should fail as an unknown transition", func() {
				So(errors.Is(err, orchestrator.ErrUnknownTransition), ShouldBeTrue)
				s, _ := h.engine.GetSession(ctx, sess.SessionID)
				So(s.Turns, ShouldBeEmpty)
			})
		})

		Convey("When the terminal state is reached", func() {
			res, err := h.engine.SubmitUtterance(ctx, sess.SessionID, "goodbye then")
			So(err, ShouldBeNil)

			Convey("Then the session should end and still be gradable", func() {
				So(res.Ended, ShouldBeTrue)
				_, err := h.engine.SubmitUtterance(ctx, sess.SessionID, "one more thing")
				So(errors.Is(err, orchestrator.ErrSessionNotActive), ShouldBeTrue)

				report, err := h.engine.EndSession(ctx, sess.SessionID)
				So(err, ShouldBeNil)
				So(report.FinalState, ShouldEqual, "done")
				So(report.Overall, ShouldEqual, 1)
			})
		})
	})

	Convey("Given case and session lookups that fail", t, func() {
		h := newHarness(llm.NewScripted(nil))

		_, err := h.engine.StartSession(ctx, "nope")
		So(errors.Is(err, orchestrator.ErrCaseNotFound), ShouldBeTrue)

		_, err = h.engine.StartSession(ctx, "broken")
		So(errors.Is(err, orchestrator.ErrInvalidCaseDefinition), ShouldBeTrue)

		_, err = h.engine.SubmitUtterance(ctx, "missing", "hello")
		So(errors.Is(err, orchestrator.ErrSessionNotFound), ShouldBeTrue)

		_, err = h.engine.SubmitUtterance(ctx, "missing", "   ")
		So(errors.Is(err, orchestrator.ErrEmptyUtterance), ShouldBeTrue)

		ids := []string{}
		for _, c := range h.engine.ListCases() {
			ids = append(ids, c.ID)
		}
		So(strings.Join(ids, ","), ShouldEqual, "david-mdd,emma-bpd,exit,intake-01,sarah-gad")
	})

	Convey("Given a context budget too small for the fixed sections", t, func() {
		h := newHarness(llm.NewScripted(nil), orchestrator.WithContextMaxTokens(5))
		sess, _ := h.engine.StartSession(ctx, "intake-01")

		_, err := h.engine.SubmitUtterance(ctx, sess.SessionID, "Hello.")

		So(errors.Is(err, orchestrator.ErrContextOverflow), ShouldBeTrue)
	})
}

func TestRenderTranscript(t *testing.T) {
	Convey("Given a fresh session", t, func() {
		h := newHarness(llm.NewScripted(nil))
		ctx := context.Background()
		sess, _ := h.engine.StartSession(ctx, "intake-01")
		s, _ := h.engine.GetSession(ctx, sess.SessionID)

		out := orchestrator.RenderTranscript(s, "Intake", "Jordan")

		So(out, ShouldStartWith, "Case: Intake (intake-01 v3)\nPatient: Jordan\n")
		So(out, ShouldContainSubstring, "active, 0 turns")
	})
}

func TestSessionLockTable(t *testing.T) {
	ctx := context.Background()

	Convey("Given an engine with no sessions", t, func() {
		h := newHarness(llm.NewScripted(nil))

		Convey("When many calls name sessions that do not exist", func() {
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("bogus-%d", i)
				_, err := h.engine.SubmitUtterance(ctx, id, "hello")
				So(errors.Is(err, orchestrator.ErrSessionNotFound), ShouldBeTrue)
				_, err = h.engine.EndSession(ctx, id)
				So(errors.Is(err, orchestrator.ErrSessionNotFound), ShouldBeTrue)
				So(errors.Is(h.engine.AbortSession(ctx, id), orchestrator.ErrSessionNotFound), ShouldBeTrue)
			}

			Convey("Then no lock entry should be left behind", func() {
				So(h.engine.LockedSessions(), ShouldEqual, 0)
			})
		})

		Convey("When a session ends through its terminal state and is never ended explicitly", func() {
			sess, err := h.engine.StartSession(ctx, "exit")
			So(err, ShouldBeNil)
			res, err := h.engine.SubmitUtterance(ctx, sess.SessionID, "goodbye then")
			So(err, ShouldBeNil)
			So(res.Ended, ShouldBeTrue)
			_, err = h.engine.SubmitUtterance(ctx, sess.SessionID, "wait")
			So(errors.Is(err, orchestrator.ErrSessionNotActive), ShouldBeTrue)

			Convey("Then its lock entry should be gone", func() {
				So(h.engine.LockedSessions(), ShouldEqual, 0)
			})
		})
	})

	Convey("Given a turn blocked inside the model call", t, func() {
		started := make(chan struct{}, 1)
		release := make(chan struct{})
		gen := llm.GeneratorFunc(func(context.Context, llm.Call) (string, error) {
			started <- struct{}{}
			<-release
			return "I'm fine.", nil
		})
		h := newHarness(gen, orchestrator.WithModelPolicy(1, 5*time.Second, 0))
		sess, err := h.engine.StartSession(ctx, "intake-01")
		So(err, ShouldBeNil)

		first := make(chan error, 1)
		go func() {
			_, err := h.engine.SubmitUtterance(ctx, sess.SessionID, "Hello.")
			first <- err
		}()
		<-started

		Convey("When a rejected second turn returns", func() {
			_, err := h.engine.SubmitUtterance(ctx, sess.SessionID, "Still there?")
			So(errors.Is(err, orchestrator.ErrTurnInProgress), ShouldBeTrue)

			Convey("Then the in-flight turn keeps its entry until it commits", func() {
				So(h.engine.LockedSessions(), ShouldEqual, 1)
				close(release)
				So(<-first, ShouldBeNil)
				So(h.engine.LockedSessions(), ShouldEqual, 0)
			})
		})
	})
}
