package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/patientsim/internal/adapters/repository"
	"github.com/okian/patientsim/internal/domain/evaluation"
	"github.com/okian/patientsim/internal/domain/intent"
	"github.com/okian/patientsim/internal/domain/session"
	"github.com/okian/patientsim/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

var t0 = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func newSession(id string) *session.Session {
	return session.New(id, "intake-01", "3", "guarded", 4.5, 2.5, t0)
}

func turn(idx int, before, after string) session.Turn {
	return session.Turn{
		Index: idx, TraineeUtterance: "How have you been feeling about safety?", PatientUtterance: "I'm fine.",
		Facts: []string{"work"}, StateBefore: before, StateAfter: after,
		Intents:    []intent.Detection{{Name: "empathy_probe", Score: 0.4, Weight: 0.4}},
		RiskEvents: []session.RiskEvent{{Rule: "active-plan", Severity: types.SeverityCritical, Source: types.SourceTrainee, Span: "plan to end my life"}},
		Rapport:    5, Openness: 3, Attempts: 2, CreatedAt: t0.Add(time.Minute),
	}
}

func storeContract(newStore func() repository.Store) {
	ctx := context.Background()

	Convey("When a session is created", func() {
		st := newStore()
		defer st.Close()
		s := newSession("s1")
		So(st.CreateSession(ctx, s), ShouldBeNil)

		Convey("Then creating it again should conflict", func() {
			err := st.CreateSession(ctx, s)
			So(errors.Is(err, repository.ErrConflict), ShouldBeTrue)
		})

		Convey("Then a saved turn should round-trip exactly", func() {
			So(s.Append(turn(0, "guarded", "disclosing"), false), ShouldBeNil)
			So(st.SaveSession(ctx, s), ShouldBeNil)

			got, err := st.GetSession(ctx, "s1")
			So(err, ShouldBeNil)
			So(got.CurrentState, ShouldEqual, "disclosing")
			So(got.Visited, ShouldResemble, []string{"guarded", "disclosing"})
			So(got.Turns[0].RiskEvents[0].Severity, ShouldEqual, types.SeverityCritical)
			So(got.Turns[0].RiskEvents[0].Source, ShouldEqual, types.SourceTrainee)
			So(got.RiskEvents, ShouldResemble, s.RiskEvents)
			So(got.Injected, ShouldResemble, map[string]int{"work": 1})
			So(got.Turns[0].CreatedAt.Equal(t0.Add(time.Minute)), ShouldBeTrue)
		})

		Convey("Then mutating the caller's copy should not change the store", func() {
			s.CurrentState = "crisis"
			got, err := st.GetSession(ctx, "s1")
			So(err, ShouldBeNil)
			So(got.CurrentState, ShouldEqual, "guarded")
		})

		Convey("Then a sealed session should refuse further saves", func() {
			So(s.Seal(t0.Add(time.Hour)), ShouldBeNil)
			So(st.SaveSession(ctx, s), ShouldBeNil)
			err := st.SaveSession(ctx, s)
			So(errors.Is(err, repository.ErrSealed), ShouldBeTrue)

			counts, err := st.CountSessions(ctx)
			So(err, ShouldBeNil)
			So(counts[types.StatusEnded], ShouldEqual, 1)
		})
	})

	Convey("When reading or saving unknown sessions", func() {
		st := newStore()
		defer st.Close()

		_, err := st.GetSession(ctx, "nope")
		So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		err = st.SaveSession(ctx, newSession("nope"))
		So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
	})

	Convey("When a report is stored", func() {
		st := newStore()
		defer st.Close()
		r := evaluation.Report{
			SessionID: "s1", CaseID: "intake-01", CaseVersion: "3", RubricVersion: "r1",
			Domains:    []evaluation.DomainScore{{Name: "rapport", Criterion: "final_rapport", Score: 2, Max: 4, Rationale: "ok"}},
			Overall:    2, OverallMax: 4,
			RiskEvents: []session.RiskEvent{}, Degradations: []session.RiskEvent{}, Flags: []string{},
		}
		digest, err := evaluation.Digest(r)
		So(err, ShouldBeNil)
		r.Digest = digest
		So(st.SaveReport(ctx, r), ShouldBeNil)

		Convey("Then it should read back with a valid digest", func() {
			got, err := st.GetReport(ctx, "s1")
			So(err, ShouldBeNil)
			So(got, ShouldResemble, r)
			So(evaluation.Verify(got), ShouldBeTrue)
		})

		Convey("Then storing the same report again should be a no-op", func() {
			So(st.SaveReport(ctx, r), ShouldBeNil)
		})

		Convey("Then a different report for the same session should conflict", func() {
			other := r
			other.Digest = "different"
			So(errors.Is(st.SaveReport(ctx, other), repository.ErrConflict), ShouldBeTrue)
		})

		Convey("Then an unknown report should not be found", func() {
			_, err := st.GetReport(ctx, "s2")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestMemoryStore(t *testing.T) {
	Convey("Given a memory store", t, func() {
		storeContract(func() repository.Store {
			return repository.NewMemoryStore(context.Background(), repository.WithMetricsUpdateInterval(time.Hour))
		})
	})

	Convey("Given a closed memory store", t, func() {
		st := repository.NewMemoryStore(context.Background())
		So(st.Close(), ShouldBeNil)
		So(st.Close(), ShouldBeNil)

		err := st.CreateSession(context.Background(), newSession("late"))
		So(errors.Is(err, repository.ErrStoreClosed), ShouldBeTrue)
	})
}

func TestSQLiteStore(t *testing.T) {
	Convey("Given a sqlite store", t, func() {
		dir := t.TempDir()
		n := 0
		storeContract(func() repository.Store {
			n++
			st, err := repository.OpenSQL(context.Background(), repository.DriverSQLite,
				filepath.Join(dir, "store-"+string(rune('a'+n))+".db"))
			So(err, ShouldBeNil)
			return st
		})
	})
}

func TestOpen(t *testing.T) {
	Convey("Given driver names", t, func() {
		st, err := repository.Open(context.Background(), repository.DriverMemory, "")
		So(err, ShouldBeNil)
		So(st.Close(), ShouldBeNil)

		_, err = repository.Open(context.Background(), "mongo", "")
		So(errors.Is(err, repository.ErrUnknownDriver), ShouldBeTrue)
	})
}
