package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/patientsim/internal/domain/session"
	"github.com/okian/patientsim/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestSession(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	Convey("Given a new session", t, func() {
		s := session.New("s1", "intake-01", "3", "guarded", 5, 3, now)

		So(s.Active(), ShouldBeTrue)
		So(s.NextIndex(), ShouldEqual, 0)
		So(s.Visited, ShouldResemble, []string{"guarded"})

		Convey("When a turn is appended with a risk event", func() {
			err := s.Append(session.Turn{
				Index: 0, StateBefore: "guarded", StateAfter: "disclosing",
				Facts:      []string{"job"},
				RiskEvents: []session.RiskEvent{{Rule: "hopeless", Severity: types.SeverityWatch, Source: types.SourceModel}},
				Rapport:    5.2, Openness: 3.1, CreatedAt: now,
			}, false)

			Convey("Then state, logs and counters should advance together", func() {
				So(err, ShouldBeNil)
				So(s.CurrentState, ShouldEqual, "disclosing")
				So(s.Visited, ShouldResemble, []string{"guarded", "disclosing"})
				So(s.RiskEvents[0].TurnIndex, ShouldEqual, 0)
				So(s.Injected["job"], ShouldEqual, 1)
				So(s.Rapport, ShouldEqual, 5.2)
				So(s.Validate(), ShouldBeNil)
			})
		})

		Convey("When a turn skips an index", func() {
			err := s.Append(session.Turn{Index: 1, StateBefore: "guarded", StateAfter: "guarded"}, false)

			Convey("Then it should be rejected", func() {
				So(errors.Is(err, session.ErrTurnIndex), ShouldBeTrue)
				So(s.Turns, ShouldBeEmpty)
			})
		})

		Convey("When a terminal turn is appended", func() {
			So(s.Append(session.Turn{Index: 0, StateBefore: "guarded", StateAfter: "crisis"}, true), ShouldBeNil)

			Convey("Then the session should be ended and refuse more turns", func() {
				So(s.Status, ShouldEqual, types.StatusEnded)
				err := s.Append(session.Turn{Index: 1}, false)
				So(errors.Is(err, session.ErrNotActive), ShouldBeTrue)
			})
		})

		Convey("When sealed or aborted twice", func() {
			So(s.Abort(now), ShouldBeNil)

			So(errors.Is(s.Seal(now), session.ErrAlreadySealed), ShouldBeTrue)
			So(s.Status, ShouldEqual, types.StatusAborted)
		})

		Convey("When a clone is modified", func() {
			So(s.Append(session.Turn{Index: 0, StateBefore: "guarded", StateAfter: "guarded", Facts: []string{"a"}}, false), ShouldBeNil)
			c := s.Clone()
			So(c.Append(session.Turn{Index: 1, StateBefore: "guarded", StateAfter: "disclosing", Facts: []string{"a"}}, false), ShouldBeNil)
			c.Turns[0].Facts[0] = "changed"

			Convey("Then the original should be untouched", func() {
				So(len(s.Turns), ShouldEqual, 1)
				So(s.Turns[0].Facts[0], ShouldEqual, "a")
				So(s.Injected["a"], ShouldEqual, 1)
				So(s.CurrentState, ShouldEqual, "guarded")
				So(s.Visited, ShouldResemble, []string{"guarded"})
			})
		})
	})
}
