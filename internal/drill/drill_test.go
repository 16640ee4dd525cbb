package drill

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/patientsim/internal/adapters/http/api"
	service "github.com/okian/patientsim/internal/app"
	"github.com/okian/patientsim/internal/config"
)

const crisisScript = `
case_id: intake-01
steps:
  - say: How have you been feeling about safety?
    banner: none
  - say: Are you planning to end your life?
    banner: critical
expect:
  ended: false
  min_scores:
    risk-assessment coverage: 10
`

func startServer(t *testing.T) *httptest.Server {
	ctx := context.Background()
	svc := service.New(config.New())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}
	eng, err := svc.Engine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(eng, svc.Deduper(), svc).Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Stop(ctx)
	})
	return srv
}

func TestParseScript(t *testing.T) {
	Convey("Given script documents", t, func() {
		Convey("A valid script parses", func() {
			s, err := ParseScript([]byte(crisisScript))
			So(err, ShouldBeNil)
			So(s.CaseID, ShouldEqual, "intake-01")
			So(s.Steps, ShouldHaveLength, 2)
			So(*s.Expect.Ended, ShouldBeFalse)
			So(s.Expect.MinScores["risk-assessment coverage"], ShouldEqual, 10)
		})

		Convey("Unknown fields, empty steps and bad banners are rejected", func() {
			for _, doc := range []string{
				"case_id: x\nsteps: [{say: hi}]\nbogus: 1\n",
				"case_id: x\nsteps: []\n",
				"steps: [{say: hi}]\n",
				"case_id: x\nsteps: [{say: hi, banner: severe}]\n",
				"case_id: x\nsteps: [{say: '  '}]\n",
			} {
				_, err := ParseScript([]byte(doc))
				So(errors.Is(err, ErrInvalidScript), ShouldBeTrue)
			}
		})

		Convey("The shipped script is valid", func() {
			s, err := LoadScript(filepath.Join("..", "..", "cmd", "drill", "scripts", "intake-crisis.yaml"))
			So(err, ShouldBeNil)
			So(s.CaseID, ShouldEqual, "intake-01")
		})
	})
}

func TestVerification(t *testing.T) {
	Convey("Given a graded report", t, func() {
		r := report{
			Domains: []domainScore{{Name: "rapport", Score: 2, Max: 4}},
			Flags:   []string{"critical-risk"},
		}
		yes := true

		Convey("Met expectations pass", func() {
			So(verifyReport(Expect{MinScores: map[string]float64{"rapport": 2}, Flags: []string{"critical-risk"}}, false, r), ShouldBeNil)
		})

		Convey("Every unmet expectation is reported", func() {
			err := verifyReport(Expect{
				Ended:     &yes,
				MinScores: map[string]float64{"rapport": 3, "missing": 1},
				Flags:     []string{"other"},
			}, false, r)
			So(errors.Is(err, ErrExpectation), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "ended = false")
			So(err.Error(), ShouldContainSubstring, `domain "rapport" scored 2.00`)
			So(err.Error(), ShouldContainSubstring, `no domain "missing"`)
			So(err.Error(), ShouldContainSubstring, `lacks flag "other"`)
		})

		Convey("Banner checks", func() {
			So(checkBanner(1, "", &banner{Severity: "watch"}), ShouldBeNil)
			So(checkBanner(1, BannerNone, nil), ShouldBeNil)
			So(checkBanner(1, BannerNone, &banner{Severity: "watch"}), ShouldNotBeNil)
			So(checkBanner(1, "critical", nil), ShouldNotBeNil)
			So(checkBanner(1, "critical", &banner{Severity: "elevated"}), ShouldNotBeNil)
			So(checkBanner(1, "critical", &banner{Severity: "critical"}), ShouldBeNil)
		})
	})
}

func TestRunAgainstServer(t *testing.T) {
	Convey("Given a running server with the scripted patient", t, func() {
		srv := startServer(t)
		ctx := context.Background()
		cfg := &Config{BaseURL: srv.URL, Sessions: 3, Timeout: 10 * time.Second}

		Convey("The crisis script passes in every session", func() {
			script, err := ParseScript([]byte(crisisScript))
			So(err, ShouldBeNil)

			stats, err := RunScript(ctx, cfg, script)
			So(err, ShouldBeNil)
			So(stats.SessionsPassed, ShouldEqual, 3)
			So(stats.Turns, ShouldEqual, 6)
			So(stats.Banners, ShouldEqual, 3)
		})

		Convey("A script with wrong expectations fails", func() {
			script, err := ParseScript([]byte(crisisScript))
			So(err, ShouldBeNil)
			script.Steps[1].Banner = BannerNone
			cfg.Sessions = 1

			stats, err := RunScript(ctx, cfg, script)
			So(errors.Is(err, ErrExpectation), ShouldBeTrue)
			So(stats.SessionsFailed, ShouldEqual, 1)
		})

		Convey("An unknown case fails at start", func() {
			cfg.Sessions = 1
			_, err := RunScript(ctx, cfg, &Script{CaseID: "nope", Steps: []Step{{Say: "hi"}}})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "case_not_found")
		})

		Convey("Run loads the script from disk", func() {
			path := filepath.Join(t.TempDir(), "s.yaml")
			So(os.WriteFile(path, []byte(crisisScript), 0o600), ShouldBeNil)
			cfg.Script = path
			cfg.Sessions = 1
			_, err := Run(ctx, cfg)
			So(err, ShouldBeNil)
		})
	})

	Convey("Given no server", t, func() {
		_, err := RunScript(context.Background(), &Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, &Script{CaseID: "x", Steps: []Step{{Say: "hi"}}})
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "health check")
	})
}
