package drill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/patientsim/pkg/logger"
)

// Run replays the script in cfg.Sessions concurrent sessions and returns the
// joined failures of every session.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	script, err := LoadScript(cfg.Script)
	if err != nil {
		return nil, err
	}
	return RunScript(ctx, cfg, script)
}

// RunScript is Run with an already loaded script.
func RunScript(ctx context.Context, cfg *Config, script *Script) (*Stats, error) {
	log := logger.Named("drill")
	stats := &Stats{StartTime: time.Now()}
	sessions := max(cfg.Sessions, 1)

	log.Info(ctx, "starting drill",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("case", script.CaseID),
		logger.Int("steps", len(script.Steps)),
		logger.Int("sessions", sessions))

	c := newClient(cfg.BaseURL, cfg.Timeout)
	if err := c.health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range sessions {
		g.Go(func() error {
			res, err := replay(gctx, c, cfg, script, log)
			mu.Lock()
			defer mu.Unlock()
			stats.SessionsStarted++
			stats.Turns += res.turns
			stats.Banners += res.banners
			if err != nil {
				stats.SessionsFailed++
				errs = append(errs, fmt.Errorf("session %d (%s): %w", i+1, res.sessionID, err))
				return nil
			}
			stats.SessionsPassed++
			return nil
		})
	}
	_ = g.Wait()

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, log, stats)
	return stats, errors.Join(errs...)
}

type replayResult struct {
	sessionID string
	turns     int
	banners   int
}

func replay(ctx context.Context, c *client, cfg *Config, script *Script, log logger.Logger) (replayResult, error) {
	var res replayResult
	st, err := c.start(ctx, script.CaseID)
	if err != nil {
		return res, fmt.Errorf("start: %w", err)
	}
	res.sessionID = st.SessionID

	var bannerErrs []error
	ended := false
	for i, step := range script.Steps {
		turn, err := c.say(ctx, st.SessionID, step.Say)
		if err != nil {
			return res, fmt.Errorf("step %d: %w", i+1, err)
		}
		res.turns++
		if turn.RiskBanner != nil {
			res.banners++
		}
		if cfg.Verbose {
			log.Info(ctx, "patient replied",
				logger.String("session_id", st.SessionID),
				logger.Int("turn", turn.TurnIndex),
				logger.String("reply", turn.PatientUtterance))
		}
		if err := checkBanner(i+1, step.Banner, turn.RiskBanner); err != nil {
			bannerErrs = append(bannerErrs, err)
		}
		if turn.Ended {
			ended = true
			break
		}
	}

	r, err := c.end(ctx, st.SessionID)
	if err != nil {
		return res, fmt.Errorf("end: %w", err)
	}
	log.Info(ctx, "session graded",
		logger.String("session_id", st.SessionID),
		logger.String("final_state", r.FinalState),
		logger.Float64("overall", r.Overall),
		logger.Float64("overall_max", r.OverallMax))

	return res, errors.Join(append(bannerErrs, verifyReport(script.Expect, ended, r))...)
}

func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	log.Info(ctx, "final statistics",
		logger.Int("sessionsStarted", stats.SessionsStarted),
		logger.Int("sessionsPassed", stats.SessionsPassed),
		logger.Int("sessionsFailed", stats.SessionsFailed),
		logger.Int("turns", stats.Turns),
		logger.Int("banners", stats.Banners),
		logger.String("duration", stats.Duration.String()))
}
