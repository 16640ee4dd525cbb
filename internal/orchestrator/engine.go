// Package orchestrator runs simulated patient sessions: it owns each
// session for the duration of the conversation, drives one turn at a time
// through risk scanning, grounding, generation and the state machine, and
// grades the sealed session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/patientsim/internal/adapters/casestore"
	"github.com/okian/patientsim/internal/adapters/llm"
	"github.com/okian/patientsim/internal/adapters/mq/queue"
	"github.com/okian/patientsim/internal/adapters/notify"
	"github.com/okian/patientsim/internal/adapters/repository"
	"github.com/okian/patientsim/internal/domain/evaluation"
	"github.com/okian/patientsim/internal/domain/grounding"
	"github.com/okian/patientsim/internal/domain/prompt"
	"github.com/okian/patientsim/internal/domain/rapport"
	"github.com/okian/patientsim/internal/domain/risk"
	"github.com/okian/patientsim/internal/domain/session"
	"github.com/okian/patientsim/internal/domain/types"
	"github.com/okian/patientsim/pkg/logger"
	"github.com/okian/patientsim/pkg/metrics"
)

const tracerName = "github.com/okian/patientsim/internal/orchestrator"

// Cases resolves compiled case definitions.
type Cases interface {
	Get(id string) (*casestore.Compiled, error)
	List() []types.CaseSummary
}

// ReportQueue accepts report notices for asynchronous delivery.
type ReportQueue interface {
	Enqueue(ctx context.Context, j queue.Job) error
}

// Started describes a newly created session.
type Started struct {
	SessionID   string `json:"session_id"`
	CaseID      string `json:"case_id"`
	CaseVersion string `json:"case_version"`
	Title       string `json:"title"`
	PatientName string `json:"patient_name"`
}

// Engine coordinates sessions. It is safe for concurrent use; turns of one
// session are serialized, different sessions proceed in parallel.
type Engine struct {
	cases    Cases
	store    repository.Store
	gen      llm.Generator
	searcher grounding.Searcher
	counter  prompt.Counter
	scorer   risk.Scorer
	notifier notify.Notifier
	reports  ReportQueue

	maxAttempts     int
	modelTimeout    time.Duration
	retryBackoff    time.Duration
	temperature     float64
	jitter          float64
	groundingK      int
	historyWindow   int
	maxTokens       int
	riskConcurrency int
	showActions     bool

	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	locks map[string]*sessionLock

	active atomic.Int64

	tracer trace.Tracer
	logger logger.Logger
}

// New creates an engine.
func New(cases Cases, store repository.Store, gen llm.Generator, opts ...Option) *Engine {
	e := &Engine{
		cases:  cases,
		store:  store,
		gen:    gen,
		locks:  make(map[string]*sessionLock),
		tracer: otel.Tracer(tracerName),
		logger: logger.Named("orchestrator"),
	}
	defaults(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListCases returns the loadable cases.
func (e *Engine) ListCases() []types.CaseSummary {
	return e.cases.List()
}

// ActiveSessions returns the number of sessions this process saw start and not yet seal.
func (e *Engine) ActiveSessions() int {
	return int(e.active.Load())
}

// StartSession creates an active session at the case's initial state.
func (e *Engine) StartSession(ctx context.Context, caseID string) (Started, error) {
	comp, err := e.compiled(caseID)
	if err != nil {
		return Started{}, err
	}
	c := comp.Case
	lvl := rapport.Initial(c)
	s := session.New(e.newID(), c.ID, c.Version, comp.Machine.Initial(), lvl.Rapport, lvl.Openness, e.now().UTC())
	if err := e.store.CreateSession(context.WithoutCancel(ctx), s); err != nil {
		return Started{}, fmt.Errorf("create session: %w", err)
	}

	metrics.RecordSession(string(types.StatusActive))
	metrics.UpdateSessionsActive(int(e.active.Add(1)))
	e.logger.Info(ctx, "session started",
		logger.String("session_id", s.ID),
		logger.String("case_id", c.ID),
		logger.String("case_version", c.Version))

	return Started{
		SessionID:   s.ID,
		CaseID:      c.ID,
		CaseVersion: c.Version,
		Title:       c.Title,
		PatientName: c.Persona.Name,
	}, nil
}

// EndSession seals an active session, grades it and stores the report.
// A session already ended by a terminal state is graded as is; a session
// that already has a report returns it unchanged.
func (e *Engine) EndSession(ctx context.Context, sessionID string) (evaluation.Report, error) {
	l := e.acquire(sessionID)
	l.Lock()
	defer e.release(sessionID, l)

	s, err := e.load(ctx, sessionID)
	if err != nil {
		return evaluation.Report{}, err
	}
	switch s.Status {
	case types.StatusAborted:
		return evaluation.Report{}, fmt.Errorf("%w: %s", ErrSessionAborted, sessionID)
	case types.StatusEnded:
		if r, err := e.store.GetReport(ctx, sessionID); err == nil {
			return r, nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return evaluation.Report{}, fmt.Errorf("load report: %w", err)
		}
	}

	comp, err := e.compiled(s.CaseID)
	if err != nil {
		return evaluation.Report{}, err
	}

	persist := context.WithoutCancel(ctx)
	if s.Active() {
		next := s.Clone()
		if err := next.Seal(e.now().UTC()); err != nil {
			return evaluation.Report{}, err
		}
		if err := e.store.SaveSession(persist, next); err != nil {
			return evaluation.Report{}, e.storeErr(sessionID, err)
		}
		s = next
		e.sealed(types.StatusEnded)
	}

	report, err := evaluation.Grade(s, comp.Case)
	if err != nil {
		return evaluation.Report{}, fmt.Errorf("grade %s: %w", sessionID, err)
	}
	if err := e.store.SaveReport(persist, report); err != nil {
		return evaluation.Report{}, fmt.Errorf("save report: %w", err)
	}
	metrics.RecordEvaluation(report.Percent())
	e.logger.Info(ctx, "session graded",
		logger.String("session_id", sessionID),
		logger.String("rubric_version", report.RubricVersion),
		logger.Float64("overall", report.Overall),
		logger.Float64("overall_max", report.OverallMax))

	e.enqueueReport(ctx, report)
	return report, nil
}

// AbortSession cancels an active session. An in-flight turn finishes its
// commit or discard first. Aborting an aborted session is a no-op.
func (e *Engine) AbortSession(ctx context.Context, sessionID string) error {
	l := e.acquire(sessionID)
	l.Lock()
	defer e.release(sessionID, l)

	s, err := e.load(ctx, sessionID)
	if err != nil {
		return err
	}
	switch s.Status {
	case types.StatusAborted:
		return nil
	case types.StatusEnded:
		return fmt.Errorf("%w: %s is ended", ErrSessionNotActive, sessionID)
	}
	next := s.Clone()
	if err := next.Abort(e.now().UTC()); err != nil {
		return err
	}
	if err := e.store.SaveSession(context.WithoutCancel(ctx), next); err != nil {
		return e.storeErr(sessionID, err)
	}
	e.sealed(types.StatusAborted)
	e.logger.Info(ctx, "session aborted", logger.String("session_id", sessionID), logger.Int("turns", len(next.Turns)))
	return nil
}

// GetSession returns the full recorded session for supervisors.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	return e.load(ctx, sessionID)
}

// Report returns the stored evaluation report of an ended session.
func (e *Engine) Report(ctx context.Context, sessionID string) (evaluation.Report, error) {
	r, err := e.store.GetReport(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		if _, lerr := e.load(ctx, sessionID); lerr != nil {
			return evaluation.Report{}, lerr
		}
		return evaluation.Report{}, fmt.Errorf("%w: %s", ErrReportNotFound, sessionID)
	}
	return r, err
}

func (e *Engine) compiled(caseID string) (*casestore.Compiled, error) {
	comp, err := e.cases.Get(caseID)
	switch {
	case err == nil:
		return comp, nil
	case errors.Is(err, casestore.ErrCaseNotFound):
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	default:
		return nil, err
	}
}

func (e *Engine) load(ctx context.Context, sessionID string) (*session.Session, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

func (e *Engine) storeErr(sessionID string, err error) error {
	switch {
	case errors.Is(err, repository.ErrSealed):
		return fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	default:
		return fmt.Errorf("save session: %w", err)
	}
}

func (e *Engine) sealed(status types.SessionStatus) {
	metrics.RecordSession(string(status))
	n := e.active.Add(-1)
	if n < 0 {
		// sessions started by an earlier process
		e.active.Store(0)
		n = 0
	}
	metrics.UpdateSessionsActive(int(n))
}

func (e *Engine) enqueueReport(ctx context.Context, r evaluation.Report) {
	if e.reports == nil {
		return
	}
	err := e.reports.Enqueue(context.WithoutCancel(ctx), queue.Job{
		SessionID:     r.SessionID,
		CaseID:        r.CaseID,
		RubricVersion: r.RubricVersion,
		Overall:       r.Overall,
		OverallMax:    r.OverallMax,
		Flags:         r.Flags,
		Digest:        r.Digest,
	})
	if err != nil {
		e.logger.Warn(ctx, "report notice dropped", logger.String("session_id", r.SessionID), logger.Error(err))
	}
}

// sessionLock serializes work on one session. refs counts the callers
// holding or waiting for it and is guarded by Engine.mu.
type sessionLock struct {
	sync.Mutex
	refs int
}

// acquire returns the session's lock with a reference taken. Pair it with
// release, or with drop when the lock was never taken.
func (e *Engine) acquire(sessionID string) *sessionLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		e.locks[sessionID] = l
	}
	l.refs++
	return l
}

// release unlocks l and drops the caller's reference. The entry is removed
// once nobody holds or waits for it.
func (e *Engine) release(sessionID string, l *sessionLock) {
	l.Unlock()
	e.drop(sessionID, l)
}

func (e *Engine) drop(sessionID string, l *sessionLock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, sessionID)
	}
}

// lockedSessions reports how many sessions currently have a lock entry.
func (e *Engine) lockedSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.locks)
}
