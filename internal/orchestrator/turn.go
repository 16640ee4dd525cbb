package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/patientsim/internal/adapters/casestore"
	"github.com/okian/patientsim/internal/adapters/llm"
	"github.com/okian/patientsim/internal/adapters/notify"
	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/grounding"
	"github.com/okian/patientsim/internal/domain/intent"
	"github.com/okian/patientsim/internal/domain/prompt"
	"github.com/okian/patientsim/internal/domain/rapport"
	"github.com/okian/patientsim/internal/domain/risk"
	"github.com/okian/patientsim/internal/domain/session"
	"github.com/okian/patientsim/internal/domain/statemachine"
	"github.com/okian/patientsim/internal/domain/types"
	"github.com/okian/patientsim/pkg/logger"
	"github.com/okian/patientsim/pkg/metrics"
)

// BannerMessage is shown to the trainee when a turn raised a critical risk event.
const BannerMessage = "Safety concern detected. Pause the interview and follow your risk protocol."

// RiskBanner is the trainee-facing safety signal of a turn.
type RiskBanner struct {
	Severity types.Severity `json:"severity"`
	Rules    []string       `json:"rules"`
	Message  string         `json:"message"`
}

// TurnResult is what the trainee sees after a turn. Hidden state stays internal.
type TurnResult struct {
	SessionID        string      `json:"session_id"`
	TurnIndex        int         `json:"turn_index"`
	PatientUtterance string      `json:"patient_utterance"`
	RiskBanner       *RiskBanner `json:"risk_banner,omitempty"`
	Ended            bool        `json:"ended"`
}

// SubmitUtterance runs one turn. The turn is recorded completely or not at
// all; a concurrent call for the same session fails with ErrTurnInProgress.
func (e *Engine) SubmitUtterance(ctx context.Context, sessionID, text string) (res TurnResult, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "turn", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() {
		metrics.RecordTurn(turnOutcome(err))
		metrics.RecordTurnLatency(float64(time.Since(start).Milliseconds()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(text) == "" {
		return TurnResult{}, ErrEmptyUtterance
	}

	l := e.acquire(sessionID)
	if !l.TryLock() {
		e.drop(sessionID, l)
		return TurnResult{}, fmt.Errorf("%w: %s", ErrTurnInProgress, sessionID)
	}
	defer e.release(sessionID, l)

	s, err := e.load(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	switch s.Status {
	case types.StatusActive:
	case types.StatusAborted:
		return TurnResult{}, fmt.Errorf("%w: %s", ErrSessionAborted, sessionID)
	default:
		return TurnResult{}, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, s.Status)
	}
	comp, err := e.compiled(s.CaseID)
	if err != nil {
		return TurnResult{}, err
	}

	t := &turn{e: e, comp: comp, s: s, idx: s.NextIndex(), text: text}
	span.SetAttributes(attribute.String("case.id", comp.Case.ID), attribute.Int("turn.index", t.idx))
	return t.run(ctx)
}

// turn holds the working set of one SubmitUtterance call.
type turn struct {
	e    *Engine
	comp *casestore.Compiled
	s    *session.Session
	idx  int
	text string

	alerted map[string]bool
}

func (t *turn) run(ctx context.Context) (TurnResult, error) {
	e, c, s := t.e, t.comp.Case, t.s
	monitor := e.monitor(t.comp)

	// 1. trainee input
	inScan := e.scan(ctx, monitor, t.text, types.SourceTrainee)
	t.alert(ctx, inScan.Events)

	detections := t.comp.Trainee.Detect(t.text)
	level := rapport.Level{Rapport: s.Rapport, Openness: s.Openness}.Apply(rapport.Delta(c.Persona, detections))

	// 2. grounding
	retrieved := grounding.New(c, e.searcher).Retrieve(ctx, grounding.Request{
		State:    s.CurrentState,
		Visited:  s.Visited,
		Dialogue: t.dialogue(),
		Injected: s.InjectedSet(),
		K:        e.groundingK,
	})
	if !retrieved.SearchOK {
		metrics.RecordErrorByComponent("grounding", "search_failed")
		e.logger.Warn(ctx, "similarity search failed, ranking by tier only",
			logger.String("session_id", s.ID), logger.Error(retrieved.Err))
	}
	facts := make([]casedef.Fact, len(retrieved.Facts))
	for i, f := range retrieved.Facts {
		facts[i] = f.Fact
	}

	// 3. context window
	state, _ := t.comp.Machine.State(s.CurrentState)
	req, err := prompt.Assemble(prompt.Input{
		Persona:     c.Persona,
		State:       state,
		Level:       level,
		Facts:       facts,
		History:     t.history(),
		Utterance:   t.text,
		Temperature: e.turnTemperature(s.ID, t.idx),
	}, prompt.Budget{MaxTokens: e.maxTokens, MaxTurns: e.historyWindow}, e.counter)
	if err != nil {
		e.logger.Error(ctx, "context assembly failed", logger.String("session_id", s.ID), logger.Error(err))
		return TurnResult{}, err
	}
	metrics.RecordContextTokens(req.TokenCount)
	metrics.RecordGroundingFacts(len(req.Facts))

	// 4. model
	reply, attempts, err := e.generate(ctx, llm.Call{
		SessionID: s.ID, TurnIndex: t.idx, State: s.CurrentState, Request: req,
	})
	if err != nil {
		e.logger.Warn(ctx, "turn aborted, nothing recorded",
			logger.String("session_id", s.ID), logger.Int("turn_index", t.idx),
			logger.Int("attempts", attempts), logger.Error(err))
		return TurnResult{}, err
	}

	// 5. model output
	outScan := e.scan(ctx, monitor, reply, types.SourceModel)
	labels := intent.Names(t.comp.Patient.Detect(reply))

	// 6. state machine
	sig := statemachine.Signals{
		Intents: intent.Names(detections),
		Labels:  labels,
		Risks:   riskSignals(inScan.Events, outScan.Events),
		Rapport: level.Rapport,
	}
	outcome, err := t.comp.Machine.Advance(s.CurrentState, sig)
	if err != nil {
		metrics.RecordErrorByComponent("orchestrator", "advance")
		e.logger.Error(ctx, "state machine refused to advance",
			logger.String("session_id", s.ID), logger.String("case_id", c.ID),
			logger.String("state", s.CurrentState), logger.Error(err))
		return TurnResult{}, fmt.Errorf("advance from %s: %w", s.CurrentState, err)
	}

	events := make([]session.RiskEvent, 0, len(inScan.Events)+len(outScan.Events)+1)
	events = appendEvents(events, inScan.Events)
	events = appendEvents(events, outScan.Events)
	if esc := outcome.Escalation; esc != nil {
		events = append(events, session.RiskEvent{Rule: esc.Rule, Severity: esc.Severity, Source: types.SourceTransition})
		metrics.RecordRiskEvent(esc.Severity.String(), string(types.SourceTransition))
	}
	t.alertSession(ctx, events)

	// 7. commit
	record := session.Turn{
		Index:            t.idx,
		TraineeUtterance: t.text,
		PatientUtterance: reply,
		Facts:            req.Facts,
		StateBefore:      outcome.From,
		StateAfter:       outcome.To,
		Intents:          detections,
		Labels:           labels,
		RiskEvents:       events,
		Rapport:          level.Rapport,
		Openness:         level.Openness,
		Attempts:         attempts,
		CreatedAt:        e.now().UTC(),
	}
	next := s.Clone()
	if err := next.Append(record, outcome.Terminal); err != nil {
		return TurnResult{}, fmt.Errorf("append turn: %w", err)
	}
	if err := e.store.SaveSession(context.WithoutCancel(ctx), next); err != nil {
		e.logger.Error(ctx, "turn commit failed", logger.String("session_id", s.ID), logger.Error(err))
		return TurnResult{}, e.storeErr(s.ID, err)
	}

	if outcome.Changed() {
		metrics.RecordStateTransition(c.ID, outcome.From, outcome.To)
	}
	if outcome.Terminal {
		e.sealed(types.StatusEnded)
	}
	e.logger.Debug(ctx, "turn recorded",
		logger.String("session_id", s.ID), logger.Int("turn_index", t.idx),
		logger.String("from", outcome.From), logger.String("to", outcome.To),
		logger.Int("facts", len(req.Facts)), logger.Int("risk_events", len(events)))

	out := TurnResult{
		SessionID:        s.ID,
		TurnIndex:        t.idx,
		PatientUtterance: reply,
		RiskBanner:       banner(events),
		Ended:            outcome.Terminal,
	}
	if !e.showActions {
		out.PatientUtterance = prompt.StripStageDirections(reply)
	}
	return out, nil
}

// dialogue is the similarity query: the recent window plus the new utterance.
func (t *turn) dialogue() []string {
	turns := t.s.Turns
	if len(turns) > t.e.historyWindow {
		turns = turns[len(turns)-t.e.historyWindow:]
	}
	out := make([]string, 0, 2*len(turns)+1)
	for _, tr := range turns {
		out = append(out, tr.TraineeUtterance, tr.PatientUtterance)
	}
	return append(out, t.text)
}

func (t *turn) history() []prompt.Exchange {
	out := make([]prompt.Exchange, len(t.s.Turns))
	for i, tr := range t.s.Turns {
		out[i] = prompt.Exchange{Trainee: tr.TraineeUtterance, Patient: tr.PatientUtterance}
	}
	return out
}

// alert publishes every critical event not yet published in this turn.
// Delivery failures are logged; they never fail the turn.
func (t *turn) alert(ctx context.Context, events []risk.Event) {
	converted := make([]session.RiskEvent, 0, len(events))
	t.alertSession(ctx, appendEvents(converted, events))
}

func (t *turn) alertSession(ctx context.Context, events []session.RiskEvent) {
	for _, ev := range events {
		if ev.Degraded || ev.Severity != types.SeverityCritical {
			continue
		}
		key := string(ev.Source) + "/" + ev.Rule
		if t.alerted[key] {
			continue
		}
		if t.alerted == nil {
			t.alerted = map[string]bool{}
		}
		t.alerted[key] = true

		err := t.e.notifier.Alert(context.WithoutCancel(ctx), notify.Alert{
			SessionID: t.s.ID,
			CaseID:    t.s.CaseID,
			TurnIndex: t.idx,
			Rule:      ev.Rule,
			Severity:  ev.Severity,
			Source:    ev.Source,
			At:        t.e.now().UTC(),
		})
		if err != nil {
			metrics.RecordCriticalAlert("failed")
			t.e.logger.Error(ctx, "critical alert delivery failed",
				logger.String("session_id", t.s.ID), logger.String("rule", ev.Rule), logger.Error(err))
			continue
		}
		metrics.RecordCriticalAlert("sent")
	}
}

func (e *Engine) monitor(comp *casestore.Compiled) *risk.Monitor {
	var scorer risk.Scorer = comp.Lexicon
	if e.scorer != nil {
		scorer = e.scorer
	}
	return risk.NewMonitor(comp.Rules, risk.WithScorer(scorer), risk.WithMaxConcurrency(e.riskConcurrency))
}

func (e *Engine) scan(ctx context.Context, m *risk.Monitor, text string, src types.Source) risk.Result {
	ctx, span := e.tracer.Start(ctx, "risk.scan", trace.WithAttributes(attribute.String("risk.source", string(src))))
	defer span.End()

	res := m.Scan(ctx, text, src)
	metrics.RecordRiskScanLatency(float64(res.Elapsed.Milliseconds()))
	for _, ev := range res.Events {
		if ev.Degraded {
			metrics.RecordRiskDegraded(ev.Rule)
			continue
		}
		metrics.RecordRiskEvent(ev.Severity.String(), string(ev.Source))
	}
	span.SetAttributes(attribute.Int("risk.events", len(res.Events)), attribute.Int("risk.degraded", res.Degraded))
	return res
}

// generate calls the model with bounded attempts. Every attempt carries the
// same turn index; only a successful reply leaves this function.
func (e *Engine) generate(ctx context.Context, call llm.Call) (string, int, error) {
	ctx, span := e.tracer.Start(ctx, "model.generate")
	defer span.End()

	backoff := e.retryBackoff
	var lastErr error
	attempt := 0
	for attempt < e.maxAttempts {
		attempt++
		call.Attempt = attempt

		actx, cancel := context.WithTimeout(ctx, e.modelTimeout)
		start := time.Now()
		text, err := e.gen.Generate(actx, call)
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()
		metrics.RecordModelLatency(float64(time.Since(start).Milliseconds()))

		if err == nil && strings.TrimSpace(text) == "" {
			err = llm.ErrEmptyResponse
		}
		if err == nil {
			metrics.RecordModelAttempt("ok")
			span.SetAttributes(attribute.Int("model.attempts", attempt))
			return text, attempt, nil
		}
		if timedOut && ctx.Err() == nil && !errors.Is(err, llm.ErrTimeout) {
			err = fmt.Errorf("%w: %v", llm.ErrTimeout, err)
		}
		metrics.RecordModelAttempt(attemptResult(err))
		e.logger.Warn(ctx, "model attempt failed",
			logger.String("session_id", call.SessionID), logger.Int("turn_index", call.TurnIndex),
			logger.Int("attempt", attempt), logger.Error(err))
		lastErr = err

		if ctx.Err() != nil || !llm.Retryable(err) || attempt == e.maxAttempts {
			break
		}
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
			case <-timer.C:
			}
			if ctx.Err() != nil {
				break
			}
			backoff *= 2
		}
	}
	span.SetAttributes(attribute.Int("model.attempts", attempt))
	span.SetStatus(codes.Error, lastErr.Error())
	return "", attempt, fmt.Errorf("%w after %d attempt(s): %w", ErrModelUnavailable, attempt, lastErr)
}

// turnTemperature adds a jitter drawn from a generator seeded by the session
// id and turn index, so retries and replays see the same value.
func (e *Engine) turnTemperature(sessionID string, idx int) float64 {
	if e.jitter == 0 {
		return e.temperature
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	r := rand.New(rand.NewPCG(h.Sum64(), uint64(idx))) //nolint:gosec // not security sensitive
	t := e.temperature + (r.Float64()*2-1)*e.jitter
	switch {
	case t < 0:
		return 0
	case t > 2:
		return 2
	}
	return t
}

func appendEvents(dst []session.RiskEvent, events []risk.Event) []session.RiskEvent {
	for _, ev := range events {
		dst = append(dst, session.RiskEvent{
			Rule:     ev.Rule,
			Severity: ev.Severity,
			Source:   ev.Source,
			Span:     ev.Span,
			Score:    ev.Score,
			Degraded: ev.Degraded,
			Error:    ev.Error,
		})
	}
	return dst
}

func riskSignals(scans ...[]risk.Event) []statemachine.RiskSignal {
	var out []statemachine.RiskSignal
	for _, events := range scans {
		for _, ev := range events {
			if !ev.Degraded {
				out = append(out, statemachine.RiskSignal{Rule: ev.Rule, Severity: ev.Severity})
			}
		}
	}
	return out
}

func banner(events []session.RiskEvent) *RiskBanner {
	var rules []string
	for _, ev := range events {
		if !ev.Degraded && ev.Severity == types.SeverityCritical {
			rules = append(rules, ev.Rule)
		}
	}
	if len(rules) == 0 {
		return nil
	}
	return &RiskBanner{Severity: types.SeverityCritical, Rules: rules, Message: BannerMessage}
}

func attemptResult(err error) string {
	switch {
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, llm.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, llm.ErrContentBlocked):
		return "content_blocked"
	case errors.Is(err, llm.ErrEmptyResponse):
		return "empty"
	case errors.Is(err, llm.ErrUpstream):
		return "upstream"
	default:
		return "error"
	}
}

func turnOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrTurnInProgress):
		return "busy"
	case errors.Is(err, ErrContextOverflow):
		return "context_overflow"
	case errors.Is(err, ErrUnknownTransition):
		return "unknown_transition"
	default:
		return "error"
	}
}
