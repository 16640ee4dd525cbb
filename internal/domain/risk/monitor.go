package risk

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/patientsim/internal/domain/types"
)

// Event is one risk signal raised by a scan.
type Event struct {
	Rule     string         `json:"rule"`
	Severity types.Severity `json:"severity"`
	Source   types.Source   `json:"source"`
	Span     string         `json:"span,omitempty"`
	Score    float64        `json:"score,omitempty"`
	// Degraded events carry severity none and the evaluation error.
	Degraded bool   `json:"degraded,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result is the outcome of one scan.
type Result struct {
	Events   []Event
	Elapsed  time.Duration
	Degraded int
}

// Max returns the highest severity among non-degraded events.
func (r Result) Max() types.Severity {
	maxSev := types.SeverityNone
	for _, e := range r.Events {
		if !e.Degraded && e.Severity > maxSev {
			maxSev = e.Severity
		}
	}
	return maxSev
}

// Critical reports whether any event is critical.
func (r Result) Critical() bool { return r.Max() == types.SeverityCritical }

// Option configures a Monitor.
type Option func(*Monitor)

// WithScorer sets the scorer used by classifier rules.
func WithScorer(s Scorer) Option {
	return func(m *Monitor) {
		if s != nil {
			m.scorer = s
		}
	}
}

// WithMaxConcurrency bounds the rule evaluations running at once.
func WithMaxConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.limit = n
		}
	}
}

// Monitor scans text against a compiled rule set.
type Monitor struct {
	rules  *RuleSet
	scorer Scorer
	limit  int
}

// NewMonitor creates a monitor over rs.
func NewMonitor(rs *RuleSet, opts ...Option) *Monitor {
	m := &Monitor{rules: rs, limit: runtime.NumCPU()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scan runs every rule that applies to src against text. Rules do not
// short-circuit each other; a failing rule yields a degraded event and the
// remaining rules still run. Events are returned in rule declaration order.
func (m *Monitor) Scan(ctx context.Context, text string, src types.Source) Result {
	start := time.Now()
	rules := m.rules.rules
	needed := m.needed(src)
	results := make([]verdict, len(rules))

	var g errgroup.Group
	g.SetLimit(m.limit)
	for i := range rules {
		if !needed[i] || rules[i].Kind == KindComposite {
			continue
		}
		g.Go(func() error {
			results[i] = m.safeLeaf(ctx, &rules[i], text)
			return nil
		})
	}
	// Goroutines never return errors; Wait is the join point.
	_ = g.Wait()

	for _, i := range m.rules.order {
		if needed[i] {
			results[i] = rules[i].evaluateComposite(rules, results)
		}
	}

	res := Result{}
	for i := range rules {
		r := &rules[i]
		if !r.Applies(src) {
			continue
		}
		v := results[i]
		switch {
		case v.err != nil:
			res.Degraded++
			res.Events = append(res.Events, Event{
				Rule: r.Name, Severity: types.SeverityNone, Source: src,
				Degraded: true, Error: v.err.Error(),
			})
		case v.matched:
			res.Events = append(res.Events, Event{
				Rule: r.Name, Severity: r.Severity, Source: src, Span: v.span, Score: v.score,
			})
		}
	}
	res.Elapsed = time.Since(start)
	return res
}

// needed marks applicable rules and every rule they depend on.
func (m *Monitor) needed(src types.Source) []bool {
	rules := m.rules.rules
	out := make([]bool, len(rules))
	var mark func(i int)
	mark = func(i int) {
		if out[i] {
			return
		}
		out[i] = true
		for _, c := range rules[i].allOf {
			mark(c)
		}
		for _, c := range rules[i].anyOf {
			mark(c)
		}
	}
	for i := range rules {
		if rules[i].Applies(src) {
			mark(i)
		}
	}
	return out
}

func (m *Monitor) safeLeaf(ctx context.Context, r *Rule, text string) (v verdict) {
	defer func() {
		if p := recover(); p != nil {
			v = verdict{err: fmt.Errorf("%w: %s: %v", ErrRulePanic, r.Name, p)}
		}
	}()
	return r.evaluateLeaf(ctx, text, m.scorer)
}
