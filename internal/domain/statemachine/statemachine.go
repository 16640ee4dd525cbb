// Package statemachine advances the hidden patient state.
//
// Advance is a pure function of (current state, signals): outgoing
// transitions are tried in (priority, declaration) order and the first whose
// trigger matches is taken. No randomness enters this package.
package statemachine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/types"
)

// Sentinel errors.
var (
	ErrUnknownTransition = errors.New("unknown transition")
	ErrUnknownState      = errors.New("unknown state")
	ErrTerminalState     = errors.New("state is terminal")
)

// RiskSignal is the part of a risk event the machine reasons about.
type RiskSignal struct {
	Rule     string
	Severity types.Severity
}

// Signals is the union of everything observed during one turn.
type Signals struct {
	// Intents are the trainee-side classifier detections.
	Intents []string
	// Labels are the patient-side classifier detections on the model output.
	Labels []string
	// Risks are the non-degraded risk events from both scans.
	Risks   []RiskSignal
	Rapport float64
}

// Escalation is the mandatory risk event implied by a risk-escalation edge.
type Escalation struct {
	Rule     string
	Severity types.Severity
}

// Outcome describes one advance.
type Outcome struct {
	From string
	To   string
	// Transition is the index of the taken edge in declaration order, -1 for a hold.
	Transition int
	Escalation *Escalation
	Terminal   bool
}

// Changed reports whether the state moved.
func (o Outcome) Changed() bool { return o.From != o.To }

type edge struct {
	index int
	t     casedef.Transition
}

type node struct {
	state casedef.State
	edges []edge
}

// Machine is the compiled state graph of a case. Safe for concurrent use.
type Machine struct {
	initial string
	nodes   map[string]*node
}

// New compiles the state graph of c. The case must already be validated.
func New(c *casedef.Case) (*Machine, error) {
	m := &Machine{initial: c.InitialState, nodes: make(map[string]*node, len(c.States))}
	for _, s := range c.States {
		n := &node{state: s}
		for i, t := range s.Transitions {
			n.edges = append(n.edges, edge{index: i, t: t})
		}
		sort.SliceStable(n.edges, func(a, b int) bool {
			return n.edges[a].t.Priority < n.edges[b].t.Priority
		})
		m.nodes[s.ID] = n
	}
	if _, ok := m.nodes[c.InitialState]; !ok {
		return nil, fmt.Errorf("%w: initial %q", ErrUnknownState, c.InitialState)
	}
	return m, nil
}

// Initial returns the initial state id.
func (m *Machine) Initial() string { return m.initial }

// Terminal reports whether id is a terminal state.
func (m *Machine) Terminal(id string) bool {
	n, ok := m.nodes[id]
	return ok && n.state.Terminal
}

// State returns the definition of id.
func (m *Machine) State(id string) (casedef.State, bool) {
	n, ok := m.nodes[id]
	if !ok {
		return casedef.State{}, false
	}
	return n.state, true
}

// Advance chooses the next state for current given sig.
func (m *Machine) Advance(current string, sig Signals) (Outcome, error) {
	n, ok := m.nodes[current]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownState, current)
	}
	if n.state.Terminal {
		return Outcome{}, fmt.Errorf("%w: %q", ErrTerminalState, current)
	}
	for _, e := range n.edges {
		if !Match(e.t.When, sig) {
			continue
		}
		out := Outcome{From: current, To: e.t.To, Transition: e.index, Terminal: m.Terminal(e.t.To)}
		if e.t.RiskEscalation {
			sev := e.t.EscalationSeverity
			if sev < types.SeverityElevated {
				sev = types.SeverityElevated
			}
			out.Escalation = &Escalation{Rule: EscalationRule(current, e.t.To), Severity: sev}
		}
		return out, nil
	}
	if n.state.Hold {
		return Outcome{From: current, To: current, Transition: -1}, nil
	}
	return Outcome{}, fmt.Errorf("%w: no trigger matched in state %q", ErrUnknownTransition, current)
}

// EscalationRule names the synthetic rule recorded for a risk-escalation edge.
func EscalationRule(from, to string) string {
	return "transition:" + from + "->" + to
}

// Match evaluates a trigger: every non-empty clause must hold.
func Match(t casedef.Trigger, sig Signals) bool {
	if t.Empty() {
		return false
	}
	if len(t.AnyIntent) > 0 && !intersects(t.AnyIntent, sig.Intents) {
		return false
	}
	if len(t.AllIntents) > 0 && !containsAll(sig.Intents, t.AllIntents) {
		return false
	}
	if len(t.AnyLabel) > 0 && !intersects(t.AnyLabel, sig.Labels) {
		return false
	}
	if len(t.AnyRisk) > 0 {
		names := make([]string, len(sig.Risks))
		for i, r := range sig.Risks {
			names[i] = r.Rule
		}
		if !intersects(t.AnyRisk, names) {
			return false
		}
	}
	if t.MinSeverity > types.SeverityNone {
		found := false
		for _, r := range sig.Risks {
			if r.Severity >= t.MinSeverity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if t.MinRapport != nil && sig.Rapport < *t.MinRapport {
		return false
	}
	return true
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !intersects([]string{w}, have) {
			return false
		}
	}
	return true
}
