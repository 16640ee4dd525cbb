package casedef

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/okian/patientsim/internal/domain/types"
)

// Validate checks graph connectivity and reference integrity. All problems are
// collected; a non-nil result is always a *ValidationError.
func (c *Case) Validate() error {
	v := &validator{c: c}
	v.identity()
	v.states()
	v.reachability()
	v.classifiers()
	v.transitions()
	v.grounding()
	v.riskRules()
	v.rubric()
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{CaseID: c.ID, Problems: v.problems}
}

type validator struct {
	c        *Case
	problems []string

	stateIDs map[string]State
	trainee  map[string]bool
	patient  map[string]bool
	ruleIDs  map[string]RiskRule
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) identity() {
	if v.c.ID == "" {
		v.addf("case id is empty")
	}
	if v.c.Version == "" {
		v.addf("case version is empty")
	}
	if v.c.Persona.Name == "" {
		v.addf("persona name is empty")
	}
	names := make([]string, 0, len(v.c.Persona.Traits))
	for name := range v.c.Persona.Traits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if val := v.c.Persona.Traits[name]; val < 0 || val > 10 {
			v.addf("trait %s=%.2f outside [0,10]", name, val)
		}
	}
}

func (v *validator) states() {
	v.stateIDs = make(map[string]State, len(v.c.States))
	if len(v.c.States) == 0 {
		v.addf("no states declared")
	}
	for _, s := range v.c.States {
		if s.ID == "" {
			v.addf("state with empty id")
			continue
		}
		if s.ID == GlobalTag {
			v.addf("state id %q is reserved", GlobalTag)
		}
		if _, dup := v.stateIDs[s.ID]; dup {
			v.addf("duplicate state %s", s.ID)
			continue
		}
		v.stateIDs[s.ID] = s
		switch {
		case s.Terminal && len(s.Transitions) > 0:
			v.addf("terminal state %s has outgoing transitions", s.ID)
		case s.Terminal && s.Hold:
			v.addf("terminal state %s cannot hold", s.ID)
		case !s.Terminal && !s.Hold && len(s.Transitions) == 0:
			v.addf("state %s has no transitions and is neither terminal nor hold", s.ID)
		}
	}
	if _, ok := v.stateIDs[v.c.InitialState]; !ok {
		v.addf("initial state %q is not declared", v.c.InitialState)
	}
}

// reachability walks the graph breadth-first from the initial state.
func (v *validator) reachability() {
	if _, ok := v.stateIDs[v.c.InitialState]; !ok {
		return
	}
	seen := map[string]bool{v.c.InitialState: true}
	queue := []string{v.c.InitialState}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range v.stateIDs[cur].Transitions {
			if _, ok := v.stateIDs[t.To]; ok && !seen[t.To] {
				seen[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	for _, s := range v.c.States {
		if s.ID != "" && !seen[s.ID] {
			v.addf("state %s is unreachable from %s", s.ID, v.c.InitialState)
		}
	}
}

func (v *validator) classifiers() {
	v.trainee = map[string]bool{}
	v.patient = map[string]bool{}
	for _, cl := range v.c.Classifiers {
		if cl.Name == "" {
			v.addf("classifier with empty name")
			continue
		}
		if v.trainee[cl.Name] || v.patient[cl.Name] {
			v.addf("duplicate classifier %s", cl.Name)
			continue
		}
		if len(cl.Keywords) == 0 {
			v.addf("classifier %s has no keywords", cl.Name)
		}
		switch cl.AppliesTo {
		case SideTrainee:
			v.trainee[cl.Name] = true
		case SidePatient:
			v.patient[cl.Name] = true
			if cl.RapportWeight != 0 {
				v.addf("patient classifier %s cannot carry a rapport weight", cl.Name)
			}
		default:
			v.addf("classifier %s applies_to %q must be trainee or patient", cl.Name, cl.AppliesTo)
		}
	}
}

func (v *validator) transitions() {
	// rule names are needed before riskRules runs its own checks
	v.ruleIDs = make(map[string]RiskRule, len(v.c.RiskRules))
	for _, r := range v.c.RiskRules {
		if _, dup := v.ruleIDs[r.Name]; !dup && r.Name != "" {
			v.ruleIDs[r.Name] = r
		}
	}
	for _, s := range v.c.States {
		for i, t := range s.Transitions {
			where := fmt.Sprintf("state %s transition %d", s.ID, i)
			if _, ok := v.stateIDs[t.To]; !ok {
				v.addf("%s targets undeclared state %q", where, t.To)
			}
			if t.To == s.ID && !s.Hold {
				v.addf("%s is a self-loop; use hold: true instead", where)
			}
			if t.When.Empty() {
				v.addf("%s has an empty trigger", where)
			}
			for _, name := range append(append([]string{}, t.When.AnyIntent...), t.When.AllIntents...) {
				if !v.trainee[name] {
					v.addf("%s references unknown trainee classifier %q", where, name)
				}
			}
			for _, name := range t.When.AnyLabel {
				if !v.patient[name] {
					v.addf("%s references unknown patient classifier %q", where, name)
				}
			}
			for _, name := range t.When.AnyRisk {
				if _, ok := v.ruleIDs[name]; !ok {
					v.addf("%s references unknown risk rule %q", where, name)
				}
			}
			if r := t.When.MinRapport; r != nil && (*r < 0 || *r > 10) {
				v.addf("%s min_rapport %.2f outside [0,10]", where, *r)
			}
			if !t.RiskEscalation && t.EscalationSeverity != types.SeverityNone {
				v.addf("%s sets escalation_severity without risk_escalation", where)
			}
		}
	}
}

func (v *validator) grounding() {
	seen := map[string]bool{}
	for _, f := range v.c.Grounding {
		if f.ID == "" {
			v.addf("grounding fact with empty id")
			continue
		}
		if seen[f.ID] {
			v.addf("duplicate grounding fact %s", f.ID)
		}
		seen[f.ID] = true
		if f.Text == "" {
			v.addf("grounding fact %s has no text", f.ID)
		}
		if len(f.States) == 0 {
			v.addf("grounding fact %s has no state tags", f.ID)
		}
		for _, tag := range f.States {
			if _, ok := v.stateIDs[tag]; !ok && tag != GlobalTag {
				v.addf("grounding fact %s tagged with undeclared state %q", f.ID, tag)
			}
		}
	}
}

func (v *validator) riskRules() {
	seen := map[string]bool{}
	for _, r := range v.c.RiskRules {
		if r.Name == "" {
			v.addf("risk rule with empty name")
			continue
		}
		if seen[r.Name] {
			v.addf("duplicate risk rule %s", r.Name)
			continue
		}
		seen[r.Name] = true
		if r.Severity < types.SeverityWatch || r.Severity > types.SeverityCritical {
			v.addf("risk rule %s severity must be watch, elevated or critical", r.Name)
		}
		for _, src := range r.Sources {
			if src != types.SourceTrainee && src != types.SourceModel {
				v.addf("risk rule %s has invalid source %q", r.Name, src)
			}
		}
		switch r.Kind {
		case KindPattern:
			if r.Pattern == "" {
				v.addf("pattern rule %s has no pattern", r.Name)
			} else if _, err := regexp.Compile(PatternExpr(r)); err != nil {
				v.addf("pattern rule %s does not compile: %v", r.Name, err)
			}
		case KindClassifier:
			if r.Classifier == "" {
				v.addf("classifier rule %s names no classifier", r.Name)
			}
			if r.Threshold <= 0 || r.Threshold > 1 {
				v.addf("classifier rule %s threshold %.2f outside (0,1]", r.Name, r.Threshold)
			}
		case KindComposite:
			if len(r.AllOf) == 0 && len(r.AnyOf) == 0 {
				v.addf("composite rule %s has no children", r.Name)
			}
			for _, child := range append(append([]string{}, r.AllOf...), r.AnyOf...) {
				if _, ok := v.ruleIDs[child]; !ok {
					v.addf("composite rule %s references unknown rule %q", r.Name, child)
				}
			}
		default:
			v.addf("risk rule %s has unknown kind %q", r.Name, r.Kind)
		}
	}
	v.compositeCycles()
}

// compositeCycles reports composite rules that reference themselves, directly or not.
func (v *validator) compositeCycles() {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var cyclic []string
	var visit func(name string) bool
	visit = func(name string) bool {
		switch color[name] {
		case grey:
			return true
		case black:
			return false
		}
		color[name] = grey
		r := v.ruleIDs[name]
		found := false
		for _, child := range append(append([]string{}, r.AllOf...), r.AnyOf...) {
			if _, ok := v.ruleIDs[child]; ok && visit(child) {
				found = true
			}
		}
		color[name] = black
		return found
	}
	for _, r := range v.c.RiskRules {
		if r.Kind == KindComposite && color[r.Name] == white && visit(r.Name) {
			cyclic = append(cyclic, r.Name)
		}
	}
	sort.Strings(cyclic)
	for _, name := range cyclic {
		v.addf("composite rule %s is part of a cycle", name)
	}
}

func (v *validator) rubric() {
	if v.c.Rubric.Version == "" {
		v.addf("rubric version is empty")
	}
	if len(v.c.Rubric.Domains) == 0 {
		v.addf("rubric has no domains")
	}
	seen := map[string]bool{}
	for _, d := range v.c.Rubric.Domains {
		if d.Name == "" {
			v.addf("rubric domain with empty name")
			continue
		}
		if seen[d.Name] {
			v.addf("duplicate rubric domain %s", d.Name)
		}
		seen[d.Name] = true
		if d.Max <= 0 {
			v.addf("rubric domain %s max must be positive", d.Name)
		}
		v.criterion(d)
	}
}

func (v *validator) criterion(d Domain) {
	cr := d.Criterion
	needIntents := func() {
		if len(cr.Intents) == 0 {
			v.addf("rubric domain %s criterion %s needs intents", d.Name, cr.Kind)
		}
	}
	switch cr.Kind {
	case CriterionProbeBeforeRisk:
		needIntents()
		if cr.Severity == types.SeverityNone && len(cr.States) == 0 {
			v.addf("rubric domain %s criterion %s needs a severity or states", d.Name, cr.Kind)
		}
	case CriterionIntentCoverage, CriterionAvoidIntents:
		needIntents()
	case CriterionIntentFrequency:
		needIntents()
		if cr.Target < 1 {
			v.addf("rubric domain %s criterion %s needs target >= 1", d.Name, cr.Kind)
		}
	case CriterionStateReached:
		if len(cr.States) == 0 {
			v.addf("rubric domain %s criterion %s needs states", d.Name, cr.Kind)
		}
	case CriterionFinalRapport:
		if cr.Target <= 0 || cr.Target > 10 {
			v.addf("rubric domain %s criterion %s target must be within (0,10]", d.Name, cr.Kind)
		}
	default:
		v.addf("rubric domain %s has unknown criterion %q", d.Name, cr.Kind)
		return
	}
	for _, name := range cr.Intents {
		if !v.trainee[name] {
			v.addf("rubric domain %s references unknown trainee classifier %q", d.Name, name)
		}
	}
	for _, s := range cr.States {
		if _, ok := v.stateIDs[s]; !ok {
			v.addf("rubric domain %s references undeclared state %q", d.Name, s)
		}
	}
}

// PatternExpr returns the RE2 expression a pattern rule compiles to.
func PatternExpr(r RiskRule) string {
	if r.CaseSensitive {
		return r.Pattern
	}
	return "(?i)" + r.Pattern
}
