// Package risk evaluates a case's risk rules against utterances.
//
// Rules are tagged variants (pattern, classifier, composite) compiled once per
// case and evaluated through Rule.evaluate. A Monitor runs all applicable
// rules of a scan concurrently and joins on every result before returning.
package risk

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/types"
)

// Kind is the variant tag of a compiled rule.
type Kind int

const (
	KindPattern Kind = iota + 1
	KindClassifier
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindPattern:
		return casedef.KindPattern
	case KindClassifier:
		return casedef.KindClassifier
	case KindComposite:
		return casedef.KindComposite
	}
	return "unknown"
}

// Rule is a compiled risk rule.
type Rule struct {
	Name     string
	Kind     Kind
	Severity types.Severity
	sources  []types.Source

	re *regexp.Regexp

	classifier string
	threshold  float64

	allOf []int
	anyOf []int
}

// Applies reports whether the rule scans text from src.
func (r *Rule) Applies(src types.Source) bool {
	if len(r.sources) == 0 {
		return src == types.SourceTrainee || src == types.SourceModel
	}
	for _, s := range r.sources {
		if s == src {
			return true
		}
	}
	return false
}

// verdict is the outcome of one rule on one text.
type verdict struct {
	matched bool
	span    string
	score   float64
	err     error
}

// evaluateLeaf runs a pattern or classifier rule.
func (r *Rule) evaluateLeaf(ctx context.Context, text string, scorer Scorer) verdict {
	switch r.Kind {
	case KindPattern:
		loc := r.re.FindStringIndex(text)
		if loc == nil {
			return verdict{}
		}
		return verdict{matched: true, span: text[loc[0]:loc[1]]}
	case KindClassifier:
		if scorer == nil {
			return verdict{err: fmt.Errorf("%w: no scorer for %s", ErrUnknownClassifier, r.classifier)}
		}
		s, err := scorer.Score(ctx, r.classifier, text)
		if err != nil {
			return verdict{err: err}
		}
		if s >= r.threshold {
			return verdict{matched: true, score: s, span: fmt.Sprintf("%s=%.2f", r.classifier, s)}
		}
		return verdict{score: s}
	default:
		return verdict{err: fmt.Errorf("rule %s: %s is not a leaf rule", r.Name, r.Kind)}
	}
}

// evaluateComposite combines child verdicts with three-valued logic: a
// degraded child makes the result unknown unless the known children decide it.
func (r *Rule) evaluateComposite(rules []Rule, results []verdict) verdict {
	var matchedNames, degradedNames []string

	allKnown, allTrue := true, true
	for _, i := range r.allOf {
		v := results[i]
		switch {
		case v.err != nil:
			allKnown = false
			degradedNames = append(degradedNames, rules[i].Name)
		case v.matched:
			matchedNames = append(matchedNames, rules[i].Name)
		default:
			allTrue = false
		}
	}

	anyKnown, anyTrue := true, false
	for _, i := range r.anyOf {
		v := results[i]
		switch {
		case v.err != nil:
			anyKnown = false
			degradedNames = append(degradedNames, rules[i].Name)
		case v.matched:
			anyTrue = true
			matchedNames = append(matchedNames, rules[i].Name)
		}
	}

	allPart := tri(allKnown || !allTrue, allTrue && allKnown)
	if len(r.allOf) == 0 {
		allPart = triTrue
	}
	anyPart := tri(anyKnown || anyTrue, anyTrue)
	if len(r.anyOf) == 0 {
		anyPart = triTrue
	}

	switch {
	case allPart == triFalse || anyPart == triFalse:
		return verdict{}
	case allPart == triTrue && anyPart == triTrue:
		return verdict{matched: true, span: strings.Join(matchedNames, "+")}
	default:
		return verdict{err: fmt.Errorf("%w: children %s", ErrRuleEvaluationDegraded, strings.Join(degradedNames, ","))}
	}
}

type triState int

const (
	triUnknown triState = iota
	triFalse
	triTrue
)

func tri(known, value bool) triState {
	switch {
	case !known:
		return triUnknown
	case value:
		return triTrue
	default:
		return triFalse
	}
}

// RuleSet is the compiled rule set of one case. It is immutable and safe to share.
type RuleSet struct {
	rules []Rule
	// order lists composite rule indexes so that children precede parents.
	order []int
}

// Compile builds the rule set of a validated case.
func Compile(c *casedef.Case) (*RuleSet, error) {
	byName := make(map[string]int, len(c.RiskRules))
	for i, def := range c.RiskRules {
		byName[def.Name] = i
	}
	rs := &RuleSet{rules: make([]Rule, len(c.RiskRules))}
	for i, def := range c.RiskRules {
		r := Rule{Name: def.Name, Severity: def.Severity, sources: def.Sources}
		switch def.Kind {
		case casedef.KindPattern:
			re, err := regexp.Compile(casedef.PatternExpr(def))
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s: %w", casedef.ErrInvalidCaseDefinition, def.Name, err)
			}
			r.Kind, r.re = KindPattern, re
		case casedef.KindClassifier:
			r.Kind, r.classifier, r.threshold = KindClassifier, def.Classifier, def.Threshold
		case casedef.KindComposite:
			r.Kind = KindComposite
			for _, n := range def.AllOf {
				idx, ok := byName[n]
				if !ok {
					return nil, fmt.Errorf("%w: rule %s: unknown child %s", casedef.ErrInvalidCaseDefinition, def.Name, n)
				}
				r.allOf = append(r.allOf, idx)
			}
			for _, n := range def.AnyOf {
				idx, ok := byName[n]
				if !ok {
					return nil, fmt.Errorf("%w: rule %s: unknown child %s", casedef.ErrInvalidCaseDefinition, def.Name, n)
				}
				r.anyOf = append(r.anyOf, idx)
			}
		default:
			return nil, fmt.Errorf("%w: rule %s: unknown kind %q", casedef.ErrInvalidCaseDefinition, def.Name, def.Kind)
		}
		rs.rules[i] = r
	}
	order, err := rs.topoComposites()
	if err != nil {
		return nil, err
	}
	rs.order = order
	return rs, nil
}

func (rs *RuleSet) topoComposites() ([]int, error) {
	state := make([]int, len(rs.rules))
	var order []int
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case 1:
			return fmt.Errorf("%w: composite rule %s is cyclic", casedef.ErrInvalidCaseDefinition, rs.rules[i].Name)
		case 2:
			return nil
		}
		state[i] = 1
		r := &rs.rules[i]
		for _, c := range append(append([]int{}, r.allOf...), r.anyOf...) {
			if rs.rules[c].Kind == KindComposite {
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		state[i] = 2
		order = append(order, i)
		return nil
	}
	for i := range rs.rules {
		if rs.rules[i].Kind == KindComposite {
			if err := visit(i); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// Rules returns the compiled rules in declaration order.
func (rs *RuleSet) Rules() []Rule { return rs.rules }

// Len returns the number of rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }
