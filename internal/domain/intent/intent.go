// Package intent detects interviewing techniques and patient content labels
// with the keyword classifiers declared by a case.
package intent

import (
	"strings"

	"github.com/okian/patientsim/internal/domain/casedef"
)

// Detection is a classifier that fired on an utterance.
type Detection struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight,omitempty"`
}

// Classifier scores utterances against one side of a case's classifiers.
type Classifier struct {
	side    string
	entries []entry
}

type entry struct {
	name     string
	weight   float64
	keywords []string
}

// New prepares the classifiers of c that apply to side (trainee or patient).
func New(c *casedef.Case, side string) *Classifier {
	cl := &Classifier{side: side}
	for _, def := range c.Classifiers {
		if def.AppliesTo != side {
			continue
		}
		kw := make([]string, len(def.Keywords))
		for i, k := range def.Keywords {
			kw[i] = strings.ToLower(k)
		}
		cl.entries = append(cl.entries, entry{name: def.Name, weight: def.RapportWeight, keywords: kw})
	}
	return cl
}

// Scores returns every classifier's score in declaration order, including zeros.
// A score is the share of keywords present in the text, capped at 1.
func (c *Classifier) Scores(text string) map[string]float64 {
	lower := strings.ToLower(text)
	out := make(map[string]float64, len(c.entries))
	for _, e := range c.entries {
		out[e.name] = score(lower, e.keywords)
	}
	return out
}

// Detect returns the classifiers with a positive score, in declaration order.
func (c *Classifier) Detect(text string) []Detection {
	lower := strings.ToLower(text)
	var out []Detection
	for _, e := range c.entries {
		if s := score(lower, e.keywords); s > 0 {
			out = append(out, Detection{Name: e.name, Score: s, Weight: e.weight})
		}
	}
	return out
}

// Score returns one classifier's score and whether the classifier exists.
func (c *Classifier) Score(name, text string) (float64, bool) {
	for _, e := range c.entries {
		if e.name == name {
			return score(strings.ToLower(text), e.keywords), true
		}
	}
	return 0, false
}

func score(lower string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			hits++
		}
	}
	s := float64(hits) / float64(len(keywords))
	if s > 1 {
		s = 1
	}
	return s
}

// Names returns the names of the detections, preserving order.
func Names(ds []Detection) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}
