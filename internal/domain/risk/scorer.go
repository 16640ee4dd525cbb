package risk

import (
	"context"
	"fmt"

	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/intent"
)

// Scorer returns a probability-like score in [0,1] that text belongs to the
// named classifier. Implementations may call an external model and must honor ctx.
type Scorer interface {
	Score(ctx context.Context, classifier, text string) (float64, error)
}

// LexiconScorer scores classifier rules with the case's keyword classifiers.
type LexiconScorer struct {
	trainee *intent.Classifier
	patient *intent.Classifier
	aliases map[string]string
}

// LexiconOption configures a LexiconScorer.
type LexiconOption func(*LexiconScorer)

// WithAlias maps a classifier name used by rules onto a keyword classifier.
func WithAlias(rule, classifier string) LexiconOption {
	return func(s *LexiconScorer) {
		if rule != "" && classifier != "" {
			s.aliases[rule] = classifier
		}
	}
}

// NewLexiconScorer builds a scorer over both sides of the case's classifiers.
func NewLexiconScorer(c *casedef.Case, opts ...LexiconOption) *LexiconScorer {
	s := &LexiconScorer{
		trainee: intent.New(c, casedef.SideTrainee),
		patient: intent.New(c, casedef.SidePatient),
		aliases: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score looks the classifier up on the patient side first, then the trainee side.
func (s *LexiconScorer) Score(ctx context.Context, classifier, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	if alias, ok := s.aliases[classifier]; ok {
		classifier = alias
	}
	if v, ok := s.patient.Score(classifier, text); ok {
		return v, nil
	}
	if v, ok := s.trainee.Score(classifier, text); ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownClassifier, classifier)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, classifier, text string) (float64, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, classifier, text string) (float64, error) {
	return f(ctx, classifier, text)
}
