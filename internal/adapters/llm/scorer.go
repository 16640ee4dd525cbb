package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/okian/patientsim/internal/domain/prompt"
)

var scoreValue = regexp.MustCompile(`[01](?:\.\d+)?`)

// Scorer answers classifier risk rules by asking the model for a 0..1 rating.
// It satisfies risk.Scorer.
type Scorer struct {
	gen Generator
}

// NewScorer wraps a generator.
func NewScorer(gen Generator) *Scorer {
	return &Scorer{gen: gen}
}

// Score rates how strongly text expresses classifier.
func (s *Scorer) Score(ctx context.Context, classifier, text string) (float64, error) {
	req := prompt.Request{
		Messages: []prompt.Message{
			{Role: prompt.RoleSystem, Content: fmt.Sprintf(
				"You rate clinical risk signals. Reply with a single number between 0 and 1 giving how strongly the text expresses %q. Reply with the number only.",
				classifier)},
			{Role: prompt.RoleUser, Content: text},
		},
	}
	out, err := s.gen.Generate(ctx, Call{Attempt: 1, Request: req})
	if err != nil {
		return 0, err
	}
	raw := scoreValue.FindString(out)
	if raw == "" {
		return 0, fmt.Errorf("%w: unparsable score %q", ErrUpstream, out)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: score %q out of range", ErrUpstream, raw)
	}
	return v, nil
}
