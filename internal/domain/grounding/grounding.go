// Package grounding selects the case facts injected into a generation request.
//
// The candidate set for a state is closed under what the trainee has earned:
// facts tagged with the current state, facts tagged global, and facts tagged
// with states already visited in the session. Facts tagged only for unvisited
// states are never candidates, whatever the similarity service returns.
package grounding

import (
	"context"
	"sort"
	"strings"

	"github.com/okian/patientsim/internal/domain/casedef"
)

// Tier ranks candidate relevance; lower is better.
type Tier int

const (
	TierCurrent Tier = 1
	TierEarned  Tier = 2
)

// Candidate is a fact offered to the similarity service.
type Candidate struct {
	ID   string
	Text string
}

// Hit is one scored candidate.
type Hit struct {
	ID    string
	Score float64
}

// Searcher ranks candidates by similarity to a query. It may return fewer
// hits than candidates; unknown ids are ignored.
type Searcher interface {
	Search(ctx context.Context, query string, candidates []Candidate, k int) ([]Hit, error)
}

// Request is one retrieval.
type Request struct {
	State string
	// Visited lists states entered earlier in the session, current excluded or not.
	Visited []string
	// Dialogue is the recent exchange text used as the similarity query.
	Dialogue []string
	// Injected holds fact ids previously sent to the model in this session.
	Injected map[string]bool
	K        int
}

// Selected is a fact chosen for injection.
type Selected struct {
	Fact  casedef.Fact
	Tier  Tier
	Score float64
	Fresh bool
}

// Result is the ordered selection plus any degradation of the similarity step.
type Result struct {
	Facts    []Selected
	SearchOK bool
	Err      error
}

// IDs returns the selected fact ids in order.
func (r Result) IDs() []string {
	out := make([]string, len(r.Facts))
	for i, s := range r.Facts {
		out[i] = s.Fact.ID
	}
	return out
}

// Retriever selects facts from a case's grounding corpus.
type Retriever struct {
	corpus   []casedef.Fact
	searcher Searcher
}

// New creates a retriever over c's corpus. A nil searcher scores every candidate 0.
func New(c *casedef.Case, s Searcher) *Retriever {
	return &Retriever{corpus: c.Grounding, searcher: s}
}

type ranked struct {
	Selected
	order int
}

// Retrieve returns at most req.K facts ordered by tier, similarity,
// freshness and corpus order.
func (r *Retriever) Retrieve(ctx context.Context, req Request) Result {
	if req.K <= 0 {
		return Result{SearchOK: true}
	}
	earned := make(map[string]bool, len(req.Visited))
	for _, s := range req.Visited {
		earned[s] = true
	}

	var cands []ranked
	for i, f := range r.corpus {
		tier, ok := tierOf(f, req.State, earned)
		if !ok {
			continue
		}
		cands = append(cands, ranked{
			Selected: Selected{Fact: f, Tier: tier, Fresh: !req.Injected[f.ID]},
			order:    i,
		})
	}
	if len(cands) == 0 {
		return Result{SearchOK: true}
	}

	res := Result{SearchOK: true}
	if r.searcher != nil {
		offered := make([]Candidate, len(cands))
		for i, c := range cands {
			offered[i] = Candidate{ID: c.Fact.ID, Text: c.Fact.Text}
		}
		hits, err := r.searcher.Search(ctx, strings.Join(req.Dialogue, "\n"), offered, len(offered))
		if err != nil {
			res.SearchOK, res.Err = false, err
		} else {
			scores := make(map[string]float64, len(hits))
			for _, h := range hits {
				scores[h.ID] = h.Score
			}
			for i := range cands {
				cands[i].Score = scores[cands[i].Fact.ID]
			}
		}
	}

	sort.SliceStable(cands, func(a, b int) bool {
		x, y := cands[a], cands[b]
		if x.Tier != y.Tier {
			return x.Tier < y.Tier
		}
		if x.Score != y.Score {
			return x.Score > y.Score
		}
		if x.Fresh != y.Fresh {
			return x.Fresh
		}
		return x.order < y.order
	})

	if len(cands) > req.K {
		cands = cands[:req.K]
	}
	res.Facts = make([]Selected, len(cands))
	for i, c := range cands {
		res.Facts[i] = c.Selected
	}
	return res
}

// tierOf classifies a fact for the current state; ok is false for facts the
// trainee has not earned.
func tierOf(f casedef.Fact, current string, earned map[string]bool) (Tier, bool) {
	if f.TaggedFor(current) {
		return TierCurrent, true
	}
	if f.Global() {
		return TierEarned, true
	}
	for _, s := range f.States {
		if earned[s] {
			return TierEarned, true
		}
	}
	return 0, false
}
