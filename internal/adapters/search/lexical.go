// Package search implements grounding.Searcher: a lexical term-frequency
// cosine ranker and an embedding ranker.
package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/okian/patientsim/internal/domain/grounding"
)

var stopwords = map[string]bool{ //nolint:gochecknoglobals // read-only table
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"but": true, "by": true, "do": true, "for": true, "from": true, "has": true, "have": true,
	"he": true, "her": true, "his": true, "i": true, "in": true, "is": true, "it": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "she": true, "so": true,
	"that": true, "the": true, "their": true, "they": true, "this": true, "to": true,
	"was": true, "we": true, "were": true, "what": true, "with": true, "you": true, "your": true,
}

// Lexical ranks by cosine similarity of term-frequency vectors.
type Lexical struct{}

// NewLexical creates a lexical searcher.
func NewLexical() *Lexical { return &Lexical{} }

// Search scores every candidate against query. Zero-score candidates are
// omitted; ties keep candidate order.
func (l *Lexical) Search(ctx context.Context, query string, candidates []grounding.Candidate, k int) ([]grounding.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := termFreq(query)
	if len(q) == 0 {
		return nil, nil
	}
	hits := make([]grounding.Hit, 0, len(candidates))
	for _, c := range candidates {
		if s := cosineTF(q, termFreq(c.Text)); s > 0 {
			hits = append(hits, grounding.Hit{ID: c.ID, Score: s})
		}
	}
	return topK(hits, k), nil
}

// Tokens lower-cases text and splits it into words, dropping stopwords.
func Tokens(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := words[:0]
	for _, w := range words {
		w = strings.Trim(w, "'")
		if w != "" && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

func termFreq(text string) map[string]float64 {
	tf := map[string]float64{}
	for _, t := range Tokens(text) {
		tf[t]++
	}
	return tf
}

func cosineTF(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// iterate in sorted order so float summation is reproducible
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var dot float64
	for _, k := range keys {
		dot += a[k] * b[k]
	}
	return dot / (norm(a) * norm(b))
}

func norm(v map[string]float64) float64 {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += v[k] * v[k]
	}
	return math.Sqrt(sum)
}

func topK(hits []grounding.Hit, k int) []grounding.Hit {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
