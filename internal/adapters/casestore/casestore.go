// Package casestore loads case definitions from YAML, validates them and keeps
// the compiled, read-only form shared by every session.
package casestore

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/intent"
	"github.com/okian/patientsim/internal/domain/risk"
	"github.com/okian/patientsim/internal/domain/statemachine"
	"github.com/okian/patientsim/internal/domain/types"
	"github.com/okian/patientsim/pkg/logger"
)

//go:embed cases/*.yaml
var builtin embed.FS

// Compiled is a validated case with its derived, immutable evaluators.
type Compiled struct {
	Case    *casedef.Case
	Machine *statemachine.Machine
	Rules   *risk.RuleSet
	Trainee *intent.Classifier
	Patient *intent.Classifier
	Lexicon *risk.LexiconScorer
}

// Decode parses one case document. Unknown keys are rejected.
func Decode(r io.Reader) (*casedef.Case, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c casedef.Case
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", casedef.ErrInvalidCaseDefinition, err)
	}
	return &c, nil
}

// Compile validates c and builds its state machine, rule set and classifiers.
func Compile(c *casedef.Case) (*Compiled, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	m, err := statemachine.New(c)
	if err != nil {
		return nil, err
	}
	rs, err := risk.Compile(c)
	if err != nil {
		return nil, err
	}
	return &Compiled{
		Case:    c,
		Machine: m,
		Rules:   rs,
		Trainee: intent.New(c, casedef.SideTrainee),
		Patient: intent.New(c, casedef.SidePatient),
		Lexicon: risk.NewLexiconScorer(c),
	}, nil
}

// Registry holds every case known to the process. It is built once and then
// only read, so it needs no locking.
type Registry struct {
	cases  map[string]*Compiled
	failed map[string]error
	ids    []string
}

// Load reads the embedded cases, then any *.yaml/*.yml in dir, which override
// embedded cases with the same id. A broken case never aborts the load; it is
// recorded and reported by Get.
func Load(ctx context.Context, dir string, opts ...Option) (*Registry, error) {
	o := options{builtin: true}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.Named("casestore")
	r := &Registry{cases: map[string]*Compiled{}, failed: map[string]error{}}

	if o.builtin {
		if err := r.loadFS(ctx, builtin, "cases"); err != nil {
			return nil, err
		}
	}
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCasesDir, dir, err)
		}
		if err := r.loadFS(ctx, os.DirFS(dir), "."); err != nil {
			return nil, err
		}
	}
	for _, doc := range o.docs {
		r.add(ctx, doc.name, bytes.NewReader(doc.data))
	}

	for id, err := range r.failed {
		log.Error(ctx, "case refused to load", logger.String("case_id", id), logger.Error(err))
	}
	log.Info(ctx, "cases loaded", logger.Int("ok", len(r.cases)), logger.Int("failed", len(r.failed)))
	return r, nil
}

func (r *Registry) loadFS(ctx context.Context, fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCasesDir, err)
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		f, err := fsys.Open(path.Join(root, e.Name()))
		if err != nil {
			r.fail(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), err)
			continue
		}
		r.add(ctx, e.Name(), f)
		_ = f.Close()
	}
	return nil
}

// add decodes and compiles one document; name identifies it when the id cannot be read.
func (r *Registry) add(_ context.Context, name string, src io.Reader) {
	fallback := strings.TrimSuffix(name, filepath.Ext(name))
	c, err := Decode(src)
	if err != nil {
		r.fail(fallback, err)
		return
	}
	id := c.ID
	if id == "" {
		id = fallback
	}
	compiled, err := Compile(c)
	if err != nil {
		r.fail(id, err)
		return
	}
	delete(r.failed, id)
	if _, exists := r.cases[id]; !exists {
		r.ids = append(r.ids, id)
	}
	r.cases[id] = compiled
}

func (r *Registry) fail(id string, err error) {
	if _, ok := r.cases[id]; ok {
		delete(r.cases, id)
		for i, v := range r.ids {
			if v == id {
				r.ids = append(r.ids[:i], r.ids[i+1:]...)
				break
			}
		}
	}
	r.failed[id] = err
}

// Get returns the compiled case. A case that failed to load reports
// ErrInvalidCaseDefinition; an unknown id reports ErrCaseNotFound.
func (r *Registry) Get(id string) (*Compiled, error) {
	if c, ok := r.cases[id]; ok {
		return c, nil
	}
	if err, ok := r.failed[id]; ok {
		if !errors.Is(err, casedef.ErrInvalidCaseDefinition) {
			err = fmt.Errorf("%w: %v", casedef.ErrInvalidCaseDefinition, err)
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
}

// List returns summaries of the loadable cases ordered by id.
func (r *Registry) List() []types.CaseSummary {
	ids := append([]string(nil), r.ids...)
	sort.Strings(ids)
	out := make([]types.CaseSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.cases[id].Case.Summary())
	}
	return out
}

// Failures returns the load error of every refused case, keyed by id.
func (r *Registry) Failures() map[string]error {
	out := make(map[string]error, len(r.failed))
	for k, v := range r.failed {
		out[k] = v
	}
	return out
}

// Len is the number of loadable cases.
func (r *Registry) Len() int { return len(r.cases) }
