package casedef

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCaseDefinition marks a case that violates graph or reference integrity.
var ErrInvalidCaseDefinition = errors.New("invalid case definition")

// ValidationError lists every integrity problem found in one case.
type ValidationError struct {
	CaseID   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrInvalidCaseDefinition, e.CaseID, strings.Join(e.Problems, "; "))
}

// Unwrap lets errors.Is match ErrInvalidCaseDefinition.
func (e *ValidationError) Unwrap() error { return ErrInvalidCaseDefinition }
