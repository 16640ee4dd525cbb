// Package types contains common value types shared across the engine.
package types

import (
	"fmt"
	"strings"
)

// Severity is a totally ordered risk level: none < watch < elevated < critical.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWatch
	SeverityElevated
	SeverityCritical
)

var severityNames = [...]string{"none", "watch", "elevated", "critical"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool { return s >= other }

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range severityNames {
		if v == name {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", v)
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityNone || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Source identifies where a risk signal came from.
type Source string

const (
	SourceTrainee    Source = "trainee-input"
	SourceModel      Source = "model-output"
	SourceTransition Source = "state-transition"
)

// Valid reports whether the source is one of the known values.
func (s Source) Valid() bool {
	switch s {
	case SourceTrainee, SourceModel, SourceTransition:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
	StatusAborted SessionStatus = "aborted"
)

// CaseSummary is the public description of a loadable case.
type CaseSummary struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Title       string `json:"title"`
	PatientName string `json:"patient_name"`
	Diagnosis   string `json:"diagnosis,omitempty"`
}
