package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/okian/patientsim/internal/domain/session"
)

// Transcript renders a plain-text, speaker-labelled transcript of a session.
// Stage directions are kept; this is the supervisor view.
func (e *Engine) Transcript(ctx context.Context, sessionID string) (string, error) {
	s, err := e.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	title, patient := s.CaseID, "Patient"
	if comp, err := e.compiled(s.CaseID); err == nil {
		title = comp.Case.Title
		if comp.Case.Persona.Name != "" {
			patient = comp.Case.Persona.Name
		}
	} else if !errors.Is(err, ErrCaseNotFound) {
		return "", err
	}
	return RenderTranscript(s, title, patient), nil
}

// RenderTranscript formats s with the given case title and patient name.
func RenderTranscript(s *session.Session, title, patient string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case: %s (%s v%s)\n", title, s.CaseID, s.CaseVersion)
	fmt.Fprintf(&b, "Patient: %s\n", patient)
	fmt.Fprintf(&b, "Session: %s (%s, %d turns)\n", s.ID, s.Status, len(s.Turns))
	for _, t := range s.Turns {
		fmt.Fprintf(&b, "\n[%d] Trainee: %s\n", t.Index+1, t.TraineeUtterance)
		fmt.Fprintf(&b, "[%d] %s: %s\n", t.Index+1, patient, t.PatientUtterance)
		for _, ev := range t.RiskEvents {
			if ev.Degraded {
				fmt.Fprintf(&b, "    ! rule %s degraded: %s\n", ev.Rule, ev.Error)
				continue
			}
			fmt.Fprintf(&b, "    ! %s risk: %s (%s)\n", ev.Severity, ev.Rule, ev.Source)
		}
	}
	return b.String()
}
