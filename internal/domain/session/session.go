// Package session holds the recorded conversation: turns, risk events and
// lifecycle status. A Session value is owned by one orchestrator goroutine at
// a time; sealed sessions are never mutated.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/okian/patientsim/internal/domain/intent"
	"github.com/okian/patientsim/internal/domain/types"
)

// Sentinel errors.
var (
	ErrNotActive     = errors.New("session is not active")
	ErrTurnIndex     = errors.New("turn index out of sequence")
	ErrAlreadySealed = errors.New("session already sealed")
)

// RiskEvent is an immutable recorded risk signal.
type RiskEvent struct {
	TurnIndex int            `json:"turn_index"`
	Rule      string         `json:"rule"`
	Severity  types.Severity `json:"severity"`
	Source    types.Source   `json:"source"`
	Span      string         `json:"span,omitempty"`
	Score     float64        `json:"score,omitempty"`
	Degraded  bool           `json:"degraded,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Turn is one recorded exchange.
type Turn struct {
	Index            int                `json:"index"`
	TraineeUtterance string             `json:"trainee_utterance"`
	PatientUtterance string             `json:"patient_utterance"`
	Facts            []string           `json:"facts"`
	StateBefore      string             `json:"state_before"`
	StateAfter       string             `json:"state_after"`
	Intents          []intent.Detection `json:"intents,omitempty"`
	Labels           []string           `json:"labels,omitempty"`
	RiskEvents       []RiskEvent        `json:"risk_events,omitempty"`
	Rapport          float64            `json:"rapport"`
	Openness         float64            `json:"openness"`
	Attempts         int                `json:"attempts"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Session is the aggregate persisted per conversation.
type Session struct {
	ID           string              `json:"id"`
	CaseID       string              `json:"case_id"`
	CaseVersion  string              `json:"case_version"`
	CurrentState string              `json:"current_state"`
	Visited      []string            `json:"visited"`
	Status       types.SessionStatus `json:"status"`
	Rapport      float64             `json:"rapport"`
	Openness     float64             `json:"openness"`
	Turns        []Turn              `json:"turns"`
	RiskEvents   []RiskEvent         `json:"risk_events"`
	// Injected counts how often each fact id was sent to the model.
	Injected  map[string]int `json:"injected"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// New creates an active session positioned at the initial state.
func New(id, caseID, caseVersion, initial string, rapportLevel, openness float64, now time.Time) *Session {
	return &Session{
		ID:           id,
		CaseID:       caseID,
		CaseVersion:  caseVersion,
		CurrentState: initial,
		Visited:      []string{initial},
		Status:       types.StatusActive,
		Rapport:      rapportLevel,
		Openness:     openness,
		Turns:        []Turn{},
		RiskEvents:   []RiskEvent{},
		Injected:     map[string]int{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NextIndex is the index the next appended turn must carry.
func (s *Session) NextIndex() int { return len(s.Turns) }

// Active reports whether turns may still be appended.
func (s *Session) Active() bool { return s.Status == types.StatusActive }

// Sealed reports whether the session reached a final status.
func (s *Session) Sealed() bool { return s.Status != types.StatusActive }

// Append records a turn and its risk events and moves the session to the
// turn's resulting state. The turn index must equal NextIndex.
func (s *Session) Append(t Turn, ended bool) error {
	if !s.Active() {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, s.ID, s.Status)
	}
	if t.Index != s.NextIndex() {
		return fmt.Errorf("%w: got %d, want %d", ErrTurnIndex, t.Index, s.NextIndex())
	}
	t = t.clone()
	for i := range t.RiskEvents {
		t.RiskEvents[i].TurnIndex = t.Index
	}
	s.Turns = append(s.Turns, t)
	s.RiskEvents = append(s.RiskEvents, t.RiskEvents...)
	if t.StateAfter != s.CurrentState && !s.visited(t.StateAfter) {
		s.Visited = append(s.Visited, t.StateAfter)
	}
	s.CurrentState = t.StateAfter
	s.Rapport, s.Openness = t.Rapport, t.Openness
	for _, id := range t.Facts {
		s.Injected[id]++
	}
	s.UpdatedAt = t.CreatedAt
	if ended {
		s.Status = types.StatusEnded
	}
	return nil
}

func (s *Session) visited(state string) bool {
	for _, v := range s.Visited {
		if v == state {
			return true
		}
	}
	return false
}

// Seal ends an active session.
func (s *Session) Seal(now time.Time) error {
	if s.Sealed() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadySealed, s.ID, s.Status)
	}
	s.Status = types.StatusEnded
	s.UpdatedAt = now
	return nil
}

// Abort marks an active session as aborted.
func (s *Session) Abort(now time.Time) error {
	if s.Sealed() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadySealed, s.ID, s.Status)
	}
	s.Status = types.StatusAborted
	s.UpdatedAt = now
	return nil
}

// InjectedSet returns the ids of facts injected at least once.
func (s *Session) InjectedSet() map[string]bool {
	out := make(map[string]bool, len(s.Injected))
	for id, n := range s.Injected {
		if n > 0 {
			out[id] = true
		}
	}
	return out
}

// Clone returns a deep copy so a turn can be built without touching s.
func (s *Session) Clone() *Session {
	c := *s
	c.Visited = append([]string(nil), s.Visited...)
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		c.Turns[i] = t.clone()
	}
	c.RiskEvents = append([]RiskEvent{}, s.RiskEvents...)
	c.Injected = make(map[string]int, len(s.Injected))
	for k, v := range s.Injected {
		c.Injected[k] = v
	}
	return &c
}

func (t Turn) clone() Turn {
	t.Facts = append([]string(nil), t.Facts...)
	t.Intents = append([]intent.Detection(nil), t.Intents...)
	t.Labels = append([]string(nil), t.Labels...)
	t.RiskEvents = append([]RiskEvent(nil), t.RiskEvents...)
	return t
}

// Validate checks the structural invariants of a recorded session.
func (s *Session) Validate() error {
	events := 0
	for i, t := range s.Turns {
		if t.Index != i {
			return fmt.Errorf("%w: turn %d has index %d", ErrTurnIndex, i, t.Index)
		}
		if i > 0 && s.Turns[i-1].StateAfter != t.StateBefore {
			return fmt.Errorf("turn %d starts in %s but previous ended in %s", i, t.StateBefore, s.Turns[i-1].StateAfter)
		}
		events += len(t.RiskEvents)
	}
	if events != len(s.RiskEvents) {
		return fmt.Errorf("risk event log has %d entries, turns carry %d", len(s.RiskEvents), events)
	}
	return nil
}
