package orchestrator

import (
	"errors"

	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/prompt"
	"github.com/okian/patientsim/internal/domain/risk"
	"github.com/okian/patientsim/internal/domain/statemachine"
)

// Failure kinds surfaced by the engine.
var (
	// ErrModelUnavailable means the model call failed after every attempt; no turn was recorded.
	ErrModelUnavailable = errors.New("model unavailable")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrSessionAborted   = errors.New("session was aborted")
	ErrTurnInProgress   = errors.New("a turn is already in progress for this session")
	ErrCaseNotFound     = errors.New("case not found")
	ErrReportNotFound   = errors.New("report not found")
	ErrEmptyUtterance   = errors.New("utterance is empty")

	ErrInvalidCaseDefinition  = casedef.ErrInvalidCaseDefinition
	ErrUnknownTransition      = statemachine.ErrUnknownTransition
	ErrContextOverflow        = prompt.ErrContextOverflow
	ErrRuleEvaluationDegraded = risk.ErrRuleEvaluationDegraded
)
