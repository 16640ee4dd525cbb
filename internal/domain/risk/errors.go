package risk

import "errors"

// Sentinel error kinds for this package.
var (
	// ErrRuleEvaluationDegraded is recorded on degraded events; Scan never returns it.
	ErrRuleEvaluationDegraded = errors.New("rule evaluation degraded")
	ErrUnknownClassifier      = errors.New("unknown classifier")
	ErrRulePanic              = errors.New("rule evaluation panicked")
)
