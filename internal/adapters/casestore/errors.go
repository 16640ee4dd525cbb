package casestore

import "errors"

// Sentinel kinds for case loading.
var (
	ErrCaseNotFound = errors.New("case not found")
	ErrCasesDir     = errors.New("cases directory unreadable")
)
