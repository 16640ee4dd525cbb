// Package repository persists sessions and evaluation reports.
package repository

import (
	"context"

	"github.com/okian/patientsim/internal/domain/evaluation"
	"github.com/okian/patientsim/internal/domain/session"
	"github.com/okian/patientsim/internal/domain/types"
)

// Store provides durable access to sessions and their reports. Every method
// returns copies; callers never share memory with the store.
type Store interface {
	// CreateSession stores a new session. Returns ErrConflict if the id exists.
	CreateSession(ctx context.Context, s *session.Session) error

	// SaveSession replaces a stored session atomically. Returns ErrNotFound
	// if the session was never created and ErrSealed if the stored copy is sealed.
	SaveSession(ctx context.Context, s *session.Session) error

	// GetSession returns the session or ErrNotFound.
	GetSession(ctx context.Context, id string) (*session.Session, error)

	// SaveReport stores the report of a sealed session. A second report for
	// the same session is ignored if identical and ErrConflict otherwise.
	SaveReport(ctx context.Context, r evaluation.Report) error

	// GetReport returns the report for a session or ErrNotFound.
	GetReport(ctx context.Context, sessionID string) (evaluation.Report, error)

	// CountSessions returns the number of stored sessions by status.
	CountSessions(ctx context.Context) (map[types.SessionStatus]int, error)

	Close() error
}
