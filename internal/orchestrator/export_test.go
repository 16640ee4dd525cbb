package orchestrator

// LockedSessions exposes the lock table size to the external tests.
func (e *Engine) LockedSessions() int { return e.lockedSessions() }
