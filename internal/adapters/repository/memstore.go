package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/patientsim/internal/domain/evaluation"
	"github.com/okian/patientsim/internal/domain/session"
	"github.com/okian/patientsim/internal/domain/types"
	"github.com/okian/patientsim/pkg/metrics"
)

// MemoryStore keeps sessions and reports in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	reports  map[string]evaluation.Report
	closed   bool

	metricsUpdateInterval time.Duration
	stopChan              chan struct{}
	stopOnce              sync.Once
}

// NewMemoryStore creates an empty store and starts its metrics updater.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &MemoryStore{
		sessions:              map[string]*session.Session{},
		reports:               map[string]evaluation.Report{},
		metricsUpdateInterval: o.metricsUpdateInterval,
		stopChan:              make(chan struct{}),
	}
	s.startMetricsUpdater(ctx)
	return s
}

func (s *MemoryStore) startMetricsUpdater(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.updateMetrics()
			}
		}
	}()
}

func (s *MemoryStore) updateMetrics() {
	s.mu.RLock()
	n, r := len(s.sessions), len(s.reports)
	s.mu.RUnlock()
	metrics.UpdateStoreRecords("sessions", n)
	metrics.UpdateStoreRecords("reports", r)
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
}

// CreateSession implements Store.
func (s *MemoryStore) CreateSession(_ context.Context, sess *session.Session) error {
	defer observe("create_session", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: session %s", ErrConflict, sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// SaveSession implements Store.
func (s *MemoryStore) SaveSession(_ context.Context, sess *session.Session) error {
	defer observe("save_session", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sess.ID)
	}
	if cur.Sealed() {
		return fmt.Errorf("%w: session %s is %s", ErrSealed, sess.ID, cur.Status)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// GetSession implements Store.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	defer observe("get_session", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.sessions[id]
	if !ok {
		metrics.RecordErrorByComponent("repository", "not_found")
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return cur.Clone(), nil
}

// SaveReport implements Store.
func (s *MemoryStore) SaveReport(_ context.Context, r evaluation.Report) error {
	defer observe("save_report", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if prev, ok := s.reports[r.SessionID]; ok {
		if prev.Digest == r.Digest {
			return nil
		}
		return fmt.Errorf("%w: report for %s differs from the stored one", ErrConflict, r.SessionID)
	}
	s.reports[r.SessionID] = cloneReport(r)
	return nil
}

// GetReport implements Store.
func (s *MemoryStore) GetReport(_ context.Context, sessionID string) (evaluation.Report, error) {
	defer observe("get_report", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[sessionID]
	if !ok {
		return evaluation.Report{}, fmt.Errorf("%w: report %s", ErrNotFound, sessionID)
	}
	return cloneReport(r), nil
}

// CountSessions implements Store.
func (s *MemoryStore) CountSessions(_ context.Context) (map[types.SessionStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[types.SessionStatus]int{}
	for _, sess := range s.sessions {
		out[sess.Status]++
	}
	return out, nil
}

// Close stops the metrics updater. Further writes fail with ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// cloneReport keeps nil and empty slices distinct; the digest covers their JSON form.
func cloneReport(r evaluation.Report) evaluation.Report {
	r.Domains = cloneSlice(r.Domains)
	r.RiskEvents = cloneSlice(r.RiskEvents)
	r.Degradations = cloneSlice(r.Degradations)
	r.Flags = cloneSlice(r.Flags)
	return r
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	return append(make([]T, 0, len(in)), in...)
}
