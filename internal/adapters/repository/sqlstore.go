package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/okian/patientsim/internal/domain/evaluation"
	"github.com/okian/patientsim/internal/domain/session"
	"github.com/okian/patientsim/internal/domain/types"
	"github.com/okian/patientsim/pkg/metrics"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{ //nolint:gochecknoglobals // read-only DDL
	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		case_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		session_id TEXT PRIMARY KEY,
		digest     TEXT NOT NULL,
		body       TEXT NOT NULL
	)`,
}

// SQLStore persists sessions and reports as JSON documents in SQLite or Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open returns the store for driver. The memory driver ignores dsn.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(ctx, opts...), nil
	case DriverSQLite, DriverPostgres:
		return OpenSQL(ctx, driver, dsn, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// OpenSQL opens the database and creates the tables if needed.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if driver == DriverSQLite && !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// a single connection avoids write contention
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(o.maxOpenConns)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateSession implements Store.
func (s *SQLStore) CreateSession(ctx context.Context, sess *session.Session) error {
	defer observe("create_session", time.Now())
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (id, case_id, status, body, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		sess.ID, sess.CaseID, string(sess.Status), string(body), sess.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrConflict, sess.ID)
	}
	return nil
}

// SaveSession implements Store. The update only applies while the stored copy is active.
func (s *SQLStore) SaveSession(ctx context.Context, sess *session.Session) error {
	defer observe("save_session", time.Now())
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET status = ?, body = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(sess.Status), string(body), sess.UpdatedAt.UTC().Format(time.RFC3339Nano), sess.ID, string(types.StatusActive))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM sessions WHERE id = ?`), sess.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: session %s", ErrNotFound, sess.ID)
	}
	if err != nil {
		return fmt.Errorf("read session status: %w", err)
	}
	return fmt.Errorf("%w: session %s is %s", ErrSealed, sess.ID, status)
}

// GetSession implements Store.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	defer observe("get_session", time.Now())
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM sessions WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordErrorByComponent("repository", "not_found")
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptRecord, id, err)
	}
	if sess.Injected == nil {
		sess.Injected = map[string]int{}
	}
	return &sess, nil
}

// SaveReport implements Store.
func (s *SQLStore) SaveReport(ctx context.Context, r evaluation.Report) error {
	defer observe("save_report", time.Now())
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO reports (session_id, digest, body) VALUES (?, ?, ?) ON CONFLICT (session_id) DO NOTHING`),
		r.SessionID, r.Digest, string(body))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var digest string
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT digest FROM reports WHERE session_id = ?`), r.SessionID).Scan(&digest); err != nil {
		return fmt.Errorf("read report digest: %w", err)
	}
	if digest != r.Digest {
		return fmt.Errorf("%w: report for %s differs from the stored one", ErrConflict, r.SessionID)
	}
	return nil
}

// GetReport implements Store.
func (s *SQLStore) GetReport(ctx context.Context, sessionID string) (evaluation.Report, error) {
	defer observe("get_report", time.Now())
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM reports WHERE session_id = ?`), sessionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return evaluation.Report{}, fmt.Errorf("%w: report %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return evaluation.Report{}, fmt.Errorf("select report: %w", err)
	}
	var r evaluation.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return evaluation.Report{}, fmt.Errorf("%w: report %s: %v", ErrCorruptRecord, sessionID, err)
	}
	return r, nil
}

// CountSessions implements Store.
func (s *SQLStore) CountSessions(ctx context.Context) (map[types.SessionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()
	out := map[types.SessionStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[types.SessionStatus(status)] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
