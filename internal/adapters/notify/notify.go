// Package notify delivers critical risk alerts and report notices to
// supervisors.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/okian/patientsim/internal/domain/types"
	"github.com/okian/patientsim/pkg/logger"
)

// Alert is raised synchronously when a turn carries a critical risk event.
type Alert struct {
	SessionID string         `json:"session_id"`
	CaseID    string         `json:"case_id"`
	TurnIndex int            `json:"turn_index"`
	Rule      string         `json:"rule"`
	Severity  types.Severity `json:"severity"`
	Source    types.Source   `json:"source"`
	At        time.Time      `json:"at"`
}

// ReportNotice announces a finished evaluation.
type ReportNotice struct {
	SessionID     string   `json:"session_id"`
	CaseID        string   `json:"case_id"`
	RubricVersion string   `json:"rubric_version"`
	Overall       float64  `json:"overall"`
	OverallMax    float64  `json:"overall_max"`
	Flags         []string `json:"flags"`
	Digest        string   `json:"digest"`
}

// Notifier delivers supervisor-facing messages.
type Notifier interface {
	Alert(ctx context.Context, a Alert) error
	Report(ctx context.Context, n ReportNotice) error
}

// Log writes notices to the structured log.
type Log struct {
	log logger.Logger
}

// NewLog creates a log notifier.
func NewLog() *Log {
	return &Log{log: logger.Named("notify")}
}

// Alert implements Notifier.
func (l *Log) Alert(ctx context.Context, a Alert) error {
	l.log.Warn(ctx, "critical risk alert",
		logger.String("session_id", a.SessionID),
		logger.String("case_id", a.CaseID),
		logger.Int("turn_index", a.TurnIndex),
		logger.String("rule", a.Rule),
		logger.String("source", string(a.Source)))
	return nil
}

// Report implements Notifier.
func (l *Log) Report(ctx context.Context, n ReportNotice) error {
	l.log.Info(ctx, "evaluation report ready",
		logger.String("session_id", n.SessionID),
		logger.String("rubric_version", n.RubricVersion),
		logger.Float64("overall", n.Overall),
		logger.Float64("overall_max", n.OverallMax),
		logger.Any("flags", n.Flags))
	return nil
}

// Multi fans out to every notifier; all are attempted and errors are joined.
type Multi []Notifier

// Alert implements Notifier.
func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Report implements Notifier.
func (m Multi) Report(ctx context.Context, rn ReportNotice) error {
	var errs []error
	for _, n := range m {
		if err := n.Report(ctx, rn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
