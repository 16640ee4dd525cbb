// Package service assembles the session engine and its adapters from
// configuration and owns their lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/patientsim/internal/adapters/casestore"
	"github.com/okian/patientsim/internal/adapters/llm"
	"github.com/okian/patientsim/internal/adapters/mq/queue"
	"github.com/okian/patientsim/internal/adapters/mq/worker"
	"github.com/okian/patientsim/internal/adapters/notify"
	"github.com/okian/patientsim/internal/adapters/repository"
	"github.com/okian/patientsim/internal/adapters/search"
	"github.com/okian/patientsim/internal/adapters/tokenizer"
	"github.com/okian/patientsim/internal/config"
	"github.com/okian/patientsim/internal/domain/dedupe"
	"github.com/okian/patientsim/internal/orchestrator"
	"github.com/okian/patientsim/pkg/logger"
	"github.com/okian/patientsim/pkg/metrics"
)

// ErrNotStarted is returned by accessors used before Start.
var ErrNotStarted = errors.New("service not started")

// Service owns the engine, its store, the report queue and the notification workers.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// overrides, mostly for tests
	generator llm.Generator
	store     repository.Store
	notifier  notify.Notifier
	caseOpts  []casestore.Option

	// built by Start
	cases   *casestore.Registry
	db      repository.Store
	engine  *orchestrator.Engine
	deduper dedupe.Deduper
	queue   *queue.InMemoryQueue
	pool    *worker.Pool
	closers []func() error

	started bool
	logger  logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithGenerator replaces the configured patient generator.
func WithGenerator(g llm.Generator) Option {
	return func(s *Service) {
		s.generator = g
	}
}

// WithStore replaces the configured session store. The service does not close it.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		s.store = st
	}
}

// WithNotifier replaces the configured notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithCaseOptions passes options to the case loader.
func WithCaseOptions(opts ...casestore.Option) Option {
	return func(s *Service) {
		s.caseOpts = append(s.caseOpts, opts...)
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service; nil cfg selects config.New().
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds every component. On failure anything already opened is closed.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Named("service")
	}
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	cfg := s.cfg
	s.logger.Info(ctx, "starting patientsim service...")

	s.cases, err = casestore.Load(ctx, cfg.CasesDir, s.caseOpts...)
	if err != nil {
		return fmt.Errorf("load cases: %w", err)
	}
	for id, ferr := range s.cases.Failures() {
		s.logger.Warn(ctx, "case unavailable", logger.String("case_id", id), logger.Error(ferr))
	}

	store := s.store
	if store == nil {
		store, err = repository.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
	}

	var remote *llm.OpenAI
	if cfg.ModelProvider == "openai" {
		remote = llm.NewOpenAI(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName, llm.WithEmbedModel(cfg.EmbedModel))
	}
	gen := s.generator
	if gen == nil {
		if remote != nil {
			gen = remote
		} else {
			gen = llm.NewScripted(nil)
		}
	}

	counter, cerr := tokenizer.NewOrApprox(cfg.TokenizerEncoding)
	if cerr != nil {
		s.logger.Warn(ctx, "tokenizer unavailable, estimating token counts", logger.Error(cerr))
	}

	notifier, err := s.buildNotifier(ctx)
	if err != nil {
		return err
	}

	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(cfg.ReportQueueSize))
	s.pool = worker.NewPool(cfg.ReportWorkers, s.queue, notifier)
	// workers outlive the start context; Stop drains them
	s.pool.Start(context.WithoutCancel(ctx))

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize))

	opts := []orchestrator.Option{
		orchestrator.WithCounter(counter),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithReportQueue(s.queue),
		orchestrator.WithModelPolicy(cfg.ModelMaxAttempts,
			time.Duration(cfg.ModelTimeoutMS)*time.Millisecond,
			time.Duration(cfg.ModelRetryBackoffMS)*time.Millisecond),
		orchestrator.WithTemperature(cfg.ModelTemperature, cfg.ModelTemperatureJitter),
		orchestrator.WithGroundingK(cfg.GroundingK),
		orchestrator.WithHistoryWindow(cfg.HistoryWindowTurns),
		orchestrator.WithContextMaxTokens(cfg.ContextMaxTokens),
		orchestrator.WithRiskConcurrency(cfg.RiskMaxConcurrency),
		orchestrator.WithShowActions(cfg.ShowActions),
	}
	if cfg.SearchProvider == "embedding" && remote != nil {
		opts = append(opts, orchestrator.WithSearcher(search.NewEmbedding(remote)))
	} else {
		opts = append(opts, orchestrator.WithSearcher(search.NewLexical()))
	}
	if cfg.RiskClassifier == "model" && remote != nil {
		opts = append(opts, orchestrator.WithScorer(llm.NewScorer(remote)))
	}
	s.engine = orchestrator.New(s.cases, store, gen, opts...)
	s.db = store

	s.started = true
	s.logger.Info(ctx, "patientsim service started",
		logger.Int("cases", s.cases.Len()),
		logger.String("store", cfg.StoreDriver),
		logger.String("model", cfg.ModelProvider),
		logger.String("search", cfg.SearchProvider),
		logger.Int("report_workers", s.pool.Size()),
	)
	return nil
}

func (s *Service) buildNotifier(ctx context.Context) (notify.Notifier, error) {
	if s.notifier != nil {
		return s.notifier, nil
	}
	if s.cfg.RedisAddr == "" {
		return notify.NewLog(), nil
	}
	rdb, err := notify.NewRedis(ctx, s.cfg.RedisAddr, s.cfg.RedisAlertChannel, s.cfg.RedisReportChannel)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	s.closers = append(s.closers, rdb.Close)
	return notify.Multi{notify.NewLog(), rdb}, nil
}

// Stop drains pending report notifications and closes owned resources.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping patientsim service...")

	var errs []error
	if s.pool != nil {
		if err := s.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain report workers: %w", err))
		}
	}
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}
	s.started = false
	s.logger.Info(ctx, "patientsim service stopped")
	return errors.Join(errs...)
}

func (s *Service) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Engine returns the session engine.
func (s *Service) Engine() (*orchestrator.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.engine, nil
}

// Deduper returns the idempotency-key cache shared by the transports.
func (s *Service) Deduper() dedupe.Deduper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deduper
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":     s.started,
		"storeDriver": s.cfg.StoreDriver,
		"model":       s.cfg.ModelProvider,
	}
	if !s.started {
		return stats
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats["cases"] = s.cases.Len()
	stats["activeSessions"] = s.engine.ActiveSessions()
	stats["reportQueueLength"] = s.queue.Len()
	stats["reportWorkers"] = s.pool.Size()
	stats["dedupeSize"] = s.deduper.Size()

	counts, err := s.db.CountSessions(ctx)
	if err != nil {
		s.logger.Warn(ctx, "count sessions failed", logger.Error(err))
		metrics.RecordErrorByComponent("service", "count_sessions")
		return stats
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	stats["sessions"] = byStatus
	return stats
}
