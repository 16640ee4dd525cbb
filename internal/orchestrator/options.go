package orchestrator

import (
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/okian/patientsim/internal/adapters/notify"
	"github.com/okian/patientsim/internal/adapters/tokenizer"
	"github.com/okian/patientsim/internal/domain/grounding"
	"github.com/okian/patientsim/internal/domain/prompt"
	"github.com/okian/patientsim/internal/domain/risk"
)

const (
	defaultMaxAttempts      = 3
	defaultModelTimeout     = 20 * time.Second
	defaultRetryBackoff     = 250 * time.Millisecond
	defaultTemperature      = 0.7
	defaultTemperatureRange = 0.1
	defaultGroundingK       = 4
	defaultHistoryWindow    = 6
	defaultContextMaxTokens = 3000
)

// Option configures an Engine.
type Option func(*Engine)

// WithSearcher sets the similarity searcher used for grounding.
func WithSearcher(s grounding.Searcher) Option {
	return func(e *Engine) {
		e.searcher = s
	}
}

// WithCounter sets the token counter used for the context budget.
func WithCounter(c prompt.Counter) Option {
	return func(e *Engine) {
		if c != nil {
			e.counter = c
		}
	}
}

// WithScorer replaces the per-case lexicon scorer for classifier rules.
func WithScorer(s risk.Scorer) Option {
	return func(e *Engine) {
		e.scorer = s
	}
}

// WithNotifier sets where critical alerts go.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithReportQueue sets the queue that receives report notices.
func WithReportQueue(q ReportQueue) Option {
	return func(e *Engine) {
		e.reports = q
	}
}

// WithModelPolicy sets the attempt count, per-attempt timeout and the
// initial retry backoff, which doubles after every failed attempt.
func WithModelPolicy(attempts int, timeout, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
		if timeout > 0 {
			e.modelTimeout = timeout
		}
		if backoff >= 0 {
			e.retryBackoff = backoff
		}
	}
}

// WithTemperature sets the base temperature and the jitter bound.
func WithTemperature(base, jitter float64) Option {
	return func(e *Engine) {
		e.temperature = base
		if jitter >= 0 {
			e.jitter = jitter
		}
	}
}

// WithGroundingK caps the facts retrieved per turn.
func WithGroundingK(k int) Option {
	return func(e *Engine) {
		if k >= 0 {
			e.groundingK = k
		}
	}
}

// WithHistoryWindow sets how many recent exchanges are kept verbatim.
func WithHistoryWindow(turns int) Option {
	return func(e *Engine) {
		if turns >= 0 {
			e.historyWindow = turns
		}
	}
}

// WithContextMaxTokens bounds the assembled request.
func WithContextMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithRiskConcurrency bounds concurrent rule evaluations within one scan.
func WithRiskConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.riskConcurrency = n
		}
	}
}

// WithShowActions keeps *stage directions* in trainee-facing replies.
func WithShowActions(show bool) Option {
	return func(e *Engine) {
		e.showActions = show
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

func defaults(e *Engine) {
	e.counter = tokenizer.Approx{}
	e.notifier = notify.NewLog()
	e.maxAttempts = defaultMaxAttempts
	e.modelTimeout = defaultModelTimeout
	e.retryBackoff = defaultRetryBackoff
	e.temperature = defaultTemperature
	e.jitter = defaultTemperatureRange
	e.groundingK = defaultGroundingK
	e.historyWindow = defaultHistoryWindow
	e.maxTokens = defaultContextMaxTokens
	e.riskConcurrency = runtime.NumCPU()
	e.now = time.Now
	e.newID = uuid.NewString
}
