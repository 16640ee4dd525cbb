package repository

import "time"

type options struct {
	metricsUpdateInterval time.Duration
	maxOpenConns          int
}

func defaultOptions() options {
	return options{metricsUpdateInterval: 5 * time.Second, maxOpenConns: 4}
}

// Option applies a configuration option to a store.
type Option func(*options)

// WithMetricsUpdateInterval sets the interval for background metrics updates.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.metricsUpdateInterval = interval
		}
	}
}

// WithMaxOpenConns bounds the SQL connection pool. SQLite always uses one.
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxOpenConns = n
		}
	}
}
