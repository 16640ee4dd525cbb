// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() initializer to build a Config with defaults.
// - Load layers a YAML file and PATIENTSIM_ environment variables on top.
// - Validate reports inconsistent values wrapped in ErrInvalidConfig.
package config

import (
	"fmt"
	"runtime"
	"strings"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the encoder: json or console.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// CasesDir optionally points at a directory of additional case YAML files.
	CasesDir string `koanf:"cases_dir"`

	// StoreDriver selects session persistence: memory, sqlite or postgres.
	StoreDriver string `koanf:"store_driver"`
	StoreDSN    string `koanf:"store_dsn"`

	// ModelProvider selects the patient generator: scripted or openai.
	ModelProvider       string  `koanf:"model_provider"`
	ModelBaseURL        string  `koanf:"model_base_url"`
	ModelAPIKey         string  `koanf:"model_api_key"`
	ModelName           string  `koanf:"model_name"`
	ModelTimeoutMS      int     `koanf:"model_timeout_ms"`
	ModelMaxAttempts    int     `koanf:"model_max_attempts"`
	ModelRetryBackoffMS int     `koanf:"model_retry_backoff_ms"`
	ModelTemperature    float64 `koanf:"model_temperature"`
	// ModelTemperatureJitter bounds the per-turn temperature variation.
	ModelTemperatureJitter float64 `koanf:"model_temperature_jitter"`

	// GroundingK caps the number of facts injected per turn.
	GroundingK int `koanf:"grounding_k"`

	// HistoryWindowTurns is the number of recent exchanges kept verbatim.
	HistoryWindowTurns int `koanf:"history_window_turns"`

	// ContextMaxTokens bounds the assembled generation request.
	ContextMaxTokens  int    `koanf:"context_max_tokens"`
	TokenizerEncoding string `koanf:"tokenizer_encoding"`

	// SearchProvider selects fact similarity ranking: lexical or embedding.
	SearchProvider string `koanf:"search_provider"`
	EmbedModel     string `koanf:"embed_model"`

	// RiskMaxConcurrency bounds rule evaluations running at once within a scan.
	RiskMaxConcurrency int `koanf:"risk_max_concurrency"`

	// RiskClassifier selects the scorer for classifier rules: lexicon or model.
	RiskClassifier string `koanf:"risk_classifier"`

	// Redis pub/sub notifications are enabled when RedisAddr is set.
	RedisAddr          string `koanf:"redis_addr"`
	RedisAlertChannel  string `koanf:"redis_alert_channel"`
	RedisReportChannel string `koanf:"redis_report_channel"`

	// ReportQueueSize bounds the in-memory report notification queue.
	ReportQueueSize int `koanf:"report_queue_size"`

	// ReportWorkers sets the number of report notification workers.
	ReportWorkers int `koanf:"report_workers"`

	// DedupeSize sets the size of the idempotency-key cache.
	DedupeSize int `koanf:"dedupe_size"`

	// ShowActions keeps *stage directions* in trainee-facing replies.
	ShowActions bool `koanf:"show_actions"`

	OTelEnabled     bool    `koanf:"otel_enabled"`
	OTelSampleRatio float64 `koanf:"otel_sample_ratio"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:               "info",
		LogFormat:              "json",
		Addr:                   ":9080",
		StoreDriver:            "memory",
		ModelProvider:          "scripted",
		ModelBaseURL:           "https://api.openai.com/v1",
		ModelName:              "gpt-4o-mini",
		ModelTimeoutMS:         20_000,
		ModelMaxAttempts:       3,
		ModelRetryBackoffMS:    250,
		ModelTemperature:       0.7,
		ModelTemperatureJitter: 0.1,
		GroundingK:             4,
		HistoryWindowTurns:     6,
		ContextMaxTokens:       3000,
		TokenizerEncoding:      "cl100k_base",
		SearchProvider:         "lexical",
		EmbedModel:             "text-embedding-3-small",
		RiskMaxConcurrency:     runtime.NumCPU(),
		RiskClassifier:         "lexicon",
		RedisAlertChannel:      "patientsim:alerts",
		RedisReportChannel:     "patientsim:reports",
		ReportQueueSize:        1024,
		ReportWorkers:          2,
		DedupeSize:             10_000,
		OTelSampleRatio:        1.0,
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	var problems []string
	if c.Addr == "" {
		problems = append(problems, "addr must not be empty")
	}
	switch c.StoreDriver {
	case "memory":
	case "sqlite", "postgres":
		if c.StoreDSN == "" {
			problems = append(problems, "store_dsn is required for store_driver "+c.StoreDriver)
		}
	default:
		problems = append(problems, "unknown store_driver "+c.StoreDriver)
	}
	switch c.ModelProvider {
	case "scripted":
	case "openai":
		if c.ModelBaseURL == "" || c.ModelName == "" {
			problems = append(problems, "model_base_url and model_name are required for model_provider openai")
		}
	default:
		problems = append(problems, "unknown model_provider "+c.ModelProvider)
	}
	switch c.SearchProvider {
	case "lexical", "embedding":
	default:
		problems = append(problems, "unknown search_provider "+c.SearchProvider)
	}
	switch c.RiskClassifier {
	case "lexicon", "model":
	default:
		problems = append(problems, "unknown risk_classifier "+c.RiskClassifier)
	}
	if (c.SearchProvider == "embedding" || c.RiskClassifier == "model") && c.ModelProvider != "openai" {
		problems = append(problems, "embedding search and model risk classifier require model_provider openai")
	}
	if c.ModelTimeoutMS <= 0 {
		problems = append(problems, "model_timeout_ms must be positive")
	}
	if c.ModelMaxAttempts < 1 {
		problems = append(problems, "model_max_attempts must be at least 1")
	}
	if c.ModelRetryBackoffMS < 0 {
		problems = append(problems, "model_retry_backoff_ms must not be negative")
	}
	if c.ModelTemperatureJitter < 0 {
		problems = append(problems, "model_temperature_jitter must not be negative")
	}
	if c.GroundingK < 0 {
		problems = append(problems, "grounding_k must not be negative")
	}
	if c.HistoryWindowTurns < 0 {
		problems = append(problems, "history_window_turns must not be negative")
	}
	if c.ContextMaxTokens <= 0 {
		problems = append(problems, "context_max_tokens must be positive")
	}
	if c.RiskMaxConcurrency < 1 {
		problems = append(problems, "risk_max_concurrency must be at least 1")
	}
	if c.ReportQueueSize < 1 || c.ReportWorkers < 1 {
		problems = append(problems, "report_queue_size and report_workers must be at least 1")
	}
	if c.DedupeSize < 1 {
		problems = append(problems, "dedupe_size must be at least 1")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		problems = append(problems, "otel_sample_ratio must be within [0,1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
