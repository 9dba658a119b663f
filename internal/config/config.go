package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"sitepipe/internal/domain"
)

// Queue names used across the pipeline.
const (
	QueueAgentTasks = "agent-tasks"
	QueueBuild      = "build"
	QueuePublish    = "publish"
	QueueMonitor    = "monitor"
	QueueOptimize   = "optimize"
	QueueWebhooks   = "webhooks"
)

type Config struct {
	Addr         string                 `toml:"addr"`
	DBPath       string                 `toml:"db_path"`
	SiteRoot     string                 `toml:"site_root"`
	PlaybookPath string                 `toml:"playbook_path"`
	Generator    GeneratorConfig        `toml:"generator"`
	Webhook      WebhookConfig          `toml:"webhook"`
	Queues       map[string]QueueConfig `toml:"queues"`
}

type GeneratorConfig struct {
	Endpoint      string `toml:"endpoint"`
	APIKeyEnv     string `toml:"api_key_env"`
	Model         string `toml:"model"`
	FallbackModel string `toml:"fallback_model"`
	TimeoutMS     int    `toml:"timeout_ms"`
}

type WebhookConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Secret  string `toml:"secret"`
}

// QueueConfig is the TOML shape of per-queue tuning; durations are
// millisecond integers to keep the file format flat.
type QueueConfig struct {
	Concurrency          int    `toml:"concurrency"`
	RateLimitMax         int    `toml:"rate_limit_max"`
	RateLimitWindowMS    int    `toml:"rate_limit_window_ms"`
	MaxAttempts          int    `toml:"max_attempts"`
	BackoffKind          string `toml:"backoff_kind"`
	BackoffBaseMS        int    `toml:"backoff_base_ms"`
	BackoffCapMS         int    `toml:"backoff_cap_ms"`
	JobTimeoutMS         int    `toml:"job_timeout_ms"`
	PollIntervalMS       int    `toml:"poll_interval_ms"`
	RetainCompletedForMS int    `toml:"retain_completed_for_ms"`
	RetainFailedForMS    int    `toml:"retain_failed_for_ms"`
	RetainCompletedCount int    `toml:"retain_completed_count"`
	RetainFailedCount    int    `toml:"retain_failed_count"`
}

// Load reads the TOML config file. A missing path yields pure defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	return withDefaults(cfg), nil
}

func withDefaults(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = ":8087"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "sitepipe.db"
	}
	if cfg.SiteRoot == "" {
		cfg.SiteRoot = "site"
	}
	if cfg.Generator.Endpoint == "" {
		cfg.Generator.Endpoint = "https://api.openai.com/v1/chat/completions"
	}
	if cfg.Generator.APIKeyEnv == "" {
		cfg.Generator.APIKeyEnv = "SITEPIPE_API_KEY"
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = "gpt-4o"
	}
	if cfg.Generator.TimeoutMS <= 0 {
		cfg.Generator.TimeoutMS = 120_000
	}
	if cfg.Queues == nil {
		cfg.Queues = make(map[string]QueueConfig)
	}
	return cfg
}

// QueueConfigs merges the file's per-queue overrides over the built-in
// defaults and returns the resolved runtime configuration per queue.
func (c Config) QueueConfigs() map[string]domain.QueueConfig {
	resolved := DefaultQueueConfigs()
	for name, override := range c.Queues {
		base, ok := resolved[name]
		if !ok {
			base = domain.QueueConfig{Name: name}
		}
		resolved[name] = mergeQueueConfig(base, override)
	}
	for name, qc := range resolved {
		resolved[name] = normalizeQueueConfig(qc)
	}
	return resolved
}

// DefaultQueueConfigs declares the six pipeline queues. The webhooks queue
// gets a larger attempt budget and slower backoff since remote endpoints
// fail for longer stretches than model calls.
func DefaultQueueConfigs() map[string]domain.QueueConfig {
	return map[string]domain.QueueConfig{
		QueueAgentTasks: {
			Name:            QueueAgentTasks,
			Concurrency:     4,
			RateLimitMax:    30,
			RateLimitWindow: time.Minute,
			MaxAttempts:     3,
			BackoffKind:     domain.BackoffExponential,
			BackoffBase:     5 * time.Second,
			BackoffCap:      5 * time.Minute,
			JobTimeout:      5 * time.Minute,
		},
		QueueBuild: {
			Name:            QueueBuild,
			Concurrency:     2,
			RateLimitMax:    10,
			RateLimitWindow: time.Minute,
			MaxAttempts:     3,
			BackoffKind:     domain.BackoffExponential,
			BackoffBase:     5 * time.Second,
			BackoffCap:      5 * time.Minute,
			JobTimeout:      10 * time.Minute,
		},
		QueuePublish: {
			Name:            QueuePublish,
			Concurrency:     2,
			RateLimitMax:    20,
			RateLimitWindow: time.Minute,
			MaxAttempts:     3,
			BackoffKind:     domain.BackoffExponential,
			BackoffBase:     5 * time.Second,
			BackoffCap:      5 * time.Minute,
			JobTimeout:      3 * time.Minute,
		},
		QueueMonitor: {
			Name:            QueueMonitor,
			Concurrency:     1,
			RateLimitMax:    6,
			RateLimitWindow: time.Minute,
			MaxAttempts:     2,
			BackoffKind:     domain.BackoffExponential,
			BackoffBase:     10 * time.Second,
			BackoffCap:      5 * time.Minute,
			JobTimeout:      2 * time.Minute,
		},
		QueueOptimize: {
			Name:            QueueOptimize,
			Concurrency:     1,
			RateLimitMax:    6,
			RateLimitWindow: time.Minute,
			MaxAttempts:     3,
			BackoffKind:     domain.BackoffExponential,
			BackoffBase:     10 * time.Second,
			BackoffCap:      10 * time.Minute,
			JobTimeout:      5 * time.Minute,
		},
		QueueWebhooks: {
			Name:            QueueWebhooks,
			Concurrency:     2,
			RateLimitMax:    60,
			RateLimitWindow: time.Minute,
			MaxAttempts:     6,
			BackoffKind:     domain.BackoffExponential,
			BackoffBase:     30 * time.Second,
			BackoffCap:      30 * time.Minute,
			JobTimeout:      30 * time.Second,
		},
	}
}

func mergeQueueConfig(base domain.QueueConfig, override QueueConfig) domain.QueueConfig {
	if override.Concurrency > 0 {
		base.Concurrency = override.Concurrency
	}
	if override.RateLimitMax > 0 {
		base.RateLimitMax = override.RateLimitMax
	}
	if override.RateLimitWindowMS > 0 {
		base.RateLimitWindow = time.Duration(override.RateLimitWindowMS) * time.Millisecond
	}
	if override.MaxAttempts > 0 {
		base.MaxAttempts = override.MaxAttempts
	}
	if override.BackoffKind != "" {
		base.BackoffKind = domain.BackoffKind(override.BackoffKind)
	}
	if override.BackoffBaseMS > 0 {
		base.BackoffBase = time.Duration(override.BackoffBaseMS) * time.Millisecond
	}
	if override.BackoffCapMS > 0 {
		base.BackoffCap = time.Duration(override.BackoffCapMS) * time.Millisecond
	}
	if override.JobTimeoutMS > 0 {
		base.JobTimeout = time.Duration(override.JobTimeoutMS) * time.Millisecond
	}
	if override.PollIntervalMS > 0 {
		base.PollInterval = time.Duration(override.PollIntervalMS) * time.Millisecond
	}
	if override.RetainCompletedForMS > 0 {
		base.RetainCompletedFor = time.Duration(override.RetainCompletedForMS) * time.Millisecond
	}
	if override.RetainFailedForMS > 0 {
		base.RetainFailedFor = time.Duration(override.RetainFailedForMS) * time.Millisecond
	}
	if override.RetainCompletedCount > 0 {
		base.RetainCompletedCount = override.RetainCompletedCount
	}
	if override.RetainFailedCount > 0 {
		base.RetainFailedCount = override.RetainFailedCount
	}
	return base
}

func normalizeQueueConfig(qc domain.QueueConfig) domain.QueueConfig {
	if qc.Concurrency <= 0 {
		qc.Concurrency = 1
	}
	if qc.MaxAttempts <= 0 {
		qc.MaxAttempts = 1
	}
	if qc.BackoffKind == "" {
		qc.BackoffKind = domain.BackoffExponential
	}
	if qc.BackoffBase <= 0 {
		qc.BackoffBase = 5 * time.Second
	}
	if qc.BackoffCap <= 0 {
		qc.BackoffCap = 5 * time.Minute
	}
	if qc.JobTimeout <= 0 {
		qc.JobTimeout = 5 * time.Minute
	}
	if qc.PollInterval <= 0 {
		qc.PollInterval = 250 * time.Millisecond
	}
	// Failed jobs are kept roughly a week, completed jobs a day, matching
	// the original system's retention split.
	if qc.RetainCompletedFor <= 0 {
		qc.RetainCompletedFor = 24 * time.Hour
	}
	if qc.RetainFailedFor <= 0 {
		qc.RetainFailedFor = 7 * 24 * time.Hour
	}
	if qc.RetainCompletedCount <= 0 {
		qc.RetainCompletedCount = 1000
	}
	if qc.RetainFailedCount <= 0 {
		qc.RetainFailedCount = 5000
	}
	return qc
}

func (g GeneratorConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutMS) * time.Millisecond
}
