package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitepipe/internal/domain"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8087" {
		t.Fatalf("default addr wrong: %s", cfg.Addr)
	}
	if cfg.Generator.Model != "gpt-4o" || cfg.Generator.APIKeyEnv != "SITEPIPE_API_KEY" {
		t.Fatalf("generator defaults wrong: %+v", cfg.Generator)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitepipe.toml")
	data := `
addr = ":9999"
db_path = "custom.db"

[generator]
model = "local-model"
fallback_model = "cheap-model"

[queues.build]
concurrency = 8
max_attempts = 5
backoff_kind = "fixed"
backoff_base_ms = 2000

[queues.custom]
concurrency = 1
max_attempts = 2
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.DBPath != "custom.db" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Generator.Model != "local-model" || cfg.Generator.FallbackModel != "cheap-model" {
		t.Fatalf("generator overrides not applied: %+v", cfg.Generator)
	}

	queues := cfg.QueueConfigs()
	build := queues[QueueBuild]
	if build.Concurrency != 8 || build.MaxAttempts != 5 {
		t.Fatalf("build overrides not merged: %+v", build)
	}
	if build.BackoffKind != domain.BackoffFixed || build.BackoffBase != 2*time.Second {
		t.Fatalf("build backoff not merged: %+v", build)
	}
	// Untouched fields keep their built-in defaults.
	if build.JobTimeout != 10*time.Minute {
		t.Fatalf("unset fields must keep defaults: %+v", build)
	}

	custom, ok := queues["custom"]
	if !ok {
		t.Fatal("file may declare extra queues")
	}
	if custom.PollInterval != 250*time.Millisecond || custom.BackoffKind != domain.BackoffExponential {
		t.Fatalf("extra queue must be normalized: %+v", custom)
	}
}

func TestDefaultQueueConfigsCoverPipeline(t *testing.T) {
	queues := DefaultQueueConfigs()
	for _, name := range []string{QueueAgentTasks, QueueBuild, QueuePublish, QueueMonitor, QueueOptimize, QueueWebhooks} {
		if _, ok := queues[name]; !ok {
			t.Errorf("missing default queue %s", name)
		}
	}
	webhooks := queues[QueueWebhooks]
	agents := queues[QueueAgentTasks]
	if webhooks.MaxAttempts <= agents.MaxAttempts {
		t.Fatal("webhook deliveries need a larger attempt budget than agent work")
	}
	if webhooks.BackoffBase <= agents.BackoffBase {
		t.Fatal("webhook retries must back off more slowly")
	}
}
