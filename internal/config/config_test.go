package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/technobok/outbox/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Defaults()
	if cfg.QueueMaxRetries != 5 {
		t.Errorf("QueueMaxRetries = %d, want 5", cfg.QueueMaxRetries)
	}
	if cfg.QueueRetryBaseSeconds != 120 {
		t.Errorf("QueueRetryBaseSeconds = %d, want 120", cfg.QueueRetryBaseSeconds)
	}
	if !cfg.SMTPStartTLS {
		t.Error("SMTPStartTLS should default to true")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.yaml")
	if err := os.WriteFile(path, []byte("database_path: /var/lib/outbox/outbox.db\nqueue_max_retries: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != "/var/lib/outbox/outbox.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.QueueMaxRetries != 3 {
		t.Errorf("QueueMaxRetries = %d, want 3 (yaml override)", cfg.QueueMaxRetries)
	}
	// untouched fields keep their defaults
	if cfg.QueueBatchSize != 10 {
		t.Errorf("QueueBatchSize = %d, want 10 (default preserved)", cfg.QueueBatchSize)
	}
}

func TestLoadMissingYAMLIsNotAnError(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != config.Defaults().DatabasePath {
		t.Errorf("expected defaults when yaml file is absent, got %+v", cfg)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("OUTBOX_QUEUE_MAX_RETRIES", "7")
	t.Setenv("OUTBOX_SMTP_STARTTLS", "false")

	path := filepath.Join(t.TempDir(), "outbox.yaml")
	if err := os.WriteFile(path, []byte("queue_max_retries: 3\nsmtp_starttls: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.QueueMaxRetries != 7 {
		t.Errorf("QueueMaxRetries = %d, want 7 (env override)", cfg.QueueMaxRetries)
	}
	if cfg.SMTPStartTLS {
		t.Error("SMTPStartTLS should be false after env override")
	}
}

func TestFlagsOverrideEverything(t *testing.T) {
	t.Setenv("OUTBOX_QUEUE_MAX_RETRIES", "7")

	cfg, err := config.Load("", []string{"--queue-max-retries=9", "--smtp-host=relay.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.QueueMaxRetries != 9 {
		t.Errorf("QueueMaxRetries = %d, want 9 (flag override)", cfg.QueueMaxRetries)
	}
	if cfg.SMTPHost != "relay.example.com" {
		t.Errorf("SMTPHost = %q", cfg.SMTPHost)
	}
}
