// Package config loads outboxd/outboxctl configuration in layers:
// compiled-in defaults, then an optional YAML file, then OUTBOX_*
// environment variables, then command-line flags. Each layer only
// overrides what it actually sets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is every setting outboxd/outboxctl understands.
type Config struct {
	DatabasePath string `yaml:"database_path"`

	BlobDirectory string `yaml:"blob_directory"`
	BlobMaxSizeMB int64  `yaml:"blob_max_size_mb"`

	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPStartTLS bool   `yaml:"smtp_starttls"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`

	MailDefaultSender string `yaml:"mail_default_sender"`

	QueuePollIntervalSeconds int64 `yaml:"queue_poll_interval_seconds"`
	QueueMaxRetries          int64 `yaml:"queue_max_retries"`
	QueueRetryBaseSeconds    int64 `yaml:"queue_retry_base_seconds"`
	QueueRetryMaxSeconds     int64 `yaml:"queue_retry_max_seconds"`
	QueueBatchSize           int64 `yaml:"queue_batch_size"`

	RetentionDays int `yaml:"retention_days"`

	HTTPAddr string `yaml:"http_addr"`
	Dev      bool   `yaml:"dev"`
}

// Defaults returns the compiled-in baseline, matching the original
// registry's defaults (mail.smtp_use_tls, queue.poll_interval,
// queue.max_retries, queue.retry_base_seconds, queue.retry_max_seconds,
// queue.batch_size, retention.days, blobs.max_size_mb).
func Defaults() Config {
	return Config{
		DatabasePath:             "outbox.db",
		BlobDirectory:            "blobs",
		BlobMaxSizeMB:            25,
		SMTPPort:                 587,
		SMTPStartTLS:             true,
		QueuePollIntervalSeconds: 5,
		QueueMaxRetries:          5,
		QueueRetryBaseSeconds:    120,
		QueueRetryMaxSeconds:     3600,
		QueueBatchSize:           10,
		RetentionDays:            30,
		HTTPAddr:                 ":5200",
	}
}

// ConfigFilePath scans args for a --config flag without erring on any
// other flag it doesn't recognize, so main can find the YAML path to
// pass to Load before the full flag set is defined.
func ConfigFilePath(args []string) string {
	fs := flag.NewFlagSet("outbox-bootstrap", flag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	path := fs.String("config", "", "path to a YAML config file")
	fs.Parse(args)
	return *path
}

// Load builds a Config by layering, in order: Defaults(), the YAML file
// at yamlPath (skipped if yamlPath is empty or the file does not
// exist), OUTBOX_* environment variables, and finally args parsed as
// flags. args is typically os.Args[1:].
func Load(yamlPath string, args []string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		if err := applyYAML(&cfg, yamlPath); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)

	if err := applyFlags(&cfg, args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %v", path, err)
	}
	return nil
}

// envPrefix is prepended to every uppercased yaml key to form the
// environment variable name, e.g. database_path -> OUTBOX_DATABASE_PATH.
const envPrefix = "OUTBOX_"

func applyEnv(cfg *Config) {
	setStringEnv(&cfg.DatabasePath, "DATABASE_PATH")
	setStringEnv(&cfg.BlobDirectory, "BLOB_DIRECTORY")
	setInt64Env(&cfg.BlobMaxSizeMB, "BLOB_MAX_SIZE_MB")
	setStringEnv(&cfg.SMTPHost, "SMTP_HOST")
	setIntEnv(&cfg.SMTPPort, "SMTP_PORT")
	setBoolEnv(&cfg.SMTPStartTLS, "SMTP_STARTTLS")
	setStringEnv(&cfg.SMTPUsername, "SMTP_USERNAME")
	setStringEnv(&cfg.SMTPPassword, "SMTP_PASSWORD")
	setStringEnv(&cfg.MailDefaultSender, "MAIL_DEFAULT_SENDER")
	setInt64Env(&cfg.QueuePollIntervalSeconds, "QUEUE_POLL_INTERVAL_SECONDS")
	setInt64Env(&cfg.QueueMaxRetries, "QUEUE_MAX_RETRIES")
	setInt64Env(&cfg.QueueRetryBaseSeconds, "QUEUE_RETRY_BASE_SECONDS")
	setInt64Env(&cfg.QueueRetryMaxSeconds, "QUEUE_RETRY_MAX_SECONDS")
	setInt64Env(&cfg.QueueBatchSize, "QUEUE_BATCH_SIZE")
	setIntEnv(&cfg.RetentionDays, "RETENTION_DAYS")
	setStringEnv(&cfg.HTTPAddr, "HTTP_ADDR")
}

func setStringEnv(dst *string, suffix string) {
	if v, ok := os.LookupEnv(envPrefix + suffix); ok {
		*dst = v
	}
}

func setIntEnv(dst *int, suffix string) {
	if v, ok := os.LookupEnv(envPrefix + suffix); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64Env(dst *int64, suffix string) {
	if v, ok := os.LookupEnv(envPrefix + suffix); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBoolEnv(dst *bool, suffix string) {
	if v, ok := os.LookupEnv(envPrefix + suffix); ok {
		*dst = strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
	}
}

func applyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("outbox", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabasePath, "database-path", cfg.DatabasePath, "path to the outbox sqlite database")
	fs.StringVar(&cfg.BlobDirectory, "blob-directory", cfg.BlobDirectory, "directory for content-addressed attachment storage")
	fs.Int64Var(&cfg.BlobMaxSizeMB, "blob-max-size-mb", cfg.BlobMaxSizeMB, "maximum attachment size in MB")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", cfg.SMTPHost, "SMTP relay hostname")
	fs.IntVar(&cfg.SMTPPort, "smtp-port", cfg.SMTPPort, "SMTP relay port")
	fs.BoolVar(&cfg.SMTPStartTLS, "smtp-starttls", cfg.SMTPStartTLS, "use STARTTLS when the relay advertises it")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", cfg.SMTPUsername, "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", cfg.SMTPPassword, "SMTP auth password")
	fs.StringVar(&cfg.MailDefaultSender, "mail-default-sender", cfg.MailDefaultSender, "default From address")
	fs.Int64Var(&cfg.QueuePollIntervalSeconds, "queue-poll-interval-seconds", cfg.QueuePollIntervalSeconds, "delivery engine poll interval")
	fs.Int64Var(&cfg.QueueMaxRetries, "queue-max-retries", cfg.QueueMaxRetries, "maximum delivery attempts per message")
	fs.Int64Var(&cfg.QueueRetryBaseSeconds, "queue-retry-base-seconds", cfg.QueueRetryBaseSeconds, "base delay for exponential backoff")
	fs.Int64Var(&cfg.QueueRetryMaxSeconds, "queue-retry-max-seconds", cfg.QueueRetryMaxSeconds, "maximum retry delay")
	fs.Int64Var(&cfg.QueueBatchSize, "queue-batch-size", cfg.QueueBatchSize, "messages processed per delivery cycle")
	fs.IntVar(&cfg.RetentionDays, "retention-days", cfg.RetentionDays, "days to keep terminal messages before purging")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "address the HTTP API listens on")
	fs.BoolVar(&cfg.Dev, "dev", cfg.Dev, "development mode: use a local self-signed certificate instead of autocert")
	fs.String("config", "", "path to a YAML config file (already consumed before flag parsing)")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("config: parse flags: %v", err)
	}
	return nil
}
