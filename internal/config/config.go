// Package config loads the pipeline's ambient configuration: sandbox root,
// retry defaults, poll interval, and notifier settings. YAML is the file
// format (gopkg.in/yaml.v3, as in the teacher's go.mod), overridable by
// CAF_-prefixed environment variables.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
)

// Config is the shared settings document for both cmd/controller and
// cmd/dist-runner.
type Config struct {
	SandboxRoot     string `yaml:"sandbox_root"`
	MaxRetries      int    `yaml:"max_retries"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	Slack           Slack  `yaml:"slack"`
	Postgres        PG     `yaml:"postgres"`
}

type Slack struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Enabled    bool   `yaml:"enabled"`
}

type PG struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

// Default returns the configuration a freshly checked-out repo runs with:
// sandbox/ under the cwd, two retries, a 2-second poll interval (per
// spec.md §4.8), everything else disabled.
func Default() Config {
	return Config{
		SandboxRoot:     "sandbox",
		MaxRetries:      2,
		PollIntervalSec: 2,
	}
}

// Load reads path if non-empty (missing file is not an error — Default()
// stands), then applies CAF_-prefixed env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, apperr.Wrapf(err, apperr.TypeFsFailure, "reading config %s", path)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, apperr.Wrapf(err, apperr.TypeValidation, "parsing config %s", path)
		}
	}
	applyEnv(&cfg)
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 2
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CAF_SANDBOX_ROOT"); v != "" {
		cfg.SandboxRoot = v
	}
	if v := os.Getenv("CAF_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("CAF_POLL_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSec = n
		}
	}
	if v := os.Getenv("CAF_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Slack.WebhookURL = v
		cfg.Slack.Enabled = true
	}
	if v := os.Getenv("CAF_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
}
