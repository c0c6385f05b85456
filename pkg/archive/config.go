// telegram-mcp-server - A Telegram archive, sync and search engine.
// Copyright (C) 2025 Codyssey Ltd.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	StoreDir string `yaml:"store_dir"`

	Relay    RelayConfig    `yaml:"relay"`
	Backfill BackfillConfig `yaml:"backfill"`
	Pacing   PacingConfig   `yaml:"pacing"`
	Capture  CaptureConfig  `yaml:"capture"`
	Idle     IdleConfig     `yaml:"idle"`

	ContactNameTemplate string `yaml:"contact_name_template"`
	contactNameTemplate *template.Template

	Logging zeroconfig.Config `yaml:"logging"`
}

type RelayConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type BackfillConfig struct {
	BatchSize         int `yaml:"batch_size"`
	BatchDelayMS      int `yaml:"batch_delay_ms"`
	JobDelayMS        int `yaml:"job_delay_ms"`
	MaxAttempts       int `yaml:"max_attempts"`
	MaxBackoffSeconds int `yaml:"max_backoff_seconds"`
}

type PacingConfig struct {
	RequestsPerSecond float64     `yaml:"requests_per_second"`
	Burst             int         `yaml:"burst"`
	Redis             RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	Key           string `yaml:"key"`
	Limit         int    `yaml:"limit"`
	WindowSeconds int    `yaml:"window_seconds"`
}

type CaptureConfig struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queue_size"`
}

type IdleConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	tpl := c.ContactNameTemplate
	if tpl == "" {
		tpl = "{{.FirstName}} {{.LastName}}"
	}
	var err error
	c.contactNameTemplate, err = template.New("contact_name").Parse(tpl)
	return err
}

// LoadConfig reads the embedded defaults, overlays the file at path (a
// missing file is fine) and applies TGARCHIVE_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(ExampleConfig), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.StoreDir = expandHome(cfg.StoreDir)
	return cfg, cfg.PostProcess()
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("TGARCHIVE_STORE_DIR"); v != "" {
		cfg.StoreDir = v
	}
	if v := os.Getenv("TGARCHIVE_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("TGARCHIVE_REDIS_ADDR"); v != "" {
		cfg.Pacing.Redis.Addr = v
	}
	if v := os.Getenv("TGARCHIVE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TGARCHIVE_BATCH_SIZE: %w", err)
		}
		cfg.Backfill.BatchSize = n
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

type ContactNameParams struct {
	FirstName string
	LastName  string
	Username  string
	ID        int64
}

// FormatContactName renders the sender name template, falling back to the
// username and then the numeric id.
func (c *Config) FormatContactName(params ContactNameParams) string {
	if c.contactNameTemplate != nil {
		var buf strings.Builder
		if err := c.contactNameTemplate.Execute(&buf, &params); err == nil {
			if name := strings.TrimSpace(buf.String()); name != "" {
				return name
			}
		}
	}
	if params.Username != "" {
		return "@" + strings.TrimPrefix(params.Username, "@")
	}
	if params.ID != 0 {
		return strconv.FormatInt(params.ID, 10)
	}
	return ""
}

// GetBatchSize returns the history batch size, defaulting to 100.
func (c *BackfillConfig) GetBatchSize() int {
	if c.BatchSize <= 0 {
		return 100
	}
	return c.BatchSize
}

func (c *BackfillConfig) GetBatchDelay() time.Duration {
	if c.BatchDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}

func (c *BackfillConfig) GetJobDelay() time.Duration {
	if c.JobDelayMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.JobDelayMS) * time.Millisecond
}

func (c *BackfillConfig) GetMaxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 8
	}
	return c.MaxAttempts
}

func (c *BackfillConfig) GetMaxBackoff() time.Duration {
	if c.MaxBackoffSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// Backoff returns the wait before retry number attempts (1-based):
// job delay doubled per attempt, capped at the max backoff.
func (c *BackfillConfig) Backoff(attempts int) time.Duration {
	delay := c.GetJobDelay()
	limit := c.GetMaxBackoff()
	for i := 1; i < attempts && delay < limit; i++ {
		delay *= 2
	}
	return min(delay, limit)
}

func (c *PacingConfig) GetRequestsPerSecond() float64 {
	if c.RequestsPerSecond <= 0 {
		return 2
	}
	return c.RequestsPerSecond
}

func (c *PacingConfig) GetBurst() int {
	if c.Burst <= 0 {
		return 1
	}
	return c.Burst
}

func (c *RedisConfig) GetKey() string {
	if c.Key == "" {
		return "tgarchive:ratelimit"
	}
	return c.Key
}

func (c *RedisConfig) GetLimit() int {
	if c.Limit <= 0 {
		return 20
	}
	return c.Limit
}

func (c *RedisConfig) GetWindow() time.Duration {
	if c.WindowSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c *CaptureConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

func (c *IdleConfig) GetPollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *RelayConfig) GetTimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}
