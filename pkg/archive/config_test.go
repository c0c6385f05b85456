package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backfill.GetBatchSize() != 100 || cfg.Backfill.GetBatchDelay() != time.Second {
		t.Fatalf("unexpected backfill defaults %+v", cfg.Backfill)
	}
	if !cfg.Capture.Enabled || cfg.Capture.GetQueueSize() != 256 {
		t.Fatalf("unexpected capture defaults %+v", cfg.Capture)
	}
	if cfg.Relay.URL == "" || cfg.Relay.GetTimeout() != time.Minute {
		t.Fatalf("unexpected relay defaults %+v", cfg.Relay)
	}
	if strings.HasPrefix(cfg.StoreDir, "~") {
		t.Fatalf("store dir not expanded: %s", cfg.StoreDir)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "store_dir: /tmp/from-file\nbackfill:\n    batch_size: 25\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StoreDir != "/tmp/from-file" || cfg.Backfill.BatchSize != 25 {
		t.Fatalf("file values not applied: dir=%s batch=%d", cfg.StoreDir, cfg.Backfill.BatchSize)
	}
	if cfg.Backfill.BatchDelayMS != 1000 {
		t.Fatalf("defaults lost by overlay: batch_delay_ms=%d", cfg.Backfill.BatchDelayMS)
	}

	t.Setenv("TGARCHIVE_STORE_DIR", "/tmp/from-env")
	t.Setenv("TGARCHIVE_RELAY_URL", "http://relay.example:9000")
	t.Setenv("TGARCHIVE_BATCH_SIZE", "7")
	t.Setenv("TGARCHIVE_REDIS_ADDR", "127.0.0.1:6380")
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StoreDir != "/tmp/from-env" || cfg.Relay.URL != "http://relay.example:9000" ||
		cfg.Backfill.BatchSize != 7 || cfg.Pacing.Redis.Addr != "127.0.0.1:6380" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}

	t.Setenv("TGARCHIVE_BATCH_SIZE", "lots")
	if _, err = LoadConfig(path); err == nil {
		t.Fatalf("expected error for invalid batch size")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backfill.GetBatchSize() != 100 {
		t.Fatalf("batch size got=%d want=100", cfg.Backfill.GetBatchSize())
	}
}

func TestFormatContactName(t *testing.T) {
	cfg := &Config{}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	tests := []struct {
		params ContactNameParams
		want   string
	}{
		{ContactNameParams{FirstName: "Ada", LastName: "Lovelace", ID: 1}, "Ada Lovelace"},
		{ContactNameParams{FirstName: "Ada", ID: 1}, "Ada"},
		{ContactNameParams{Username: "ada", ID: 1}, "@ada"},
		{ContactNameParams{ID: 99}, "99"},
	}
	for _, tt := range tests {
		if got := cfg.FormatContactName(tt.params); got != tt.want {
			t.Fatalf("FormatContactName(%+v) got=%q want=%q", tt.params, got, tt.want)
		}
	}

	custom := &Config{ContactNameTemplate: "{{.LastName}}, {{.FirstName}}"}
	if err := custom.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if got := custom.FormatContactName(ContactNameParams{FirstName: "Ada", LastName: "Lovelace"}); got != "Lovelace, Ada" {
		t.Fatalf("custom template got=%q", got)
	}
	broken := &Config{ContactNameTemplate: "{{.FirstName"}
	if err := broken.PostProcess(); err == nil {
		t.Fatalf("expected template parse error")
	}
}

func TestBackoff(t *testing.T) {
	cfg := &BackfillConfig{JobDelayMS: 3000, MaxBackoffSeconds: 300}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 3 * time.Second},
		{2, 6 * time.Second},
		{3, 12 * time.Second},
		{7, 192 * time.Second},
		{8, 300 * time.Second},
		{40, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempts); got != tt.want {
			t.Fatalf("Backoff(%d) got=%s want=%s", tt.attempts, got, tt.want)
		}
	}
}
