package config

import (
	"io/fs"
	"log/slog"
	"testing"
	"time"
)

func TestLoadEngineConfigDefaults(t *testing.T) {
	for _, key := range []string{"ENGINE", "PDFIUM_MIN_IDLE", "PDFIUM_MAX_IDLE", "PDFIUM_MAX_TOTAL",
		"PDFIUM_INSTANCE_TIMEOUT", "DEFAULT_DPI", "RENDER_ANNOTATIONS", "MAX_CONCURRENT_RENDERS"} {
		t.Setenv(key, "")
	}

	cfg := LoadEngineConfig()
	if cfg.Engine != "pdfium" {
		t.Errorf("Expected engine pdfium, got %s", cfg.Engine)
	}
	if cfg.PDFiumInstanceTimeout != 30*time.Second {
		t.Errorf("Expected 30s instance timeout, got %s", cfg.PDFiumInstanceTimeout)
	}
	if cfg.DefaultDPI != 72 {
		t.Errorf("Expected default DPI 72, got %d", cfg.DefaultDPI)
	}
	if !cfg.RenderAnnotations {
		t.Error("Expected annotations on by default")
	}
	if cfg.MaxConcurrentRenders != 4 {
		t.Errorf("Expected 4 concurrent renders, got %d", cfg.MaxConcurrentRenders)
	}
}

func TestLoadEngineConfigOverrides(t *testing.T) {
	t.Setenv("ENGINE", "fitz")
	t.Setenv("DEFAULT_DPI", "-10")
	t.Setenv("RENDER_ANNOTATIONS", "false")
	t.Setenv("MAX_CONCURRENT_RENDERS", "not-a-number")
	t.Setenv("PDFIUM_MAX_TOTAL", "3")

	cfg := LoadEngineConfig()
	if cfg.Engine != "fitz" {
		t.Errorf("Expected engine fitz, got %s", cfg.Engine)
	}
	if cfg.DefaultDPI != 72 {
		t.Errorf("Expected invalid DPI to fall back to 72, got %d", cfg.DefaultDPI)
	}
	if cfg.RenderAnnotations {
		t.Error("Expected annotations off")
	}
	if cfg.MaxConcurrentRenders != 4 {
		t.Errorf("Expected unparsable value to fall back to 4, got %d", cfg.MaxConcurrentRenders)
	}
	if cfg.PDFiumMaxTotal != 3 {
		t.Errorf("Expected max total 3, got %d", cfg.PDFiumMaxTotal)
	}
}

func TestLoadSessionConfig(t *testing.T) {
	t.Setenv("SESSION_IDLE_MINUTES", "10")
	t.Setenv("SWEEP_INTERVAL_MINUTES", "")
	t.Setenv("JOB_RETENTION_HOURS", "24")

	cfg := LoadSessionConfig()
	if cfg.SessionIdle != 10*time.Minute {
		t.Errorf("Expected 10m idle, got %s", cfg.SessionIdle)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("Expected 5m sweep, got %s", cfg.SweepInterval)
	}
	if cfg.JobRetention != 24*time.Hour {
		t.Errorf("Expected 24h retention, got %s", cfg.JobRetention)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelDebug,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("Expected %s for %q, got %s", want, in, got)
		}
	}
}

func TestParseSpoolMode(t *testing.T) {
	Logger = slog.Default()
	tests := []struct {
		value    string
		expected fs.FileMode
	}{
		{"drwxr-x---", 0o750},
		{"drwx------", 0o700},
		{"-rwxrwxrwx", 0o777},
		{"750", 0o750},
		{"", 0o750},
	}
	for _, tt := range tests {
		if got := parseSpoolMode(tt.value); got != tt.expected {
			t.Errorf("Expected %o for %q, got %o", tt.expected, tt.value, got)
		}
	}
}
