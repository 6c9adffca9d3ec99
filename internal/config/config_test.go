package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("SPOOLD_QUOTA_MB", "256")
	t.Setenv("SPOOLD_SOFT_FLUSH_DELAY", "150ms")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9190" {
		t.Fatalf("port = %q, want default 9190", cfg.Port)
	}
	if cfg.QuotaMB != 256 {
		t.Fatalf("quota = %d, want 256", cfg.QuotaMB)
	}
	if cfg.SoftFlushDelay != 150*time.Millisecond {
		t.Fatalf("soft flush delay = %v, want 150ms", cfg.SoftFlushDelay)
	}
	if cfg.SoftPct != 90 || cfg.HardPct != 100 {
		t.Fatalf("thresholds = %d/%d, want 90/100", cfg.SoftPct, cfg.HardPct)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero quota", Config{QuotaMB: 0, SoftPct: 90, HardPct: 100}},
		{"soft above hard", Config{QuotaMB: 512, SoftPct: 95, HardPct: 90}},
		{"hard above 100", Config{QuotaMB: 512, SoftPct: 90, HardPct: 110}},
		{"zero soft", Config{QuotaMB: 512, SoftPct: 0, HardPct: 100}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Fatalf("%s: Validate() accepted invalid config", tc.name)
		}
	}
}

func TestWriteHelpMentionsEveryVariable(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	WriteHelp(&sb, "test")
	out := sb.String()
	for _, key := range []string{
		"SPOOLD_PORT",
		"SPOOLD_SPOOL_DIR",
		"SPOOLD_DB_PATH",
		"SPOOLD_QUOTA_MB",
		"SPOOLD_SOFT_PCT",
		"SPOOLD_HARD_PCT",
		"SPOOLD_OVERFLOW_BUFFER_SIZE",
		"SPOOLD_IMPORT_INTERVAL",
	} {
		if !strings.Contains(out, key) {
			t.Fatalf("help text missing %s", key)
		}
	}
}
