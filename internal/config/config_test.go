package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROLLOUT_DEFAULTS_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Rollout.InitialRolloutPct != 10 {
		t.Fatalf("initial pct = %d, want 10", cfg.Rollout.InitialRolloutPct)
	}
	if cfg.Rollout.FinalTargetRolloutPct != 100 {
		t.Fatalf("final pct = %d, want 100", cfg.Rollout.FinalTargetRolloutPct)
	}
	if cfg.TickInterval().Seconds() != 30 {
		t.Fatalf("tick interval = %v", cfg.TickInterval())
	}
}

func TestLoadYAMLFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout.yaml")
	body := []byte(`
rollout:
  initial_rollout_pct: 5
  final_target_rollout_pct: 50
  max_step_wait_time_mins: 120
engine:
  health_window_mins: 15
  tick_interval_seconds: 60
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("ROLLOUT_DEFAULTS_PATH", path)
	t.Setenv("ROLLOUT_DEFAULT_FINAL_PCT", "80")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Rollout.InitialRolloutPct != 5 {
		t.Fatalf("initial pct = %d, want 5 from yaml", cfg.Rollout.InitialRolloutPct)
	}
	if cfg.Rollout.FinalTargetRolloutPct != 80 {
		t.Fatalf("final pct = %d, want env override 80", cfg.Rollout.FinalTargetRolloutPct)
	}
	if cfg.Engine.HealthWindowMins != 15 {
		t.Fatalf("health window = %d, want 15", cfg.Engine.HealthWindowMins)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("ROLLOUT_DEFAULTS_PATH", "")
	t.Setenv("ROLLOUT_DEFAULT_INITIAL_PCT", "90")
	t.Setenv("ROLLOUT_DEFAULT_FINAL_PCT", "50")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when initial pct exceeds final pct")
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	t.Setenv("ROLLOUT_DEFAULTS_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err != nil {
		t.Fatalf("missing defaults file should not error: %v", err)
	}
}
