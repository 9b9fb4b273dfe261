package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openloom/connector-rollout/internal/platform/envutil"
)

// RolloutDefaults are the fallback knobs applied when a create request
// leaves them unset. They load from ROLLOUT_DEFAULTS_PATH (yaml) with env
// overrides on top.
type RolloutDefaults struct {
	InitialRolloutPct     int `yaml:"initial_rollout_pct"`
	FinalTargetRolloutPct int `yaml:"final_target_rollout_pct"`
	MaxStepWaitTimeMins   int `yaml:"max_step_wait_time_mins"`
	ExpiryHours           int `yaml:"expiry_hours"`
}

// EngineSettings tune the evaluation loop.
type EngineSettings struct {
	HealthWindowMins    int `yaml:"health_window_mins"`
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	LockTTLSeconds      int `yaml:"lock_ttl_seconds"`
}

type Config struct {
	Rollout RolloutDefaults `yaml:"rollout"`
	Engine  EngineSettings  `yaml:"engine"`
}

func defaults() Config {
	return Config{
		Rollout: RolloutDefaults{
			InitialRolloutPct:     10,
			FinalTargetRolloutPct: 100,
			MaxStepWaitTimeMins:   1440,
			ExpiryHours:           0,
		},
		Engine: EngineSettings{
			HealthWindowMins:    10,
			TickIntervalSeconds: 30,
			LockTTLSeconds:      120,
		},
	}
}

// Load reads the optional yaml file at ROLLOUT_DEFAULTS_PATH, then applies
// env overrides. A missing file is fine; a malformed one is a hard error.
func Load() (Config, error) {
	cfg := defaults()

	if path := envutil.String("ROLLOUT_DEFAULTS_PATH", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Rollout.InitialRolloutPct = envutil.Int("ROLLOUT_DEFAULT_INITIAL_PCT", cfg.Rollout.InitialRolloutPct)
	cfg.Rollout.FinalTargetRolloutPct = envutil.Int("ROLLOUT_DEFAULT_FINAL_PCT", cfg.Rollout.FinalTargetRolloutPct)
	cfg.Rollout.MaxStepWaitTimeMins = envutil.Int("ROLLOUT_DEFAULT_MAX_STEP_WAIT_MINS", cfg.Rollout.MaxStepWaitTimeMins)
	cfg.Rollout.ExpiryHours = envutil.Int("ROLLOUT_DEFAULT_EXPIRY_HOURS", cfg.Rollout.ExpiryHours)

	cfg.Engine.HealthWindowMins = envutil.Int("ROLLOUT_HEALTH_WINDOW_MINS", cfg.Engine.HealthWindowMins)
	cfg.Engine.TickIntervalSeconds = envutil.Int("ROLLOUT_TICK_INTERVAL_SECONDS", cfg.Engine.TickIntervalSeconds)
	cfg.Engine.LockTTLSeconds = envutil.Int("ROLLOUT_LOCK_TTL_SECONDS", cfg.Engine.LockTTLSeconds)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Rollout.InitialRolloutPct < 1 || c.Rollout.InitialRolloutPct > 100 {
		return fmt.Errorf("config: initial_rollout_pct must be in [1,100]")
	}
	if c.Rollout.FinalTargetRolloutPct < 1 || c.Rollout.FinalTargetRolloutPct > 100 {
		return fmt.Errorf("config: final_target_rollout_pct must be in [1,100]")
	}
	if c.Rollout.InitialRolloutPct > c.Rollout.FinalTargetRolloutPct {
		return fmt.Errorf("config: initial_rollout_pct must not exceed final_target_rollout_pct")
	}
	if c.Rollout.MaxStepWaitTimeMins < 0 {
		return fmt.Errorf("config: max_step_wait_time_mins must not be negative")
	}
	if c.Engine.TickIntervalSeconds < 1 {
		return fmt.Errorf("config: tick_interval_seconds must be positive")
	}
	return nil
}

func (c Config) HealthWindow() time.Duration {
	return time.Duration(c.Engine.HealthWindowMins) * time.Minute
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickIntervalSeconds) * time.Second
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Engine.LockTTLSeconds) * time.Second
}

// DefaultExpiry returns the wall-clock expiry for a rollout created at now,
// or nil when expiry is disabled.
func (c Config) DefaultExpiry(now time.Time) *time.Time {
	if c.Rollout.ExpiryHours <= 0 {
		return nil
	}
	t := now.Add(time.Duration(c.Rollout.ExpiryHours) * time.Hour)
	return &t
}
