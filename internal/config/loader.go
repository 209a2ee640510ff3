package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration from an optional YAML file and applies
// environment variable overrides. Get is safe for concurrent use; Reload
// re-reads the same file so a watcher can hot-swap settings.
type Loader struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewLoader creates a Loader holding defaults until Load is called.
func NewLoader() *Loader {
	return &Loader{cfg: applyEnv(DefaultConfig())}
}

// Load reads the YAML file at path, applies env overrides, and swaps the
// active config.
func (l *Loader) Load(path string) error {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg = applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return err
	}

	l.mu.Lock()
	l.path = path
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Reload re-reads the previously loaded file. A Loader that never loaded a
// file re-applies env overrides on top of defaults.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()

	if path == "" {
		l.mu.Lock()
		l.cfg = applyEnv(DefaultConfig())
		l.mu.Unlock()
		return nil
	}
	return l.Load(path)
}

// Get returns the active config.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Validate checks that required settings are present.
func (l *Loader) Validate() error {
	return validate(l.Get())
}

func validate(cfg *Config) error {
	if cfg.Storage.DatabaseURL == "" {
		return fmt.Errorf("database URL is required (set DATABASE_URL or storage.database_url)")
	}
	if cfg.Regression.MinSampleSize < 1 {
		return fmt.Errorf("regression.min_sample_size must be >= 1")
	}
	return nil
}

func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v, ok := envInt("PORT"); ok {
		cfg.Server.Port = v
	}
	if v, ok := envInt("EVALUATION_WINDOW_MINUTES"); ok {
		cfg.Regression.EvaluationWindowMinutes = v
	}
	if v, ok := envInt("MIN_SAMPLE_SIZE"); ok {
		cfg.Regression.MinSampleSize = v
	}
	if v, ok := envFloat("SUCCESS_RATE_THRESHOLD"); ok {
		cfg.Regression.SuccessRateThreshold = v
	}
	if v, ok := envFloat("EFFICIENCY_THRESHOLD"); ok {
		cfg.Regression.EfficiencyThreshold = v
	}
	if v, ok := envInt("BASELINE_WINDOW_MINUTES"); ok {
		cfg.Deployment.BaselineWindowMinutes = v
	}
	if v := os.Getenv("NOTIFICATION_WEBHOOK_URL"); v != "" {
		cfg.Notifications.Webhook.URL = v
	}
	if v := os.Getenv("NOTIFICATION_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err == nil {
			cfg.Notifications.Enabled = enabled
		}
	}
	return cfg
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
