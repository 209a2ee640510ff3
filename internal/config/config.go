package config

import (
	"time"
)

// Config is the top-level promptpilot configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Regression    RegressionConfig    `yaml:"regression"`
	Deployment    DeploymentConfig    `yaml:"deployment"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	// DatabaseURL is the SQLite DSN (path plus options). Overridden by the
	// DATABASE_URL environment variable, which is required when no config
	// file provides a value.
	DatabaseURL string `yaml:"database_url"`
}

// RegressionConfig controls the post-deploy regression detector.
type RegressionConfig struct {
	SuccessRateThreshold    float64 `yaml:"success_rate_threshold"`
	EfficiencyThreshold     float64 `yaml:"efficiency_threshold"`
	MinSampleSize           int     `yaml:"min_sample_size"`
	EvaluationWindowMinutes int     `yaml:"evaluation_window_minutes"`
}

// DeploymentConfig controls baseline capture at deploy time.
type DeploymentConfig struct {
	BaselineWindowMinutes int `yaml:"baseline_window_minutes"`
}

// SchedulerConfig controls the background sweeps.
type SchedulerConfig struct {
	ExpirySweepInterval  time.Duration `yaml:"expiry_sweep_interval"`
	MonitorSweepInterval time.Duration `yaml:"monitor_sweep_interval"`
}

// NotificationsConfig configures event fan-out sinks.
type NotificationsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Slack   SlackSinkConfig   `yaml:"slack"`
	Webhook WebhookSinkConfig `yaml:"webhook"`
	// Filter is an optional CEL expression applied to every sink; events
	// for which it evaluates false are not delivered.
	Filter string `yaml:"filter"`
}

type SlackSinkConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Filter     string `yaml:"filter"`
}

type WebhookSinkConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
	Filter string `yaml:"filter"`
}

// EvaluationWindow returns the detector window as a duration.
func (c RegressionConfig) EvaluationWindow() time.Duration {
	return time.Duration(c.EvaluationWindowMinutes) * time.Minute
}

// BaselineWindow returns the baseline capture window as a duration.
func (c DeploymentConfig) BaselineWindow() time.Duration {
	return time.Duration(c.BaselineWindowMinutes) * time.Minute
}

// DefaultConfig returns a config with the documented defaults; only the
// database URL has no default.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     3002,
			LogLevel: "info",
			CORS:     false,
		},
		Regression: RegressionConfig{
			SuccessRateThreshold:    0.05,
			EfficiencyThreshold:     0.10,
			MinSampleSize:           50,
			EvaluationWindowMinutes: 30,
		},
		Deployment: DeploymentConfig{
			BaselineWindowMinutes: 60,
		},
		Scheduler: SchedulerConfig{
			ExpirySweepInterval:  time.Hour,
			MonitorSweepInterval: 15 * time.Minute,
		},
		Notifications: NotificationsConfig{
			Enabled: true,
		},
	}
}
