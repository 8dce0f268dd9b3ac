// Package config provides configuration loading, validation, and hot-reload
// for sbh-guardd.
//
// Configuration file: /etc/sbh-guard/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (pressure thresholds, kill switch,
//     scoring weights and losses, ballast target counts, protected globs,
//     scan options). The log level and the watched-path set are read at
//     startup only; a change to either takes effect on restart.
//   - Destructive changes (DB path, socket path) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (weights >= 0 and sum to 1.0, thresholds in
//     [0,100], etc).
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// FreeMetric selects which statfs field the forecaster and PID controller
// consume. The spec requires a single, fixed choice for the daemon's
// lifetime; see SPEC_FULL.md's open-question resolutions for why
// "available" is the default.
type FreeMetric string

const (
	FreeMetricAvailable FreeMetric = "available"
	FreeMetricFree      FreeMetric = "free"
)

// Config is the root configuration structure for sbh-guardd.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this daemon instance in activity log entries.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Monitor       MonitorConfig       `yaml:"monitor"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Ballast       BallastConfig       `yaml:"ballast"`
	Policy        PolicyConfig        `yaml:"policy"`
	Guardrails    GuardrailsConfig    `yaml:"guardrails"`
	Prediction    PredictionConfig    `yaml:"pressure_prediction"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// MonitorConfig controls pressure-sample cadence and level thresholds.
type MonitorConfig struct {
	SampleIntervalSeconds int `yaml:"sample_interval_seconds"`
	PollIntervalMS        int `yaml:"poll_interval_ms"`

	PressureGreenPct  float64 `yaml:"pressure_green_pct"`
	PressureYellowPct float64 `yaml:"pressure_yellow_pct"`
	PressureOrangePct float64 `yaml:"pressure_orange_pct"`
	PressureRedPct    float64 `yaml:"pressure_red_pct"`

	// FreeMetric is the single statfs field fed to the forecaster and PID
	// controller for the daemon's lifetime. See SPEC_FULL.md's open-question
	// resolutions. Not intended to change at runtime.
	FreeMetric FreeMetric `yaml:"free_metric"`
}

// ScannerConfig controls the walker.
type ScannerConfig struct {
	WatchedPaths   []string `yaml:"watched_paths"`
	CrossDevice    bool     `yaml:"cross_device"`
	Parallelism    int      `yaml:"parallelism"`
	MaxDepth       int      `yaml:"max_depth"`
	ExcludedPaths  []string `yaml:"excluded_paths"`
	ProtectedGlobs []string `yaml:"protected_paths_globs"`

	RepeatDeletionBaseCooldownSecs int `yaml:"repeat_deletion_base_cooldown_secs"`
	RepeatDeletionMaxCooldownSecs  int `yaml:"repeat_deletion_max_cooldown_secs"`
}

// ScoringWeights holds the five composite-score factor weights.
type ScoringWeights struct {
	Location  float64 `yaml:"location"`
	Name      float64 `yaml:"name"`
	Age       float64 `yaml:"age"`
	Size      float64 `yaml:"size"`
	Structure float64 `yaml:"structure"`
}

// ScoringConfig controls the composite score and expected-loss decision.
type ScoringConfig struct {
	Weights ScoringWeights `yaml:"weights"`

	FalsePositiveLoss float64 `yaml:"false_positive_loss"`
	FalseNegativeLoss float64 `yaml:"false_negative_loss"`

	MinScore         float64 `yaml:"min_score"`
	DecisionMargin   float64 `yaml:"decision_margin"`
	ReviewUncertainty float64 `yaml:"review_uncertainty_threshold"`
}

// BallastConfig controls the per-volume ballast pool.
type BallastConfig struct {
	AutoProvision    bool           `yaml:"auto_provision"`
	PerVolumeCount   int            `yaml:"per_volume_file_count"`
	PerVolumeSizeMB  int            `yaml:"per_volume_file_size_mb"`
	VolumeOverrides  map[string]int `yaml:"volume_overrides"`
	ReplenishCooldownSeconds int    `yaml:"replenish_cooldown_seconds"`
}

// PolicyConfig controls the progressive-delivery engine's initial mode and
// bounds. Runtime transitions are controlled by the policy engine itself.
type PolicyConfig struct {
	Mode                   string `yaml:"mode"` // observe | canary | enforce (initial only)
	CanaryDeleteCapPerHour int    `yaml:"canary_delete_cap_per_hour"`
	FallbackSafe           bool   `yaml:"fallback_safe"`
	RecoveryCleanWindows   int    `yaml:"recovery_clean_windows"`

	// KillSwitch forces an immediate demotion to FallbackSafe on the next
	// monitor cycle after this is set, picked up on SIGHUP hot-reload
	// without restarting the daemon. It is not reset automatically —
	// clearing it and reloading is what lets Promote become reachable
	// again once clean windows accrue.
	KillSwitch bool `yaml:"kill_switch"`
}

// GuardrailsConfig controls the calibration/e-process drift detector.
type GuardrailsConfig struct {
	CalibrationFloor                 float64 `yaml:"calibration_floor"`
	ConsecutiveCleanWindowsForRecover int    `yaml:"consecutive_clean_windows_for_recovery"`
}

// PredictionConfig controls the predictive urgency boost.
type PredictionConfig struct {
	Enabled                bool    `yaml:"enabled"`
	ActionHorizonMinutes   int     `yaml:"action_horizon_minutes"`
	WarningHorizonMinutes  int     `yaml:"warning_horizon_minutes"`
	MinConfidence          float64 `yaml:"min_confidence"`
	MinSamples             int     `yaml:"min_samples"`
	ImminentDangerMinutes  int     `yaml:"imminent_danger_minutes"`
	CriticalDangerMinutes  int     `yaml:"critical_danger_minutes"`
}

// SchedulerConfig controls the VOI scan scheduler.
type SchedulerConfig struct {
	Enabled                  bool    `yaml:"enabled"`
	ScanBudgetPerInterval    int     `yaml:"scan_budget_per_interval"`
	ExplorationQuotaFraction float64 `yaml:"exploration_quota_fraction"`
	WeightIOCost             float64 `yaml:"weight_io_cost"`
	WeightFalsePositive      float64 `yaml:"weight_false_positive"`
	ForecastErrorThreshold   float64 `yaml:"forecast_error_threshold"`
	FallbackTriggerWindows   int     `yaml:"fallback_trigger_windows"`
	RecoveryTriggerWindows   int     `yaml:"recovery_trigger_windows"`

	// OnDemandScanBudgetPerMinute caps how many full scanner.Walk passes
	// triggered outside the VOI scheduler's own periodic tick (a pressure
	// crossing Orange, an explicit scan request) may run per minute,
	// across all watched roots combined — guards against a root flapping
	// across the Orange boundary from re-walking itself into the ground.
	OnDemandScanBudgetPerMinute int `yaml:"on_demand_scan_budget_per_minute"`
}

// LoggingConfig controls the dual activity log backends.
type LoggingConfig struct {
	IndexedStorePath string `yaml:"indexed_store_path"`
	JournalPath      string `yaml:"journal_path"`
	RetentionDays    int    `yaml:"retention_days"`
}

// ObservabilityConfig holds logging format/level parameters. No HTTP
// metrics address is configured here: the core never binds a listener
// (see SPEC_FULL.md §1.2); an external collaborator mounts the registry
// returned by observability.Metrics.Registry() if it wants one.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the command-surface Unix socket parameters.
type OperatorConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

// DefaultStateFilePath is where DaemonState snapshots are written atomically.
const DefaultStateFilePath = "/run/sbh-guard/state.json"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Monitor: MonitorConfig{
			SampleIntervalSeconds: 5,
			PollIntervalMS:        1000,
			PressureGreenPct:      20,
			PressureYellowPct:     14,
			PressureOrangePct:     10,
			PressureRedPct:        6,
			FreeMetric:            FreeMetricAvailable,
		},
		Scanner: ScannerConfig{
			WatchedPaths:                   nil,
			CrossDevice:                    false,
			Parallelism:                    4,
			MaxDepth:                       0,
			RepeatDeletionBaseCooldownSecs: 300,
			RepeatDeletionMaxCooldownSecs:  86400,
		},
		Scoring: ScoringConfig{
			Weights: ScoringWeights{
				Location:  0.25,
				Name:      0.25,
				Age:       0.20,
				Size:      0.15,
				Structure: 0.15,
			},
			// SPEC_FULL.md open-question resolution: midpoint of documented 50-100 range.
			FalsePositiveLoss: 75,
			FalseNegativeLoss: 30,
			MinScore:          0.5,
			DecisionMargin:    5,
			ReviewUncertainty: 0.6,
		},
		Ballast: BallastConfig{
			AutoProvision:            true,
			PerVolumeCount:           10,
			PerVolumeSizeMB:          256,
			ReplenishCooldownSeconds: 3600,
		},
		Policy: PolicyConfig{
			Mode:                   "observe",
			CanaryDeleteCapPerHour: 10,
			FallbackSafe:           false,
			RecoveryCleanWindows:   3,
		},
		Guardrails: GuardrailsConfig{
			CalibrationFloor:                  0.3,
			ConsecutiveCleanWindowsForRecover: 3,
		},
		Prediction: PredictionConfig{
			Enabled:               true,
			ActionHorizonMinutes:  30,
			WarningHorizonMinutes: 60,
			MinConfidence:         0.5,
			MinSamples:            3,
			ImminentDangerMinutes: 15,
			CriticalDangerMinutes: 5,
		},
		Scheduler: SchedulerConfig{
			Enabled:                     true,
			ScanBudgetPerInterval:       5,
			ExplorationQuotaFraction:    0.2,
			WeightIOCost:                0.3,
			WeightFalsePositive:         0.4,
			ForecastErrorThreshold:      0.5,
			FallbackTriggerWindows:      3,
			RecoveryTriggerWindows:      5,
			OnDemandScanBudgetPerMinute: 20,
		},
		Logging: LoggingConfig{
			IndexedStorePath: "/var/lib/sbh-guard/activity.db",
			JournalPath:      "/var/lib/sbh-guard/journal.log",
			RetentionDays:    30,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/sbh-guard/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness and accumulates every
// violation into a single error, matching spec.md §6's reject list:
// weights that do not sum to 1.0; negative weights; pressure thresholds
// outside [0,100]; min_score greater than calibration_floor.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}

	for _, pct := range []struct {
		name string
		val  float64
	}{
		{"monitor.pressure_green_pct", cfg.Monitor.PressureGreenPct},
		{"monitor.pressure_yellow_pct", cfg.Monitor.PressureYellowPct},
		{"monitor.pressure_orange_pct", cfg.Monitor.PressureOrangePct},
		{"monitor.pressure_red_pct", cfg.Monitor.PressureRedPct},
	} {
		if pct.val < 0 || pct.val > 100 {
			errs = append(errs, fmt.Sprintf("%s must be in [0,100], got %f", pct.name, pct.val))
		}
	}
	if cfg.Monitor.FreeMetric != FreeMetricAvailable && cfg.Monitor.FreeMetric != FreeMetricFree {
		errs = append(errs, fmt.Sprintf("monitor.free_metric must be \"available\" or \"free\", got %q", cfg.Monitor.FreeMetric))
	}

	if cfg.Scanner.Parallelism < 1 {
		errs = append(errs, fmt.Sprintf("scanner.parallelism must be >= 1, got %d", cfg.Scanner.Parallelism))
	}

	w := cfg.Scoring.Weights
	sum := w.Location + w.Name + w.Age + w.Size + w.Structure
	if w.Location < 0 || w.Name < 0 || w.Age < 0 || w.Size < 0 || w.Structure < 0 {
		errs = append(errs, "scoring.weights: all weights must be non-negative")
	}
	if math.Abs(sum-1.0) > 1e-6 {
		errs = append(errs, fmt.Sprintf("scoring.weights must sum to 1.0, got %f", sum))
	}
	if cfg.Scoring.FalsePositiveLoss < 0 || cfg.Scoring.FalseNegativeLoss < 0 {
		errs = append(errs, "scoring.false_positive_loss and false_negative_loss must be non-negative")
	}
	if cfg.Scoring.MinScore > cfg.Guardrails.CalibrationFloor {
		errs = append(errs, fmt.Sprintf(
			"scoring.min_score (%f) must not be greater than guardrails.calibration_floor (%f)",
			cfg.Scoring.MinScore, cfg.Guardrails.CalibrationFloor))
	}

	if cfg.Ballast.PerVolumeCount < 0 {
		errs = append(errs, "ballast.per_volume_file_count must be >= 0")
	}
	if cfg.Ballast.PerVolumeSizeMB < 1 {
		errs = append(errs, "ballast.per_volume_file_size_mb must be >= 1")
	}

	switch cfg.Policy.Mode {
	case "observe", "canary", "enforce":
	default:
		errs = append(errs, fmt.Sprintf("policy.mode must be one of observe|canary|enforce, got %q", cfg.Policy.Mode))
	}
	if cfg.Policy.CanaryDeleteCapPerHour < 0 {
		errs = append(errs, "policy.canary_delete_cap_per_hour must be >= 0")
	}
	if cfg.Policy.RecoveryCleanWindows < 1 {
		errs = append(errs, "policy.recovery_clean_windows must be >= 1")
	}

	if cfg.Guardrails.CalibrationFloor < 0 || cfg.Guardrails.CalibrationFloor > 1 {
		errs = append(errs, "guardrails.calibration_floor must be in [0,1]")
	}
	if cfg.Guardrails.ConsecutiveCleanWindowsForRecover < 1 {
		errs = append(errs, "guardrails.consecutive_clean_windows_for_recovery must be >= 1")
	}

	if cfg.Logging.IndexedStorePath == "" {
		errs = append(errs, "logging.indexed_store_path must not be empty")
	}
	if cfg.Logging.JournalPath == "" {
		errs = append(errs, "logging.journal_path must not be empty")
	}
	if cfg.Logging.RetentionDays < 1 {
		errs = append(errs, "logging.retention_days must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

// ReloadInterval is the minimum spacing enforced between two hot reloads,
// to avoid thrash if SIGHUP is delivered repeatedly in a short window.
const ReloadInterval = 2 * time.Second
