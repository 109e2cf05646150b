// Package config loads and normalizes the engine's configuration from
// config.yaml in the taskvault home directory, with TASKVAULT_* environment
// overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskvault/internal/otel"
)

// Conflict resolution strategies.
const (
	StrategyTimestamp = "timestamp"
	StrategyMerge     = "merge"
	StrategyManual    = "manual"
)

// Options holds every recognized engine option.
type Options struct {
	HomeDir string `yaml:"-"`

	// StorageDir is the root of the shared task/queue store. Session
	// metadata and checkpoints live in its parent directory so that
	// sibling sessions sharing the store can see each other.
	StorageDir string `yaml:"storage_dir"`

	// EnableCompression is accepted for forward compatibility but inert:
	// documents and checkpoints are always written uncompressed.
	EnableCompression bool `yaml:"enable_compression"`

	// MaxBackupVersions bounds per-document pre-migration backups.
	MaxBackupVersions int `yaml:"max_backup_versions"`

	EnableMetrics bool `yaml:"enable_metrics"`

	// ConflictResolution is one of timestamp, merge, manual.
	ConflictResolution string `yaml:"conflict_resolution"`

	// RealtimeSync bypasses the write buffer: every save goes straight
	// to disk.
	RealtimeSync bool `yaml:"realtime_sync"`

	HeartbeatIntervalMS  int `yaml:"heartbeat_interval_ms"`
	CheckpointIntervalMS int `yaml:"checkpoint_interval_ms"`

	LogLevel string `yaml:"log_level"`

	// MaintenanceSchedule is a 5-field cron expression for the background
	// sweep (session files, expired cache entries, checkpoint retention).
	MaintenanceSchedule string `yaml:"maintenance_schedule"`

	OTel otel.Config `yaml:"otel"`
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (o Options) HeartbeatInterval() time.Duration {
	return time.Duration(o.HeartbeatIntervalMS) * time.Millisecond
}

// CheckpointInterval returns the automatic checkpoint period as a duration.
func (o Options) CheckpointInterval() time.Duration {
	return time.Duration(o.CheckpointIntervalMS) * time.Millisecond
}

// SessionDir is where session metadata files live: the parent of StorageDir.
func (o Options) SessionDir() string {
	return filepath.Dir(o.StorageDir)
}

// CheckpointDir is where checkpoint files live.
func (o Options) CheckpointDir() string {
	return filepath.Join(o.SessionDir(), "checkpoints")
}

// BackupDir is where pre-migration document backups live.
func (o Options) BackupDir() string {
	return filepath.Join(o.StorageDir, "backups")
}

// Fingerprint returns a stable hash of the tuning knobs, logged at startup
// so divergent sibling configurations are visible in the logs.
func (o Options) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "storage=%s|strategy=%s|sync=%t|hb=%d|cp=%d|backups=%d",
		o.StorageDir, o.ConflictResolution, o.RealtimeSync,
		o.HeartbeatIntervalMS, o.CheckpointIntervalMS, o.MaxBackupVersions)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultOptions() Options {
	cwd, err := os.Getwd()
	if err != nil || cwd == "" {
		cwd = "."
	}
	return Options{
		StorageDir:           filepath.Join(cwd, ".persistence"),
		EnableCompression:    true,
		MaxBackupVersions:    5,
		EnableMetrics:        true,
		ConflictResolution:   StrategyTimestamp,
		HeartbeatIntervalMS:  30000,
		CheckpointIntervalMS: 300000,
		LogLevel:             "info",
		MaintenanceSchedule:  "*/5 * * * *",
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the taskvault home directory (TASKVAULT_HOME or
// ~/.taskvault).
func HomeDir() string {
	if override := os.Getenv("TASKVAULT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskvault")
}

// Load reads config.yaml from the taskvault home, applies environment
// overrides, and normalizes the result. A missing config file is not an
// error: defaults apply.
func Load() (Options, error) {
	opts := defaultOptions()
	opts.HomeDir = HomeDir()

	if err := os.MkdirAll(opts.HomeDir, 0o755); err != nil {
		return opts, fmt.Errorf("create taskvault home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(opts.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return opts, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&opts)
	normalize(&opts)
	return opts, nil
}

func normalize(opts *Options) {
	if strings.TrimSpace(opts.StorageDir) == "" {
		opts.StorageDir = defaultOptions().StorageDir
	}
	opts.StorageDir = filepath.Clean(opts.StorageDir)
	if opts.MaxBackupVersions <= 0 {
		opts.MaxBackupVersions = 5
	}
	switch opts.ConflictResolution {
	case StrategyTimestamp, StrategyMerge, StrategyManual:
	default:
		opts.ConflictResolution = StrategyTimestamp
	}
	if opts.HeartbeatIntervalMS <= 0 {
		opts.HeartbeatIntervalMS = 30000
	}
	if opts.CheckpointIntervalMS <= 0 {
		opts.CheckpointIntervalMS = 300000
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "info"
	}
	if strings.TrimSpace(opts.MaintenanceSchedule) == "" {
		opts.MaintenanceSchedule = "*/5 * * * *"
	}
}

func applyEnvOverrides(opts *Options) {
	if raw := os.Getenv("TASKVAULT_STORAGE_DIR"); raw != "" {
		opts.StorageDir = raw
	}
	if raw := os.Getenv("TASKVAULT_CONFLICT_RESOLUTION"); raw != "" {
		opts.ConflictResolution = raw
	}
	if raw := os.Getenv("TASKVAULT_LOG_LEVEL"); raw != "" {
		opts.LogLevel = raw
	}
	if raw := os.Getenv("TASKVAULT_REALTIME_SYNC"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			opts.RealtimeSync = v
		}
	}
	if raw := os.Getenv("TASKVAULT_HEARTBEAT_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			opts.HeartbeatIntervalMS = v
		}
	}
	if raw := os.Getenv("TASKVAULT_CHECKPOINT_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			opts.CheckpointIntervalMS = v
		}
	}
	if raw := os.Getenv("TASKVAULT_MAX_BACKUP_VERSIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			opts.MaxBackupVersions = v
		}
	}
	if raw := os.Getenv("TASKVAULT_MAINTENANCE_SCHEDULE"); raw != "" {
		opts.MaintenanceSchedule = raw
	}
}
