// Package config defines the worker's configuration surface: environment
// variables per the documented defaults, with an optional YAML overlay file
// for values operators want to pin outside the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	pkgerrors "github.com/simcache/vmworker/pkg/errors"
)

// Config holds every tunable named in the configuration surface.
type Config struct {
	// Control channel
	WSURL                 string        `yaml:"ws_url"`
	VMPassword            string        `yaml:"-"` // never read from YAML; secrets stay in env
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	MaxReconnectAttempts  int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay"`

	// Simulation driver
	BlenderExecutable string `yaml:"blender_executable"`
	BakeThreads       int    `yaml:"bake_threads"`

	// Paths
	WorkDir  string `yaml:"work_dir"`
	CacheDir string `yaml:"cache_dir"`
	DictFile string `yaml:"dict_file"`

	// Adaptive batching
	TargetUploadTime time.Duration `yaml:"target_upload_time"`
	MinBatchSize     int           `yaml:"min_batch_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	DefaultBatchSize int           `yaml:"default_batch_size"`
	BatchInterval    time.Duration `yaml:"batch_interval"`

	// Compression
	ZstdLevel              int `yaml:"zstd_level"`
	ZstdDictSize           int `yaml:"zstd_dict_size"`
	ZstdMinTrainingSamples int `yaml:"zstd_min_training_samples"`

	// Progress reporting
	ProgressReportInterval time.Duration `yaml:"progress_report_interval"`

	// Ambient: logging/metrics, not in spec.md's env table but carried
	// regardless of any feature Non-goal.
	LogLevel    string `yaml:"log_level"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// Default returns the configuration surface's documented defaults.
func Default() *Config {
	return &Config{
		WSURL:                  "wss://your-worker.pages.dev/ws/vm",
		HeartbeatInterval:      3 * time.Second,
		MaxReconnectAttempts:   10,
		ReconnectDelay:         5 * time.Second,
		BlenderExecutable:      "blender",
		BakeThreads:            defaultBakeThreads(),
		WorkDir:                "work",
		CacheDir:               filepath.Join("work", "cache"),
		DictFile:               filepath.Join("work", "zstd_dictionary.dict"),
		TargetUploadTime:       20 * time.Second,
		MinBatchSize:           5,
		MaxBatchSize:           50,
		DefaultBatchSize:       10,
		BatchInterval:          2 * time.Second,
		ZstdLevel:              3,
		ZstdDictSize:           256 * 1024,
		ZstdMinTrainingSamples: 10,
		ProgressReportInterval: 2 * time.Second,
		LogLevel:               "info",
		MetricsPort:            9090,
		HealthPort:             9091,
	}
}

func defaultBakeThreads() int {
	n := runtime.NumCPU() - 2
	if n < 1 {
		n = 1
	}
	return n
}

// LoadYAML overlays values from a YAML file onto cfg. A missing file is not
// an error; callers decide whether a config file is required.
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInvalidConfig, "config", "reading config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInvalidConfig, "config", "parsing config file", err)
	}
	return nil
}

// LoadEnv overlays environment variables per the documented names onto cfg.
func LoadEnv(cfg *Config) {
	strVal(&cfg.WSURL, "WS_URL")
	strVal(&cfg.VMPassword, "VM_PASSWORD")
	strVal(&cfg.BlenderExecutable, "BLENDER_EXECUTABLE")
	intVal(&cfg.BakeThreads, "BAKE_THREADS")
	durVal(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", time.Second)
	intVal(&cfg.MaxReconnectAttempts, "MAX_RECONNECT_ATTEMPTS")
	durVal(&cfg.ReconnectDelay, "RECONNECT_DELAY", time.Second)
	durVal(&cfg.TargetUploadTime, "TARGET_UPLOAD_TIME", time.Second)
	intVal(&cfg.MinBatchSize, "MIN_BATCH_SIZE")
	intVal(&cfg.MaxBatchSize, "MAX_BATCH_SIZE")
	intVal(&cfg.DefaultBatchSize, "DEFAULT_BATCH_SIZE")
	durVal(&cfg.BatchInterval, "BATCH_INTERVAL", time.Second)
	intVal(&cfg.ZstdLevel, "ZSTD_LEVEL")
	intVal(&cfg.ZstdDictSize, "ZSTD_DICT_SIZE")
	intVal(&cfg.ZstdMinTrainingSamples, "ZSTD_MIN_TRAINING_SAMPLES")
	durVal(&cfg.ProgressReportInterval, "PROGRESS_REPORT_INTERVAL", time.Second)
}

func strVal(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func intVal(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func durVal(dst *time.Duration, env string, unit time.Duration) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(n * float64(unit))
		}
	}
}

// Validate checks invariants required before the pipeline can start.
func (c *Config) Validate() error {
	if c.VMPassword == "" {
		return pkgerrors.New(pkgerrors.CodeMissingConfig, "config", "VM_PASSWORD is not set")
	}
	if c.MinBatchSize <= 0 || c.MaxBatchSize < c.MinBatchSize {
		return pkgerrors.New(pkgerrors.CodeInvalidConfig, "config",
			fmt.Sprintf("invalid batch size bounds: min=%d max=%d", c.MinBatchSize, c.MaxBatchSize))
	}
	if c.DefaultBatchSize < c.MinBatchSize || c.DefaultBatchSize > c.MaxBatchSize {
		return pkgerrors.New(pkgerrors.CodeInvalidConfig, "config", "default batch size outside min/max bounds")
	}
	return nil
}

// EnsureDirs creates the working and cache directories.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInvalidConfig, "config", "creating work dir", err)
	}
	if err := os.MkdirAll(c.CacheDir, 0o755); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInvalidConfig, "config", "creating cache dir", err)
	}
	return nil
}

// BatchSpillDir is the directory the Compressor writes spill files under.
func (c *Config) BatchSpillDir() string {
	return filepath.Join(c.WorkDir, "batches")
}
