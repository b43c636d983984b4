// Package config loads the bundle-manager and worker settings blocks from
// a config file, environment variables and defaults, using viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidMinMemory    = errors.New("min_request_memory must be positive")
	ErrInvalidCacheSize    = errors.New("max_cache_size_bytes must be positive")
	ErrInvalidWorkerTimeout = errors.New("worker_timeout_seconds must be positive")
	ErrMissingDefaultImage = errors.New("default_cpu_image must be set")
)

// Default values for settings the operator typically leaves unset.
const (
	defaultMinRequestMemory  = 4 * (1 << 20) // 4 MiB
	defaultWorkerTimeout     = 60
	defaultMaxCacheSizeBytes = 10 << 30 // 10 GiB
	defaultMaxImageCacheSize = 20 << 30 // 20 GiB
	defaultMaxRetries        = 3
	defaultDockerRuntime     = "runc"
	defaultDockerNetworkPrefix = "bundlecore"
	defaultSleepTime         = 2 * time.Second
	defaultCheckinInterval   = 5 * time.Second
)

// ManagerConfig is the bundle-manager daemon's settings block.
type ManagerConfig struct {
	SleepTime         time.Duration `mapstructure:"sleep_time"`
	MaxRequestTime    time.Duration `mapstructure:"max_request_time"`
	MaxRequestMemory  int64         `mapstructure:"max_request_memory"`
	MinRequestMemory  int64         `mapstructure:"min_request_memory"`
	MaxRequestDisk    int64         `mapstructure:"max_request_disk"`
	DefaultCPUImage   string        `mapstructure:"default_cpu_image"`
	DefaultGPUImage   string        `mapstructure:"default_gpu_image"`
	MakePoolSize      int           `mapstructure:"make_pool_size"`
	DataDir           string        `mapstructure:"data_dir"`
	BundleStoreDir    string        `mapstructure:"bundle_store_dir"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
}

// WorkerConfig is the worker daemon's settings block.
type WorkerConfig struct {
	CommitFile                     string        `mapstructure:"commit_file"`
	MaxCacheSizeBytes               int64         `mapstructure:"max_cache_size_bytes"`
	MaxImageCacheSize                int64         `mapstructure:"max_image_cache_size"`
	DownloadDependenciesMaxRetries    int           `mapstructure:"download_dependencies_max_retries"`
	WorkerTimeoutSeconds              int           `mapstructure:"worker_timeout_seconds"`
	DockerRuntime                     string        `mapstructure:"docker_runtime"`
	DockerNetworkPrefix               string        `mapstructure:"docker_network_prefix"`
	CheckinInterval                   time.Duration `mapstructure:"checkin_interval"`
	SharedFileSystem                  bool          `mapstructure:"shared_file_system"`
	CPUs                              int           `mapstructure:"cpus"`
	GPUs                              int           `mapstructure:"gpus"`
	MemoryBytes                       int64         `mapstructure:"memory_bytes"`
	FreeDiskBytes                     int64         `mapstructure:"free_disk_bytes"`
	Tag                               string        `mapstructure:"tag"`
	TagExclusive                      bool          `mapstructure:"tag_exclusive"`
	MetricsAddr                       string        `mapstructure:"metrics_addr"`
}

// Config holds the complete settings tree, read once at daemon startup.
type Config struct {
	Manager ManagerConfig `mapstructure:"manager"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Logging struct {
		Level  string `mapstructure:"level"`
		JSON   bool   `mapstructure:"json"`
	} `mapstructure:"logging"`
}

// Load reads configPath if non-empty, otherwise config.yaml from "." or
// /etc/bundlecore when one is found there, overlays CODALAB_-prefixed
// environment variables, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bundlecore")
	}

	v.SetEnvPrefix("CODALAB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("manager.sleep_time", defaultSleepTime)
	v.SetDefault("manager.min_request_memory", defaultMinRequestMemory)
	v.SetDefault("manager.default_cpu_image", "codalab/default-cpu:latest")
	v.SetDefault("manager.default_gpu_image", "codalab/default-gpu:latest")
	v.SetDefault("manager.make_pool_size", 4)
	v.SetDefault("manager.data_dir", "/var/lib/bundlecore/manager")
	v.SetDefault("manager.bundle_store_dir", "/var/lib/bundlecore/manager/bundles")
	v.SetDefault("manager.metrics_addr", ":9090")

	v.SetDefault("worker.commit_file", "/var/lib/bundlecore/worker/state.json")
	v.SetDefault("worker.max_cache_size_bytes", defaultMaxCacheSizeBytes)
	v.SetDefault("worker.max_image_cache_size", defaultMaxImageCacheSize)
	v.SetDefault("worker.download_dependencies_max_retries", defaultMaxRetries)
	v.SetDefault("worker.worker_timeout_seconds", defaultWorkerTimeout)
	v.SetDefault("worker.docker_runtime", defaultDockerRuntime)
	v.SetDefault("worker.docker_network_prefix", defaultDockerNetworkPrefix)
	v.SetDefault("worker.checkin_interval", defaultCheckinInterval)
	v.SetDefault("worker.metrics_addr", ":9091")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)
}

func validate(cfg *Config) error {
	if cfg.Manager.MinRequestMemory <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMinMemory, cfg.Manager.MinRequestMemory)
	}
	if cfg.Manager.DefaultCPUImage == "" {
		return ErrMissingDefaultImage
	}
	if cfg.Worker.MaxCacheSizeBytes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCacheSize, cfg.Worker.MaxCacheSizeBytes)
	}
	if cfg.Worker.WorkerTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkerTimeout, cfg.Worker.WorkerTimeoutSeconds)
	}
	return nil
}
