package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the worker configuration file
type Config struct {
	ProvisionerID  string        `yaml:"provisionerId"`
	WorkerType     string        `yaml:"workerType"`
	WorkerGroup    string        `yaml:"workerGroup"`
	WorkerID       string        `yaml:"workerId"`
	Capacity       int           `yaml:"capacity"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	QueueFreshness time.Duration `yaml:"queueFreshness"`
	ReclaimDivisor int           `yaml:"reclaimDivisor"`
	DataDir        string        `yaml:"dataDir"`

	GC         GCConfig         `yaml:"gc"`
	Cache      CacheConfig      `yaml:"cache"`
	Containerd ContainerdConfig `yaml:"containerd"`
	Redis      RedisConfig      `yaml:"redis"`
	Image      ImageConfig      `yaml:"image"`
	Features   FeaturesConfig   `yaml:"features"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Logs       LogsConfig       `yaml:"logs"`
	Status     StatusConfig     `yaml:"status"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GCConfig controls the garbage collector
type GCConfig struct {
	Interval time.Duration `yaml:"interval"`
	// DiskSpaceThreshold is the free space in bytes needed per idle task
	// slot; below it unmounted caches are purged
	DiskSpaceThreshold int64 `yaml:"diskSpaceThreshold"`
	Retries            int   `yaml:"retries"`
}

type CacheConfig struct {
	Root string `yaml:"root"`
}

type ContainerdConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ImageConfig controls image pull retries
type ImageConfig struct {
	PullAttempts int           `yaml:"pullAttempts"`
	PullDelay    time.Duration `yaml:"pullDelay"`
}

type FeaturesConfig struct {
	Proxy ProxyConfig `yaml:"proxy"`
}

type ProxyConfig struct {
	Image string `yaml:"image"`
	Port  int    `yaml:"port"`
}

type ArtifactsConfig struct {
	Root        string `yaml:"root"`
	Concurrency int    `yaml:"concurrency"`
}

type LogsConfig struct {
	Dir string `yaml:"dir"`
}

type StatusConfig struct {
	HTTPAddr string `yaml:"httpAddr"`
	GRPCAddr string `yaml:"grpcAddr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration with every field set to its default
func Default() *Config {
	dataDir := "/var/lib/burrow"
	return &Config{
		ProvisionerID:  "burrow",
		WorkerType:     "default",
		WorkerGroup:    "default",
		Capacity:       1,
		PollInterval:   5 * time.Second,
		QueueFreshness: 5 * time.Minute,
		ReclaimDivisor: 3,
		DataDir:        dataDir,
		GC: GCConfig{
			Interval:           60 * time.Second,
			DiskSpaceThreshold: 10 << 30,
			Retries:            5,
		},
		Cache:      CacheConfig{Root: filepath.Join(dataDir, "caches")},
		Containerd: ContainerdConfig{Socket: "/run/containerd/containerd.sock", Namespace: "burrow"},
		Redis:      RedisConfig{Addr: "127.0.0.1:6379"},
		Image: ImageConfig{
			PullAttempts: 5,
			PullDelay:    15 * time.Second,
		},
		Features: FeaturesConfig{
			Proxy: ProxyConfig{Image: "ghcr.io/cuemby/burrow-proxy:latest", Port: 80},
		},
		Artifacts: ArtifactsConfig{Root: filepath.Join(dataDir, "artifacts"), Concurrency: 4},
		Logs:      LogsConfig{Dir: filepath.Join(dataDir, "logs")},
		Status:    StatusConfig{HTTPAddr: ":9090", GRPCAddr: ":9091"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Finalize fills generated values such as the worker id and validates the result
func (c *Config) Finalize() error {
	if c.WorkerID == "" {
		c.WorkerID = uuid.New().String()
	}
	return c.Validate()
}

// Validate checks the configuration for values the worker cannot run with
func (c *Config) Validate() error {
	switch {
	case c.ProvisionerID == "":
		return fmt.Errorf("provisionerId is required")
	case c.WorkerType == "":
		return fmt.Errorf("workerType is required")
	case c.Capacity < 1:
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	case c.PollInterval <= 0:
		return fmt.Errorf("pollInterval must be positive")
	case c.ReclaimDivisor < 1:
		return fmt.Errorf("reclaimDivisor must be at least 1, got %d", c.ReclaimDivisor)
	case c.GC.Interval <= 0:
		return fmt.Errorf("gc.interval must be positive")
	case c.GC.DiskSpaceThreshold < 0:
		return fmt.Errorf("gc.diskSpaceThreshold must not be negative, got %d", c.GC.DiskSpaceThreshold)
	case c.GC.Retries < 1:
		return fmt.Errorf("gc.retries must be at least 1, got %d", c.GC.Retries)
	case c.Image.PullAttempts < 1:
		return fmt.Errorf("image.pullAttempts must be at least 1, got %d", c.Image.PullAttempts)
	case c.Cache.Root == "":
		return fmt.Errorf("cache.root is required")
	case c.Artifacts.Concurrency < 1:
		return fmt.Errorf("artifacts.concurrency must be at least 1, got %d", c.Artifacts.Concurrency)
	}
	return nil
}

// StorePath is the location of the local bolt database
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "burrow.db")
}
