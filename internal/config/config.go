// Package config holds pipeline runtime configuration: a mutex-guarded
// struct that can be loaded from and saved to JSON, with environment
// variable overrides for deployment-time tuning.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"videopipe/internal/constants"
)

// WorkerConfig holds the per-stage concurrency caps.
type WorkerConfig struct {
	GeneratorConcurrency  int `json:"generatorConcurrency"`
	PollerConcurrency     int `json:"pollerConcurrency"`
	DownloaderConcurrency int `json:"downloaderConcurrency"`
}

// QueueConfig holds the bounded-queue capacities.
type QueueConfig struct {
	GenerateCapacity int `json:"generateCapacity"`
	PollCapacity     int `json:"pollCapacity"`
	DownloadCapacity int `json:"downloadCapacity"`
}

// Config is the pipeline's runtime configuration.
type Config struct {
	DataDir       string       `json:"dataDir"`
	AdminAddr     string       `json:"adminAddr"`
	RemoteBaseURL string       `json:"remoteBaseUrl"`
	Worker        WorkerConfig `json:"worker"`
	Queue         QueueConfig  `json:"queue"`

	mu       sync.RWMutex
	filePath string
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir:       "data",
		AdminAddr:     "127.0.0.1:8787",
		RemoteBaseURL: "",
		Worker: WorkerConfig{
			GeneratorConcurrency:  constants.GeneratorConcurrency,
			PollerConcurrency:     constants.PollerConcurrency,
			DownloaderConcurrency: constants.DownloaderConcurrency,
		},
		Queue: QueueConfig{
			GenerateCapacity: constants.GenerateQueueCapacity,
			PollCapacity:     constants.PollQueueCapacity,
			DownloadCapacity: constants.DownloadQueueCapacity,
		},
	}
}

// Load reads the config file from the given directory, falling back to
// Default() if absent or corrupted.
func Load(configDir string) (*Config, error) {
	filePath := filepath.Join(configDir, "settings.json")
	cfg := Default()
	cfg.filePath = filePath

	data, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			cfg = Default()
		}
	}
	cfg.filePath = filePath

	if v := os.Getenv("PIPELINE_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("PIPELINE_REMOTE_BASE_URL"); v != "" {
		cfg.RemoteBaseURL = v
	}
	if v := os.Getenv("PIPELINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	return cfg, nil
}

// Save writes the current config to disk.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// Update executes fn with the mutex held.
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Get returns a copy of the configuration.
func (c *Config) Get() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		DataDir:       c.DataDir,
		AdminAddr:     c.AdminAddr,
		RemoteBaseURL: c.RemoteBaseURL,
		Worker:        c.Worker,
		Queue:         c.Queue,
	}
}
