// Package config loads and validates npmlens configuration from file,
// environment, and defaults.
package config

import (
	"errors"
	"time"
)

// Config is the top-level configuration struct for npmlens.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Registry   RegistryConfig   `mapstructure:"registry"`
	Store      StoreConfig      `mapstructure:"store"`
	Search     SearchConfig     `mapstructure:"search"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Observer   ObserverConfig   `mapstructure:"observer"`
	GitHub     GitHubConfig     `mapstructure:"github"`
	Downloader DownloaderConfig `mapstructure:"downloader"`

	// Blacklist maps package names to the reason they are excluded.
	Blacklist map[string]string `mapstructure:"blacklist"`

	// MetricsAddr, when set, exposes a prometheus /metrics listener.
	MetricsAddr string `mapstructure:"metrics_addr"`

	OTLP OTLPConfig `mapstructure:"otlp"`
}

// RegistryConfig locates the source registry.
type RegistryConfig struct {
	URL          string `mapstructure:"url"`
	DownloadsURL string `mapstructure:"downloads_url"`
}

// StoreConfig locates the analysis document database.
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// SearchConfig locates the search engine.
type SearchConfig struct {
	URL   string `mapstructure:"url"`
	Index string `mapstructure:"index"`
}

// QueueConfig locates the broker and names the durable queue.
type QueueConfig struct {
	URL        string `mapstructure:"url"`
	Name       string `mapstructure:"name"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// ConsumerConfig holds worker pool knobs.
type ConsumerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// ObserverConfig holds CDC follower and stale sweep knobs.
type ObserverConfig struct {
	DefaultSeq   int           `mapstructure:"default_seq"`
	BufferSize   int           `mapstructure:"buffer_size"`
	FlushDelay   time.Duration `mapstructure:"flush_delay"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	Stale        StaleConfig   `mapstructure:"stale"`
}

// StaleConfig holds the periodic staleness sweep knobs.
type StaleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Window   time.Duration `mapstructure:"window"`
}

// GitHubConfig holds API credentials and rate-limit behavior.
type GitHubConfig struct {
	// Tokens is a comma-separated list of API tokens.
	Tokens string `mapstructure:"tokens"`

	// WaitRateLimit blocks collectors until the nearest token reset
	// instead of failing tolerated when the pool is exhausted.
	WaitRateLimit bool `mapstructure:"wait_rate_limit"`
}

// DownloaderConfig holds source acquisition limits and overrides.
type DownloaderConfig struct {
	MaxFiles       int   `mapstructure:"max_files"`
	MaxTarballSize int64 `mapstructure:"max_tarball_size"`

	// GitRefs maps package names to a git ref override consulted
	// before the manifest gitHead.
	GitRefs map[string]string `mapstructure:"git_refs"`
}

// OTLPConfig locates the telemetry collector.
type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// Sentinel errors for configuration validation.
var (
	// ErrMissingRegistryURL indicates no source registry URL is configured.
	ErrMissingRegistryURL = errors.New("registry.url must be set")
	// ErrMissingStoreURL indicates no analysis database URL is configured.
	ErrMissingStoreURL = errors.New("store.url must be set")
	// ErrInvalidConcurrency indicates the consumer concurrency is not positive.
	ErrInvalidConcurrency = errors.New("consumer.concurrency must be positive")
	// ErrInvalidMaxRetries indicates the queue retry bound is negative.
	ErrInvalidMaxRetries = errors.New("queue.max_retries must be non-negative")
	// ErrInvalidBufferSize indicates the observer buffer size is not positive.
	ErrInvalidBufferSize = errors.New("observer.buffer_size must be positive")
	// ErrInvalidFlushDelay indicates the observer flush delay is not positive.
	ErrInvalidFlushDelay = errors.New("observer.flush_delay must be positive")
	// ErrInvalidStaleWindow indicates the staleness window is not positive.
	ErrInvalidStaleWindow = errors.New("observer.stale.window must be positive")
	// ErrInvalidMaxFiles indicates the extraction file bound is not positive.
	ErrInvalidMaxFiles = errors.New("downloader.max_files must be positive")
	// ErrInvalidMaxTarball indicates the tarball size cap is not positive.
	ErrInvalidMaxTarball = errors.New("downloader.max_tarball_size must be positive")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.Registry.URL == "" {
		return ErrMissingRegistryURL
	}

	if c.Store.URL == "" {
		return ErrMissingStoreURL
	}

	if c.Consumer.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.Queue.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}

	return c.validateLimits()
}

func (c *Config) validateLimits() error {
	if c.Observer.BufferSize <= 0 {
		return ErrInvalidBufferSize
	}

	if c.Observer.FlushDelay <= 0 {
		return ErrInvalidFlushDelay
	}

	if c.Observer.Stale.Window <= 0 {
		return ErrInvalidStaleWindow
	}

	if c.Downloader.MaxFiles <= 0 {
		return ErrInvalidMaxFiles
	}

	if c.Downloader.MaxTarballSize <= 0 {
		return ErrInvalidMaxTarball
	}

	return nil
}

// GitHubTokenList splits the comma-separated token configuration,
// dropping empty entries.
func (c *Config) GitHubTokenList() []string {
	return splitNonEmpty(c.GitHub.Tokens, ",")
}
