package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		Registry: config.RegistryConfig{URL: "http://localhost:5984/registry"},
		Store:    config.StoreConfig{URL: "http://localhost:5984", Database: "npmlens"},
		Queue:    config.QueueConfig{MaxRetries: 5},
		Consumer: config.ConsumerConfig{Concurrency: 2},
		Observer: config.ObserverConfig{
			BufferSize: 1000,
			FlushDelay: 2 * time.Second,
			Stale:      config.StaleConfig{Window: 25 * 24 * time.Hour},
		},
		Downloader: config.DownloaderConfig{MaxFiles: 32768, MaxTarballSize: 256 << 20},
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{"missing registry url", func(c *config.Config) { c.Registry.URL = "" }, config.ErrMissingRegistryURL},
		{"missing store url", func(c *config.Config) { c.Store.URL = "" }, config.ErrMissingStoreURL},
		{"zero concurrency", func(c *config.Config) { c.Consumer.Concurrency = 0 }, config.ErrInvalidConcurrency},
		{"negative retries", func(c *config.Config) { c.Queue.MaxRetries = -1 }, config.ErrInvalidMaxRetries},
		{"zero buffer", func(c *config.Config) { c.Observer.BufferSize = 0 }, config.ErrInvalidBufferSize},
		{"zero flush delay", func(c *config.Config) { c.Observer.FlushDelay = 0 }, config.ErrInvalidFlushDelay},
		{"zero stale window", func(c *config.Config) { c.Observer.Stale.Window = 0 }, config.ErrInvalidStaleWindow},
		{"zero max files", func(c *config.Config) { c.Downloader.MaxFiles = 0 }, config.ErrInvalidMaxFiles},
		{"zero tarball cap", func(c *config.Config) { c.Downloader.MaxTarballSize = 0 }, config.ErrInvalidMaxTarball},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "npmlens.yaml")

	content := []byte(`
registry:
  url: http://couch.internal:5984/registry
store:
  url: http://couch.internal:5984
consumer:
  concurrency: 8
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://couch.internal:5984/registry", cfg.Registry.URL)
	assert.Equal(t, 8, cfg.Consumer.Concurrency)

	// Defaults fill everything the file omits.
	assert.Equal(t, config.DefaultQueueName, cfg.Queue.Name)
	assert.Equal(t, config.DefaultObserverBufferSize, cfg.Observer.BufferSize)
	assert.Equal(t, config.DefaultObserverFlushDelay, cfg.Observer.FlushDelay)
	assert.Equal(t, config.DefaultStaleWindow, cfg.Observer.Stale.Window)
	assert.Equal(t, int64(config.DefaultMaxTarballSize), cfg.Downloader.MaxTarballSize)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "npmlens.yaml")

	content := []byte(`
registry:
  url: http://couch.internal:5984/registry
store:
  url: http://couch.internal:5984
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("NPMLENS_CONSUMER_CONCURRENCY", "16")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Consumer.Concurrency)
}

func TestGitHubTokenList(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.GitHub.Tokens = "aaa, bbb,,ccc"

	assert.Equal(t, []string{"aaa", "bbb", "ccc"}, cfg.GitHubTokenList())

	cfg.GitHub.Tokens = ""
	assert.Nil(t, cfg.GitHubTokenList())
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	require.NoError(t, os.WriteFile(path, []byte("NPMLENS_TEST_SENTINEL=from-dotenv\n"), 0o600))

	require.NoError(t, config.LoadEnvFile(path))
	assert.Equal(t, "from-dotenv", os.Getenv("NPMLENS_TEST_SENTINEL"))

	t.Cleanup(func() { _ = os.Unsetenv("NPMLENS_TEST_SENTINEL") })
}
