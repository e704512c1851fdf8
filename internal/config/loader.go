package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// configName is the config file name without extension.
const configName = ".npmlens"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for npmlens settings.
const envPrefix = "NPMLENS"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Defaults applied when neither file nor environment provides a value.
const (
	DefaultSearchIndex         = "npmlens"
	DefaultQueueName           = "npmlens-analyze"
	DefaultQueueMaxRetries     = 5
	DefaultConsumerConcurrency = 2
	DefaultObserverBufferSize  = 1000
	DefaultObserverFlushDelay  = 2 * time.Second
	DefaultObserverRestart     = 5 * time.Second
	DefaultStaleInterval       = time.Hour
	DefaultStaleWindow         = 25 * 24 * time.Hour
	DefaultMaxFiles            = 32768
	DefaultMaxTarballSize      = 256 << 20
	DefaultStoreDatabase       = "npmlens"
)

// LoadEnvFile loads a dotenv-style file into the process environment.
// Existing variables are not overridden.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	err := gotenv.Load(path)
	if err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}

	return nil
}

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("store.database", DefaultStoreDatabase)

	viperCfg.SetDefault("search.index", DefaultSearchIndex)

	viperCfg.SetDefault("queue.name", DefaultQueueName)
	viperCfg.SetDefault("queue.max_retries", DefaultQueueMaxRetries)

	viperCfg.SetDefault("consumer.concurrency", DefaultConsumerConcurrency)

	viperCfg.SetDefault("observer.default_seq", 0)
	viperCfg.SetDefault("observer.buffer_size", DefaultObserverBufferSize)
	viperCfg.SetDefault("observer.flush_delay", DefaultObserverFlushDelay)
	viperCfg.SetDefault("observer.restart_delay", DefaultObserverRestart)
	viperCfg.SetDefault("observer.stale.interval", DefaultStaleInterval)
	viperCfg.SetDefault("observer.stale.window", DefaultStaleWindow)

	viperCfg.SetDefault("downloader.max_files", DefaultMaxFiles)
	viperCfg.SetDefault("downloader.max_tarball_size", DefaultMaxTarballSize)
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}

	var out []string

	for part := range strings.SplitSeq(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
