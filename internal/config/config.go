package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/raaihank/embedding-server/internal/inference"
)

// EnvPrefix prefixes every environment override, e.g. EMBED_SERVER_PORT.
const EnvPrefix = "EMBED"

var (
	mu     sync.Mutex
	active *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/embedding-server/")
	v.AddConfigPath("$HOME/.embedding-server/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv can override keys absent from the file.
	setDefaults(v, "", reflect.ValueOf(*GetDefaults()))

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	active = v
	mu.Unlock()
	return config, nil
}

// ConfigFile returns the file the last Load read, or "" when only defaults and env were used.
func ConfigFile() string {
	mu.Lock()
	defer mu.Unlock()
	if active == nil {
		return ""
	}
	return active.ConfigFileUsed()
}

func decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDerived(config)
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults registers every mapstructure key of the defaults struct with viper.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := val.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Time{}) {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// applyDerived fills values that default from other settings.
func applyDerived(config *Config) {
	if config.Model.Name == "" {
		name := filepath.Base(config.Model.dir())
		if name == "" || name == "." || name == string(filepath.Separator) {
			name = "model"
		}
		config.Model.Name = name
	}
	if config.Model.TokenizerPath == "" {
		config.Model.TokenizerPath = filepath.Join(config.Model.dir(), "tokenizer.json")
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Model.Engine {
	case "onnx":
	case "hash":
		if config.Model.HashDimension <= 0 {
			return fmt.Errorf("invalid hash dimension: %d", config.Model.HashDimension)
		}
	default:
		return fmt.Errorf("invalid model engine: %s (must be onnx or hash)", config.Model.Engine)
	}

	switch inference.Discipline(config.Inference.Discipline) {
	case inference.Serialized, inference.Concurrent:
	default:
		return fmt.Errorf("invalid inference discipline: %s (must be serialized or concurrent)", config.Inference.Discipline)
	}
	if config.Inference.Workers < 0 {
		return fmt.Errorf("invalid inference workers: %d", config.Inference.Workers)
	}

	if config.Admission.MaxConcurrent <= 0 {
		return fmt.Errorf("invalid admission max_concurrent: %d", config.Admission.MaxConcurrent)
	}
	if config.Admission.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid admission max_body_bytes: %d", config.Admission.MaxBodyBytes)
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache enabled but redis_url is empty")
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerMinute <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit enabled but requests_per_minute and burst must be positive")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Ingest.BatchSize <= 0 {
		return fmt.Errorf("invalid ingest batch_size: %d", config.Ingest.BatchSize)
	}

	return nil
}

// Watch watches the configuration file used by the last Load and calls callback with
// every valid new version. Invalid versions are reported to onError and ignored.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := active
	mu.Unlock()

	if v == nil {
		return fmt.Errorf("config not loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		callback(newConfig)
	})
	v.WatchConfig()
	return nil
}
