package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DEEJ4Y/lease-scheduler"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// envPrefix prefixes every environment override, e.g. SCHEDULER_MONGO_URI.
const envPrefix = "SCHEDULER"

// Config is the schedulerctl configuration.
type Config struct {
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type SchedulerConfig struct {
	ProcessEvery        time.Duration `mapstructure:"process_every"`
	DefaultConcurrency  int           `mapstructure:"default_concurrency"`
	MaxConcurrency      int           `mapstructure:"max_concurrency"`
	DefaultLockLimit    int           `mapstructure:"default_lock_limit"`
	LockLimit           int           `mapstructure:"lock_limit"`
	DefaultLockLifetime time.Duration `mapstructure:"default_lock_lifetime"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"mongo-uri":             "mongo.uri",
	"mongo-database":        "mongo.database",
	"mongo-collection":      "mongo.collection",
	"log-json":              "log.json",
	"log-level":             "log.level",
	"process-every":         "scheduler.process_every",
	"default-concurrency":   "scheduler.default_concurrency",
	"max-concurrency":       "scheduler.max_concurrency",
	"default-lock-limit":    "scheduler.default_lock_limit",
	"lock-limit":            "scheduler.lock_limit",
	"default-lock-lifetime": "scheduler.default_lock_lifetime",
}

// SetDefaults sets the default configuration values.
func SetDefaults(v *viper.Viper) {
	defaults := scheduler.DefaultConfig()

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "scheduler")
	v.SetDefault("mongo.collection", "jobs")

	v.SetDefault("scheduler.process_every", defaults.ProcessEvery)
	v.SetDefault("scheduler.default_concurrency", defaults.DefaultConcurrency)
	v.SetDefault("scheduler.max_concurrency", defaults.MaxConcurrency)
	v.SetDefault("scheduler.default_lock_limit", defaults.DefaultLockLimit)
	v.SetDefault("scheduler.lock_limit", defaults.LockLimit)
	v.SetDefault("scheduler.default_lock_lifetime", defaults.DefaultLockLifetime)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// LoadConfig resolves the configuration. Precedence, lowest to highest:
// defaults, config file, environment (a .env file included), flags.
// An empty configFile searches ./schedulerctl.{yaml,toml} and
// ~/.config/schedulerctl.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	// .env never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("schedulerctl")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "schedulerctl"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// ToScheduler converts the loaded values into a scheduler.Config without
// a store.
func (c *Config) ToScheduler(logger *zap.SugaredLogger) scheduler.Config {
	return scheduler.Config{
		ProcessEvery:        c.Scheduler.ProcessEvery,
		DefaultConcurrency:  c.Scheduler.DefaultConcurrency,
		MaxConcurrency:      c.Scheduler.MaxConcurrency,
		DefaultLockLimit:    c.Scheduler.DefaultLockLimit,
		LockLimit:           c.Scheduler.LockLimit,
		DefaultLockLifetime: c.Scheduler.DefaultLockLifetime,
		Logger:              logger,
	}
}

// NewLogger builds a console or JSON zap logger at the given level.
func NewLogger(cfg LogConfig) (*zap.SugaredLogger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}

	var zc zap.Config
	if cfg.JSON {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
