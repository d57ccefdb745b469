package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	BatchSize      int     `yaml:"batch_size" mapstructure:"batch_size"`
	PriceTolerance float64 `yaml:"price_tolerance" mapstructure:"price_tolerance"`
	MissThreshold  int     `yaml:"miss_threshold" mapstructure:"miss_threshold"`
	PolicyPath     string  `yaml:"policy_path" mapstructure:"policy_path"`
}

// IngestConfig configures file ingestion defaults.
type IngestConfig struct {
	DefaultConfidence float64 `yaml:"default_confidence" mapstructure:"default_confidence"`
}

// ServerConfig configures the read API server.
type ServerConfig struct {
	Port      int     `yaml:"port" mapstructure:"port"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECONCILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "reconciler.db")
	v.SetDefault("reconcile.batch_size", 250)
	v.SetDefault("reconcile.price_tolerance", 0.10)
	v.SetDefault("reconcile.miss_threshold", 3)
	v.SetDefault("ingest.default_confidence", 0.5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 50)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given mode.
// Shared settings are validated for every mode; serve adds the server
// checks on top.
func (c *Config) Validate(mode string) error {
	switch mode {
	case "ingest", "verify", "serve", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var problems []string

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Reconcile.BatchSize < 1 || c.Reconcile.BatchSize > 10000 {
		problems = append(problems, "reconcile.batch_size must be between 1 and 10000")
	}
	if c.Reconcile.PriceTolerance < 0 || c.Reconcile.PriceTolerance > 1 {
		problems = append(problems, "reconcile.price_tolerance must be between 0 and 1")
	}
	if c.Reconcile.MissThreshold < 1 || c.Reconcile.MissThreshold > 100 {
		problems = append(problems, "reconcile.miss_threshold must be between 1 and 100")
	}
	if c.Ingest.DefaultConfidence < 0 || c.Ingest.DefaultConfidence > 1 {
		problems = append(problems, "ingest.default_confidence must be between 0 and 1")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Server.RateLimit <= 0 {
			problems = append(problems, "server.rate_limit must be > 0")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s mode:\n  - %s", mode, strings.Join(problems, "\n  - "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
