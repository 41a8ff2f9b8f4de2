// Package config loads service configuration from a YAML file and the
// environment, validates it, and builds the process logger.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the full service configuration.
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Consensus   ConsensusConfig   `mapstructure:"consensus"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Reputation  ReputationConfig  `mapstructure:"reputation"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Log         LogConfig         `mapstructure:"log"`
}

// NodeConfig identifies this node and its protocol domain.
type NodeConfig struct {
	ID     string `mapstructure:"id" validate:"required"`
	Domain string `mapstructure:"domain" validate:"required"`
	// RosterPath points at the YAML roster of known participants.
	RosterPath string `mapstructure:"roster_path" validate:"required"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Listen    string  `mapstructure:"listen" validate:"required,hostname_port"`
	RateLimit float64 `mapstructure:"rate_limit" validate:"gt=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gt=0"`
}

// ConsensusConfig tunes voting.
type ConsensusConfig struct {
	VoteTimeout       time.Duration `mapstructure:"vote_timeout" validate:"gt=0"`
	MinValidatorTrust float64       `mapstructure:"min_validator_trust" validate:"gte=0,lte=1"`
}

// AggregationConfig tunes the tree pass.
type AggregationConfig struct {
	ValidityRatio float64       `mapstructure:"validity_ratio" validate:"gt=0,lte=1"`
	Groups        int           `mapstructure:"groups" validate:"gte=1"`
	Regions       int           `mapstructure:"regions" validate:"gte=1"`
	EpochInterval time.Duration `mapstructure:"epoch_interval" validate:"gt=0"`
}

// ReputationConfig tunes trust accounting.
type ReputationConfig struct {
	Floor             float64 `mapstructure:"floor" validate:"gt=0,lt=1"`
	SevereFactor      float64 `mapstructure:"severe_factor" validate:"gt=0,lt=1"`
	MinorFactor       float64 `mapstructure:"minor_factor" validate:"gt=0,lt=1"`
	RewardDelta       float64 `mapstructure:"reward_delta" validate:"gt=0"`
	ObservationWindow int     `mapstructure:"observation_window" validate:"gte=1"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir" validate:"required"`
	DatabasePath string `mapstructure:"database_path" validate:"required"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.domain", "baseline-v1")
	v.SetDefault("node.roster_path", "roster.yaml")
	v.SetDefault("http.listen", "127.0.0.1:8080")
	v.SetDefault("http.rate_limit", 50.0)
	v.SetDefault("http.rate_burst", 100)
	v.SetDefault("consensus.vote_timeout", 5*time.Second)
	v.SetDefault("consensus.min_validator_trust", 0.5)
	v.SetDefault("aggregation.validity_ratio", 0.8)
	v.SetDefault("aggregation.groups", 4)
	v.SetDefault("aggregation.regions", 2)
	v.SetDefault("aggregation.epoch_interval", 30*time.Second)
	v.SetDefault("reputation.floor", 0.001)
	v.SetDefault("reputation.severe_factor", 0.5)
	v.SetDefault("reputation.minor_factor", 0.8)
	v.SetDefault("reputation.reward_delta", 0.01)
	v.SetDefault("reputation.observation_window", 10)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.database_path", "data/baseline.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load reads configuration from the given file (optional) plus
// BASELINE_* environment variables, and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BASELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, eris.Wrapf(err, "failed to read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal config")
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, eris.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid log level %q", cfg.Level)
	}

	var zc zap.Config
	if cfg.JSON {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, eris.Wrap(err, "failed to build logger")
	}
	return logger, nil
}
