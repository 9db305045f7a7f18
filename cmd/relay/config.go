package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	// Config is the relay process configuration. Values come from an optional
	// YAML file and RELAY_ prefixed environment variables, nested keys joined
	// by underscores (RELAY_MODEL_PROVIDER overrides model.provider).
	Config struct {
		Agents       string        `mapstructure:"agents"`
		Engine       string        `mapstructure:"engine"`
		Debug        bool          `mapstructure:"debug"`
		LogFormat    string        `mapstructure:"log_format"`
		HealthAddr   string        `mapstructure:"health_addr"`
		MaxTurns     int           `mapstructure:"max_turns"`
		HistoryLimit int           `mapstructure:"history_limit"`
		RunTimeout   time.Duration `mapstructure:"run_timeout"`

		Temporal TemporalConfig    `mapstructure:"temporal"`
		Model    ModelConfig       `mapstructure:"model"`
		Redis    RedisConfig       `mapstructure:"redis"`
		Session  SessionConfig     `mapstructure:"session"`
		Approval ApprovalConfig    `mapstructure:"approval"`
		Stream   StreamConfig      `mapstructure:"stream"`
		Tools    map[string]string `mapstructure:"tools"`
	}

	// TemporalConfig locates the Temporal frontend.
	TemporalConfig struct {
		HostPort  string `mapstructure:"host_port"`
		Namespace string `mapstructure:"namespace"`
		TaskQueue string `mapstructure:"task_queue"`
	}

	// ModelConfig selects and tunes the model provider.
	ModelConfig struct {
		Provider  string  `mapstructure:"provider"`
		Name      string  `mapstructure:"name"`
		APIKey    string  `mapstructure:"api_key"`
		BaseURL   string  `mapstructure:"base_url"`
		Region    string  `mapstructure:"region"`
		MaxTokens int     `mapstructure:"max_tokens"`
		TPM       float64 `mapstructure:"tpm"`
		MaxTPM    float64 `mapstructure:"max_tpm"`
		// SharedBudget keeps the rate limit budget in a Pulse replicated map
		// shared by every process using the same provider.
		SharedBudget bool `mapstructure:"shared_budget"`
	}

	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	SessionConfig struct {
		Store         string        `mapstructure:"store"`
		TTL           time.Duration `mapstructure:"ttl"`
		Path          string        `mapstructure:"path"`
		MongoURI      string        `mapstructure:"mongo_uri"`
		MongoDatabase string        `mapstructure:"mongo_database"`
	}

	ApprovalConfig struct {
		Store   string        `mapstructure:"store"`
		Timeout time.Duration `mapstructure:"timeout"`
	}

	StreamConfig struct {
		Backend string `mapstructure:"backend"`
		MaxLen  int    `mapstructure:"max_len"`
		// Journal persists every turn event in the Mongo database configured
		// for sessions so `relay log` can replay them.
		Journal string `mapstructure:"journal"`
	}
)

const (
	engineInmem    = "inmem"
	engineTemporal = "temporal"

	storeMemory = "memory"
	storeRedis  = "redis"
	storeMongo  = "mongo"
	storeBadger = "badger"

	providerOpenAI    = "openai"
	providerAnthropic = "anthropic"
	providerBedrock   = "bedrock"

	streamNone  = "none"
	streamPulse = "pulse"

	journalNone  = "none"
	journalMongo = "mongo"
)

// defaults lists every key viper resolves. AutomaticEnv only applies to keys
// viper knows about when unmarshaling.
var defaults = map[string]any{
	"agents":                 "agents.yaml",
	"engine":                 engineInmem,
	"debug":                  false,
	"log_format":             "terminal",
	"health_addr":            ":8081",
	"max_turns":              0,
	"history_limit":          0,
	"run_timeout":            time.Duration(0),
	"temporal.host_port":     "localhost:7233",
	"temporal.namespace":     "default",
	"temporal.task_queue":    "relay.turns",
	"model.provider":         providerOpenAI,
	"model.name":             "gpt-4o-mini",
	"model.api_key":          "",
	"model.base_url":         "",
	"model.region":           "us-east-1",
	"model.max_tokens":       0,
	"model.tpm":              60000.0,
	"model.max_tpm":          0.0,
	"model.shared_budget":    false,
	"redis.addr":             "localhost:6379",
	"redis.password":         "",
	"redis.db":               0,
	"session.store":          storeMemory,
	"session.ttl":            time.Duration(0),
	"session.path":           "relay-sessions",
	"session.mongo_uri":      "mongodb://localhost:27017",
	"session.mongo_database": "relay",
	"approval.store":         storeMemory,
	"approval.timeout":       time.Duration(0),
	"stream.backend":         streamNone,
	"stream.max_len":         0,
	"stream.journal":         journalNone,
	"tools":                  map[string]string{},
}

// loadConfig reads the configuration file at path, if any, and applies
// environment overrides.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if !oneOf(c.Engine, engineInmem, engineTemporal) {
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Engine))
	}
	if !oneOf(c.Model.Provider, providerOpenAI, providerAnthropic, providerBedrock) {
		errs = append(errs, fmt.Errorf("unknown model provider %q", c.Model.Provider))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model name is required"))
	}
	if !oneOf(c.Session.Store, storeMemory, storeRedis, storeMongo, storeBadger) {
		errs = append(errs, fmt.Errorf("unknown session store %q", c.Session.Store))
	}
	if !oneOf(c.Approval.Store, storeMemory, storeRedis) {
		errs = append(errs, fmt.Errorf("unknown approval store %q", c.Approval.Store))
	}
	if !oneOf(c.Stream.Backend, streamNone, streamPulse) {
		errs = append(errs, fmt.Errorf("unknown stream backend %q", c.Stream.Backend))
	}
	if !oneOf(c.Stream.Journal, journalNone, journalMongo) {
		errs = append(errs, fmt.Errorf("unknown stream journal %q", c.Stream.Journal))
	}
	if c.Engine == engineTemporal {
		// Worker and client processes only share state through external
		// stores.
		if c.Session.Store == storeMemory {
			errs = append(errs, errors.New("temporal engine requires a persistent session store"))
		}
		if c.Approval.Store == storeMemory {
			errs = append(errs, errors.New("temporal engine requires the redis approval store"))
		}
	}
	return errors.Join(errs...)
}

// usesRedis reports whether any configured component needs a Redis client.
func (c *Config) usesRedis() bool {
	return c.Session.Store == storeRedis || c.Approval.Store == storeRedis ||
		c.Stream.Backend == streamPulse || c.Model.SharedBudget
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
