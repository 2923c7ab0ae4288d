package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every setting the Lambda and consolectl read. Values come from
// the environment (STATE_TABLE, PARAM_PREFIX, ...) and, for local runs, an
// optional consolectl.yaml using the same lower-case keys.
type Config struct {
	StateTable       string `mapstructure:"state_table"`
	ParamPrefix      string `mapstructure:"param_prefix"`
	MaxContextItems  int    `mapstructure:"max_context_items"`
	MaxMessageLength int    `mapstructure:"max_message_length"`
	ModelMaxTokens   int    `mapstructure:"model_max_tokens"`
	DefaultWorkflow  string `mapstructure:"default_workflow"`
	SessionDB        string `mapstructure:"session_db"`
	ListenAddr       string `mapstructure:"listen_addr"`
	OpenAIBaseURL    string `mapstructure:"openai_base_url"`
	OpenAIAPIKey     string `mapstructure:"openai_api_key"`
	OpenAIModel      string `mapstructure:"openai_model"`
	LogLevel         string `mapstructure:"log_level"`
}

var defaults = map[string]any{
	"state_table":        "",
	"param_prefix":       "",
	"max_context_items":  20,
	"max_message_length": 2000,
	"model_max_tokens":   1024,
	"default_workflow":   "",
	"session_db":         "consolectl.db",
	"listen_addr":        ":8080",
	"openai_base_url":    "",
	"openai_api_key":     "",
	"openai_model":       "gpt-4o-mini",
	"log_level":          "info",
}

// Load reads the environment and a config file. An empty file searches the
// working directory for consolectl.yaml and tolerates its absence; an
// explicit file must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	} else {
		v.SetConfigName("consolectl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read consolectl.yaml: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	cfg.OpenAIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/")
	if cfg.MaxContextItems <= 0 {
		return nil, fmt.Errorf("config: max_context_items must be positive, got %d", cfg.MaxContextItems)
	}
	if cfg.MaxMessageLength <= 0 {
		return nil, fmt.Errorf("config: max_message_length must be positive, got %d", cfg.MaxMessageLength)
	}
	if cfg.ModelMaxTokens <= 0 {
		return nil, fmt.Errorf("config: model_max_tokens must be positive, got %d", cfg.ModelMaxTokens)
	}
	return &cfg, nil
}

// ValidateLambda reports the settings the Lambda cannot start without.
func (c *Config) ValidateLambda() error {
	var missing []string
	if strings.TrimSpace(c.StateTable) == "" {
		missing = append(missing, "STATE_TABLE")
	}
	if c.ParamPrefix == "" {
		missing = append(missing, "PARAM_PREFIX")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required environment variables not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Logger returns a JSON slog logger at the configured level. Unknown levels
// fall back to info.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
