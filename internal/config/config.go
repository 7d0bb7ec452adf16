// Package config loads CLI configuration from environment variables and the
// user's YAML config file, and resolves all persisted file locations.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete application configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider" envconfig:"PROVIDER"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
}

// ProviderConfig configures the default AI provider client.
type ProviderConfig struct {
	Name      string        `yaml:"name" envconfig:"NAME" default:"openai" validate:"required"`
	BaseURL   string        `yaml:"base_url" envconfig:"BASE_URL" default:"https://api.openai.com/v1" validate:"required,url"`
	Model     string        `yaml:"model" envconfig:"MODEL" default:"gpt-4o-mini" validate:"required"`
	APIKey    string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"60s" validate:"gt=0"`
	RPS       float64       `yaml:"rps" envconfig:"RPS" default:"2" validate:"gt=0"`
	Burst     int           `yaml:"burst" envconfig:"BURST" default:"4" validate:"gt=0"`
	MaxTokens int           `yaml:"max_tokens" envconfig:"MAX_TOKENS" default:"1024" validate:"gt=0"`
	Retries   int           `yaml:"retries" envconfig:"RETRIES" default:"2" validate:"gte=0,lte=10"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json" validate:"oneof=json text"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stderr" validate:"oneof=stderr file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// ServerConfig configures the local status server started by `serve`.
type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR" default:"127.0.0.1:8571" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`
}

// Load builds configuration from defaults, CROWECLI_-prefixed environment
// variables, and the user's YAML config file, in increasing precedence.
func Load(paths *Paths) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("CROWECLI", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if paths != nil && FileExists(paths.ConfigFile) {
		fileCfg, err := loadFromFile(paths.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		cfg.merge(fileCfg)
	}

	if paths != nil && cfg.Logging.FilePath == "" {
		cfg.Logging.FilePath = paths.LogsDir + string(os.PathSeparator) + "crowecli.log"
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// merge overlays non-zero file values onto cfg.
func (c *Config) merge(file *Config) {
	if file.Provider.Name != "" {
		c.Provider.Name = file.Provider.Name
	}
	if file.Provider.BaseURL != "" {
		c.Provider.BaseURL = file.Provider.BaseURL
	}
	if file.Provider.Model != "" {
		c.Provider.Model = file.Provider.Model
	}
	if file.Provider.APIKey != "" {
		c.Provider.APIKey = file.Provider.APIKey
	}
	if file.Provider.Timeout != 0 {
		c.Provider.Timeout = file.Provider.Timeout
	}
	if file.Provider.RPS != 0 {
		c.Provider.RPS = file.Provider.RPS
	}
	if file.Provider.Burst != 0 {
		c.Provider.Burst = file.Provider.Burst
	}
	if file.Provider.MaxTokens != 0 {
		c.Provider.MaxTokens = file.Provider.MaxTokens
	}
	if file.Provider.Retries != 0 {
		c.Provider.Retries = file.Provider.Retries
	}
	if file.Logging.Level != "" {
		c.Logging.Level = file.Logging.Level
	}
	if file.Logging.Format != "" {
		c.Logging.Format = file.Logging.Format
	}
	if file.Logging.Output != "" {
		c.Logging.Output = file.Logging.Output
	}
	if file.Logging.FilePath != "" {
		c.Logging.FilePath = file.Logging.FilePath
	}
	if file.Server.Addr != "" {
		c.Server.Addr = file.Server.Addr
	}
	if file.Server.ReadTimeout != 0 {
		c.Server.ReadTimeout = file.Server.ReadTimeout
	}
	if file.Server.WriteTimeout != 0 {
		c.Server.WriteTimeout = file.Server.WriteTimeout
	}
	if file.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = file.Server.ShutdownTimeout
	}
}
