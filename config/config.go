// Package config loads the service configuration from YAML with environment
// variable expansion, so secrets stay out of the file (api_key:
// "${OPENAI_API_KEY}").
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Speech    SpeechConfig     `yaml:"speech"`
	Media     MediaConfig      `yaml:"media"`
	Chain     ChainConfig      `yaml:"chain"`
	Session   SessionConfig    `yaml:"session"`
	Redis     RedisConfig      `yaml:"redis"`
	Database  DatabaseConfig   `yaml:"database"`
	Log       LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig describes one LLM upstream. Order in the list is failover
// priority.
type ProviderConfig struct {
	// Name selects the adapter: openai, groq or anthropic.
	Name    string        `yaml:"name"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SpeechConfig struct {
	DeepgramAPIKey   string `yaml:"deepgram_api_key"`
	ElevenLabsAPIKey string `yaml:"elevenlabs_api_key"`
	ElevenLabsVoice  string `yaml:"elevenlabs_voice"`
}

type MediaConfig struct {
	FramePeriod time.Duration `yaml:"frame_period"`
	SilenceGap  time.Duration `yaml:"silence_gap"`
}

type ChainConfig struct {
	MaxRetries         int      `yaml:"max_retries"`
	AmbiguityThreshold int      `yaml:"ambiguity_threshold"`
	TransferPhrases    []string `yaml:"transfer_phrases"`
}

type SessionConfig struct {
	HistoryCap    int           `yaml:"history_cap"`
	StaleAge      time.Duration `yaml:"stale_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// Default returns the configuration used when a field is absent from the
// file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Media: MediaConfig{
			FramePeriod: 20 * time.Millisecond,
			SilenceGap:  100 * time.Millisecond,
		},
		Chain: ChainConfig{
			MaxRetries:         2,
			AmbiguityThreshold: 3,
		},
		Session: SessionConfig{
			HistoryCap:    20,
			StaleAge:      30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Database: DatabaseConfig{
			Path: "vocalis.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path, expands ${VAR} references from the environment and
// unmarshals over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals raw YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one llm provider is required")
	}
	for i, p := range c.Providers {
		switch p.Name {
		case "openai", "groq", "anthropic":
		default:
			return fmt.Errorf("provider %d: unknown name %q", i, p.Name)
		}
	}
	return nil
}
