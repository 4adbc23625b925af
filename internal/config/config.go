package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	OpenClaw   OpenClawConfig   `mapstructure:"openclaw"`
	Lexi       LexiConfig       `mapstructure:"lexi"`
	Omega      OmegaConfig      `mapstructure:"omega"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Thinking   ThinkingConfig   `mapstructure:"thinking"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Search     SearchConfig     `mapstructure:"search"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	// AuthToken protects the API with a static bearer token. Empty
	// disables auth, which only makes sense on localhost binds.
	AuthToken string `mapstructure:"auth_token"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// OpenClawConfig configures the hosted Claude gateway
// (OpenAI-compatible chat completions).
type OpenClawConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	ContextSize int    `mapstructure:"context_size"`
	SessionKey  string `mapstructure:"session_key"` // Extra header some gateways require
}

// LexiConfig configures the local uncensored model served by Ollama.
type LexiConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Model       string `mapstructure:"model"`
	ContextSize int    `mapstructure:"context_size"`
}

// OmegaConfig configures the tool-planning model.
type OmegaConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Model       string `mapstructure:"model"`
	ContextSize int    `mapstructure:"context_size"`
}

type ChatConfig struct {
	Temperature  float64 `mapstructure:"temperature"`
	TopP         float64 `mapstructure:"top_p"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	SystemPrompt string  `mapstructure:"system_prompt"`
}

type CompactionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ThresholdPercent of the context budget the active window may
	// reach before a compaction is triggered.
	ThresholdPercent int `mapstructure:"threshold_percent"`
	// ReservePercent of the context budget kept free for the reply.
	ReservePercent int `mapstructure:"reserve_percent"`
	// ProtectedMessages is the recent tail never summarized.
	ProtectedMessages int `mapstructure:"protected_messages"`
}

// ThinkingConfig bounds runaway chain-of-thought. The soft limit only
// logs; the hard limit breaks the stream.
type ThinkingConfig struct {
	SoftLimit int `mapstructure:"soft_limit"`
	HardLimit int `mapstructure:"hard_limit"`
}

type TTSConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Voice          string `mapstructure:"voice"`
	MinSentenceLen int    `mapstructure:"min_sentence_len"`
	MaxSentenceLen int    `mapstructure:"max_sentence_len"`
}

type SearchConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("chatrelay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.listen", "127.0.0.1:8300")
	viper.SetDefault("database.path", defaultDBPath())
	viper.SetDefault("openclaw.base_url", "http://localhost:9400/v1")
	viper.SetDefault("openclaw.model", "claude-sonnet-4-5")
	viper.SetDefault("openclaw.context_size", 200000)
	viper.SetDefault("lexi.base_url", "http://localhost:11434")
	viper.SetDefault("lexi.model", "lexi-uncensored")
	viper.SetDefault("lexi.context_size", 8192)
	viper.SetDefault("omega.base_url", "http://localhost:11434")
	viper.SetDefault("omega.model", "omega-planner")
	viper.SetDefault("omega.context_size", 8192)
	viper.SetDefault("chat.temperature", 0.7)
	viper.SetDefault("chat.top_p", 0.95)
	viper.SetDefault("compaction.enabled", true)
	viper.SetDefault("compaction.threshold_percent", 70)
	viper.SetDefault("compaction.reserve_percent", 15)
	viper.SetDefault("compaction.protected_messages", 6)
	viper.SetDefault("thinking.soft_limit", 3000)
	viper.SetDefault("thinking.hard_limit", 30000)
	viper.SetDefault("tts.enabled", false)
	viper.SetDefault("tts.base_url", "http://localhost:8880")
	viper.SetDefault("tts.model", "kokoro")
	viper.SetDefault("tts.voice", "af_bella")
	viper.SetDefault("tts.min_sentence_len", 20)
	viper.SetDefault("tts.max_sentence_len", 250)

	// Config file is optional; defaults plus env cover a dev setup.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.OpenClaw.APIKey = expandEnv(cfg.OpenClaw.APIKey)
	cfg.OpenClaw.SessionKey = expandEnv(cfg.OpenClaw.SessionKey)
	cfg.TTS.APIKey = expandEnv(cfg.TTS.APIKey)
	cfg.Search.APIKey = expandEnv(cfg.Search.APIKey)
	cfg.Server.AuthToken = expandEnv(cfg.Server.AuthToken)

	return &cfg, nil
}

// expandEnv resolves "$VAR" / "${VAR}" references in credential
// fields so keys can live in the environment instead of the file.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for chatrelay.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "chatrelay"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "chatrelay"), nil
}

func defaultDBPath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "chatrelay", "chatrelay.db")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "chatrelay.db"
	}
	return filepath.Join(homeDir, ".local", "share", "chatrelay", "chatrelay.db")
}
