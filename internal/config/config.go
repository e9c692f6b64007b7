// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Port       string
	Env        string
	DBPath     string
	GameFile   string
	SessionTTL time.Duration
	Game       GameConfig
	Generator  GeneratorConfig
	SSE        SSEConfig
}

// IsDevelopment returns true unless running in production mode.
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// GameConfig controls round bookkeeping and topic rotation.
type GameConfig struct {
	TopicHistorySize  int
	RoundHistorySize  int
	EasterEggInterval int
	Topics            []string
}

// GeneratorConfig controls the external content API call.
type GeneratorConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxTokens       int
	Temperature     float64
	Timeout         time.Duration
	Prompt          string
	EasterEggPrompt string
}

// SSEConfig controls the server-push channel behavior.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	SubscriberBuffer  int
}

// DefaultPrompt is the built-in generation prompt template, used when the
// game file does not provide one. Rendered with text/template.
const DefaultPrompt = `You are the host of a "Two Truths and a Lie" trivia game. The current time is {{.Timestamp}} and this is round {{.RoundNumber}}.{{if .SuggestedTopic}} Build this round around the topic "{{.SuggestedTopic}}".{{end}}
Produce three surprising but verifiable statements: two true and one false. Each statement needs an explanation of why it is true or false. Respond with only a JSON object of the form:
{"topic": "<short topic label>", "statements": [{"text": "...", "isLie": false, "explanation": "..."}, {"text": "...", "isLie": false, "explanation": "..."}, {"text": "...", "isLie": true, "explanation": "..."}]}
Exactly one statement must have "isLie": true.`

// DefaultEasterEggPrompt is appended to the prompt on easter-egg rounds.
const DefaultEasterEggPrompt = `IMPORTANT: this round is an easter-egg round. One of the true statements should be a playful fact about the game's hosts.`

// Load reads configuration from environment variables, then merges the
// game file (YAML) for prompt and gameplay settings.
func Load() (*Config, error) {
	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		Env:        getEnv("APP_ENV", "development"),
		DBPath:     getEnv("DB_PATH", "./data/twotruths.db"),
		GameFile:   getEnv("GAME_CONFIG", "./config.yaml"),
		SessionTTL: getEnvDuration("SESSION_TTL", 30*24*time.Hour),
		Game: GameConfig{
			TopicHistorySize:  getEnvInt("TOPIC_HISTORY_SIZE", 15),
			RoundHistorySize:  getEnvInt("ROUND_HISTORY_SIZE", 100),
			EasterEggInterval: getEnvInt("EASTER_EGG_INTERVAL", 3),
		},
		Generator: GeneratorConfig{
			APIKey:          getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:         getEnv("CONTENT_API_URL", "https://api.anthropic.com"),
			Model:           getEnv("CONTENT_API_MODEL", "claude-3-5-sonnet-20240620"),
			MaxTokens:       getEnvInt("CONTENT_API_MAX_TOKENS", 1000),
			Temperature:     0.7,
			Timeout:         getEnvDuration("GENERATION_TIMEOUT", 30*time.Second),
			Prompt:          DefaultPrompt,
			EasterEggPrompt: DefaultEasterEggPrompt,
		},
		SSE: SSEConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 20*time.Second),
			SubscriberBuffer:  getEnvInt("SSE_SUBSCRIBER_BUFFER", 16),
		},
	}

	if err := cfg.loadGameFile(); err != nil {
		return nil, fmt.Errorf("load game file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadGameFile merges prompt and gameplay settings from the YAML game file.
// A missing file is not an error; the built-in defaults apply.
func (c *Config) loadGameFile() error {
	if c.GameFile == "" {
		return nil
	}
	if _, err := os.Stat(c.GameFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", c.GameFile, err)
	}

	v := viper.New()
	v.SetConfigFile(c.GameFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("parse %s: %w", c.GameFile, err)
	}

	if prompt := v.GetString("claude_prompt"); prompt != "" {
		c.Generator.Prompt = prompt
	}
	if egg := v.GetString("easter_egg_prompt"); egg != "" {
		c.Generator.EasterEggPrompt = egg
	}
	if model := v.GetString("model"); model != "" {
		c.Generator.Model = model
	}
	if v.IsSet("max_tokens") {
		c.Generator.MaxTokens = v.GetInt("max_tokens")
	}
	if v.IsSet("temperature") {
		c.Generator.Temperature = v.GetFloat64("temperature")
	}
	if topics := v.GetStringSlice("topics"); len(topics) > 0 {
		c.Game.Topics = topics
	}
	if v.IsSet("topic_history_size") {
		c.Game.TopicHistorySize = v.GetInt("topic_history_size")
	}
	if v.IsSet("round_history_size") {
		c.Game.RoundHistorySize = v.GetInt("round_history_size")
	}
	if v.IsSet("easter_egg_interval") {
		c.Game.EasterEggInterval = v.GetInt("easter_egg_interval")
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Generator.BaseURL == "" {
		return fmt.Errorf("CONTENT_API_URL cannot be empty")
	}
	if c.Generator.Prompt == "" {
		return fmt.Errorf("generation prompt cannot be empty")
	}
	if c.Generator.MaxTokens <= 0 {
		return fmt.Errorf("CONTENT_API_MAX_TOKENS must be > 0")
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.Game.TopicHistorySize <= 0 {
		return fmt.Errorf("TOPIC_HISTORY_SIZE must be > 0")
	}
	if c.Game.RoundHistorySize <= 0 {
		return fmt.Errorf("ROUND_HISTORY_SIZE must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.SubscriberBuffer <= 0 {
		return fmt.Errorf("SSE_SUBSCRIBER_BUFFER must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
