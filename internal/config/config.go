// Package config loads and saves the bot configuration (~/.monody/config.toml).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the full bot configuration.
type Config struct {
	Discord DiscordConfig `toml:"discord"`
	LLM     LLMConfig     `toml:"llm"`
	Tools   ToolsConfig   `toml:"tools"`
	Store   StoreConfig   `toml:"store"`
	Logging LoggingConfig `toml:"logging"`
	Console ConsoleConfig `toml:"console"`
	Tracing TracingConfig `toml:"tracing"`
}

// DiscordConfig holds the bot credentials and slash command limits.
type DiscordConfig struct {
	Token         string `toml:"token"`
	AppID         string `toml:"app_id"`
	GuildID       string `toml:"guild_id"` // register commands to one guild instead of globally
	AskMaxChars   int    `toml:"ask_max_chars"`
	ImageMaxChars int    `toml:"image_max_chars"`
}

// LLMConfig selects the model vendor and the completion loop limits.
type LLMConfig struct {
	Provider      string   `toml:"provider"` // openai, anthropic
	APIKey        string   `toml:"api_key"`
	BaseURL       string   `toml:"base_url"`
	Model         string   `toml:"model"`
	ImageModel    string   `toml:"image_model"`
	ImageSize     string   `toml:"image_size"`
	Temperature   float64  `toml:"temperature"`
	MaxTokens     int      `toml:"max_tokens"`
	TopP          float64  `toml:"top_p"`
	MaxRounds     int      `toml:"max_rounds"`
	RoundTimeout  Duration `toml:"round_timeout"`
	ToolTimeout   Duration `toml:"tool_timeout"`
	HistoryTokens int      `toml:"history_tokens"`
}

// ToolsConfig holds credentials for the network tools.
type ToolsConfig struct {
	GoogleAPIKey         string `toml:"google_api_key"`
	GoogleSearchEngineID string `toml:"google_search_engine_id"`
	HereAPIKey           string `toml:"here_api_key"`
	PirateWeatherAPIKey  string `toml:"pirate_weather_api_key"`
	FetchMaxChars        int    `toml:"fetch_max_chars"`
	UserAgent            string `toml:"user_agent"`
}

// StoreConfig selects the conversation store backend.
type StoreConfig struct {
	Backend       string   `toml:"backend"` // memory, sqlite
	Path          string   `toml:"path"`
	TTL           Duration `toml:"ttl"`
	Capacity      int      `toml:"capacity"`
	PurgeSchedule string   `toml:"purge_schedule"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// ConsoleConfig controls the local operator console.
type ConsoleConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// TracingConfig toggles OpenTelemetry tracing to stdout.
type TracingConfig struct {
	Enabled bool `toml:"enabled"`
}

// Duration is a time.Duration written as a string ("90s", "1h") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			AskMaxChars:   1800,
			ImageMaxChars: 800,
		},
		LLM: LLMConfig{
			Provider:      "openai",
			Model:         "gpt-4.1-mini",
			ImageModel:    "dall-e-3",
			ImageSize:     "1024x1024",
			Temperature:   0.7,
			MaxTokens:     1000,
			TopP:          1,
			MaxRounds:     8,
			RoundTimeout:  Duration{60 * time.Second},
			ToolTimeout:   Duration{30 * time.Second},
			HistoryTokens: 12000,
		},
		Tools: ToolsConfig{
			FetchMaxChars: 20000,
		},
		Store: StoreConfig{
			Backend:       "memory",
			TTL:           Duration{time.Hour},
			Capacity:      10000,
			PurgeSchedule: "@every 10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Console: ConsoleConfig{
			Addr: "127.0.0.1:7788",
		},
	}
}

// Dir returns the config directory: $MONODY_HOME or ~/.monody.
func Dir() string {
	if d := os.Getenv("MONODY_HOME"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".monody"
	}
	return filepath.Join(home, ".monody")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the config file (if present), then .env files, then
// environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (*Config, error) {
	// .env never overrides variables that are already set.
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(Dir(), ".env"))

	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// Save writes the config to Path() with owner-only permissions.
func (c *Config) Save() error {
	return c.SaveFile(Path())
}

// SaveFile writes the config to path.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnv overlays secrets and a few operational knobs from the environment.
func (c *Config) applyEnv() {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.Discord.Token, "MONODY_DISCORD_TOKEN", "DISCORD_TOKEN")
	str(&c.Discord.AppID, "MONODY_DISCORD_APP_ID")
	str(&c.Discord.GuildID, "MONODY_DISCORD_GUILD_ID")
	str(&c.LLM.Provider, "MONODY_LLM_PROVIDER")
	str(&c.LLM.Model, "MONODY_LLM_MODEL")
	str(&c.LLM.BaseURL, "MONODY_LLM_BASE_URL")
	switch c.LLM.Provider {
	case "anthropic":
		str(&c.LLM.APIKey, "MONODY_LLM_API_KEY", "ANTHROPIC_API_KEY")
	default:
		str(&c.LLM.APIKey, "MONODY_LLM_API_KEY", "OPENAI_API_KEY")
	}
	str(&c.Tools.GoogleAPIKey, "GOOGLE_API_KEY")
	str(&c.Tools.GoogleSearchEngineID, "GOOGLE_SEARCH_ENGINE_ID")
	str(&c.Tools.HereAPIKey, "HERE_API_KEY")
	str(&c.Tools.PirateWeatherAPIKey, "PIRATE_WEATHER_API_KEY")
	str(&c.Store.Backend, "MONODY_STORE_BACKEND")
	str(&c.Store.Path, "MONODY_STORE_PATH")
	str(&c.Logging.Level, "MONODY_LOG_LEVEL")
	str(&c.Logging.Format, "MONODY_LOG_FORMAT")

	if v, err := strconv.ParseBool(os.Getenv("MONODY_TRACING")); err == nil {
		c.Tracing.Enabled = v
	}
}

// StorePath returns the SQLite database path, defaulting under Dir().
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(Dir(), "conversations.db")
}
