package config

import (
	"errors"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var imageSizeRe = regexp.MustCompile(`^\d+x\d+$`)

// Validate checks the settings the chat core needs. Discord credentials are
// checked separately by ValidateDiscord so CLI commands can run without them.
func (c *Config) Validate() error {
	return validation.Errors{
		"llm":     c.LLM.validate(),
		"tools":   c.Tools.validate(),
		"store":   c.Store.validate(),
		"logging": c.Logging.validate(),
	}.Filter()
}

// ValidateDiscord checks the settings needed to connect the bot.
func (c *Config) ValidateDiscord() error {
	d := &c.Discord
	err := validation.ValidateStruct(d,
		validation.Field(&d.Token, validation.Required.Error("is required (set MONODY_DISCORD_TOKEN)")),
		validation.Field(&d.AskMaxChars, validation.Required, validation.Max(2000)),
		validation.Field(&d.ImageMaxChars, validation.Required, validation.Max(4000)),
	)
	if err != nil {
		return validation.Errors{"discord": err}
	}
	return nil
}

func (l *LLMConfig) validate() error {
	err := validation.ValidateStruct(l,
		validation.Field(&l.Provider, validation.Required, validation.In("openai", "anthropic")),
		validation.Field(&l.Model, validation.Required),
		validation.Field(&l.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&l.TopP, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&l.MaxTokens, validation.Required, validation.Min(1)),
		validation.Field(&l.MaxRounds, validation.Required, validation.Min(1), validation.Max(32)),
		validation.Field(&l.ImageSize, validation.Match(imageSizeRe)),
		validation.Field(&l.HistoryTokens, validation.Min(0)),
	)
	if err != nil {
		return err
	}
	// The local OpenAI-compatible servers (Ollama, vLLM) need no key.
	if l.APIKey == "" && (l.Provider == "anthropic" || l.BaseURL == "") {
		return validation.Errors{"api_key": errors.New("is required for provider " + l.Provider)}
	}
	if l.RoundTimeout.Duration <= 0 || l.ToolTimeout.Duration <= 0 {
		return validation.Errors{"round_timeout": errors.New("round_timeout and tool_timeout must be positive")}
	}
	return nil
}

func (t *ToolsConfig) validate() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.FetchMaxChars, validation.Min(0), validation.Max(200000)),
	)
}

func (s *StoreConfig) validate() error {
	err := validation.ValidateStruct(s,
		validation.Field(&s.Backend, validation.Required, validation.In("memory", "sqlite")),
		validation.Field(&s.Capacity, validation.Min(0)),
	)
	if err != nil {
		return err
	}
	if s.TTL.Duration <= 0 {
		return validation.Errors{"ttl": errors.New("must be positive")}
	}
	return nil
}

func (l *LoggingConfig) validate() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("text", "json")),
	)
}

// Redact returns a copy of the config with secrets masked for display.
func (c *Config) Redact() *Config {
	copy := *c
	copy.Discord.Token = redactKey(c.Discord.Token)
	copy.LLM.APIKey = redactKey(c.LLM.APIKey)
	copy.Tools.GoogleAPIKey = redactKey(c.Tools.GoogleAPIKey)
	copy.Tools.HereAPIKey = redactKey(c.Tools.HereAPIKey)
	copy.Tools.PirateWeatherAPIKey = redactKey(c.Tools.PirateWeatherAPIKey)
	return &copy
}

func redactKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func init() {
	validation.ErrorTag = "toml"
}
