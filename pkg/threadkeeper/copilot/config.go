// Package copilot sequences an inbound utterance through intent detection,
// the approval gate, context assembly, completion, chunked delivery and
// persistence.
package copilot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/actions"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/approval"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels/discord"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/chunker"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/llm"
)

// Config is the top-level configuration.
type Config struct {
	// Name is the assistant name shown in logs.
	Name string `yaml:"name"`

	Logging         LoggingConfig           `yaml:"logging"`
	LLM             llm.Config              `yaml:"llm"`
	Discord         discord.Config          `yaml:"discord"`
	Context         ContextConfig           `yaml:"context"`
	Approval        approval.Config         `yaml:"approval"`
	Chunker         ChunkerConfig           `yaml:"chunker"`
	Database        database.Config         `yaml:"database"`
	Persistence     PersistenceConfig       `yaml:"persistence"`
	WebSearch       actions.WebSearchConfig `yaml:"web_search"`
	ImageGeneration actions.ImageGenConfig  `yaml:"image_generation"`
	Metrics         MetricsConfig           `yaml:"metrics"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json". Empty picks text on a terminal and JSON
	// otherwise.
	Format string `yaml:"format"`
}

// ContextConfig tunes the context window manager.
type ContextConfig struct {
	// WindowSize is the number of recent turns sent to the model.
	WindowSize int `yaml:"window_size"`

	// SummaryTrigger is the stored turn count at which a rolling summary
	// is generated.
	SummaryTrigger int `yaml:"summary_trigger"`

	// ReplyExcerptChars bounds the quoted excerpt for out-of-window replies.
	ReplyExcerptChars int `yaml:"reply_excerpt_chars"`

	// SummaryInputTurns caps how many older turns feed a summary.
	SummaryInputTurns int `yaml:"summary_input_turns"`
}

// ChunkerConfig controls reply splitting.
type ChunkerConfig struct {
	MaxLength int    `yaml:"max_length"`
	Prefix    string `yaml:"prefix"`
}

// PersistenceConfig bounds store writes.
type PersistenceConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	// Listen is the address for /metrics, e.g. ":9090". Empty disables it.
	Listen string `yaml:"listen"`
}

// DefaultContextConfig returns the context window defaults.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		WindowSize:        20,
		SummaryTrigger:    30,
		ReplyExcerptChars: 50,
		SummaryInputTurns: 200,
	}
}

// Effective fills zero values with defaults.
func (c ContextConfig) Effective() ContextConfig {
	def := DefaultContextConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.SummaryTrigger <= 0 {
		c.SummaryTrigger = def.SummaryTrigger
	}
	if c.ReplyExcerptChars <= 0 {
		c.ReplyExcerptChars = def.ReplyExcerptChars
	}
	if c.SummaryInputTurns <= 0 {
		c.SummaryInputTurns = def.SummaryInputTurns
	}
	return c
}

// DefaultConfig returns a Config with every section at its defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:     "threadkeeper",
		Logging:  LoggingConfig{Level: "info"},
		LLM:      llm.DefaultConfig(),
		Discord:  discord.DefaultConfig(),
		Context:  DefaultContextConfig(),
		Approval: approval.DefaultConfig(),
		Chunker:  ChunkerConfig{MaxLength: chunker.DefaultMaxLength},
		Database: database.DefaultConfig(),
		Persistence: PersistenceConfig{
			Timeout: 30 * time.Second,
		},
		WebSearch:       actions.WebSearchConfig{Provider: "duckduckgo", MaxResults: 5},
		ImageGeneration: actions.ImageGenConfig{Model: "dall-e-3", Size: "1024x1024"},
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	switch c.LLM.Provider {
	case "", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	switch c.Database.Backend {
	case "", database.BackendSQLite, database.BackendPostgreSQL:
	default:
		errs = append(errs, fmt.Errorf("database.backend %q is not supported", c.Database.Backend))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Chunker.MaxLength > 2000 {
		errs = append(errs, fmt.Errorf("chunker.max_length %d exceeds the discord limit of 2000", c.Chunker.MaxLength))
	}
	if c.Context.WindowSize < 0 || c.Context.SummaryTrigger < 0 {
		errs = append(errs, errors.New("context sizes must not be negative"))
	}
	if c.Approval.Expiry < 0 {
		errs = append(errs, errors.New("approval.expiry must not be negative"))
	}
	return errors.Join(errs...)
}
