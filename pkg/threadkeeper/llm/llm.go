// Package llm provides completion service clients.
//
// Callers describe a completion as a list of role-tagged messages plus an
// Options profile. Two backends are available: any OpenAI-compatible chat
// completions endpoint, and Google's Gemini API.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a completion request.
type Message struct {
	Role    Role
	Content string
}

// Options tunes a single completion.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Profiles used by the orchestration core.
var (
	// Deterministic is for classification and summarization.
	Deterministic = Options{Temperature: 0, MaxTokens: 512}

	// Creative is for user-facing replies.
	Creative = Options{Temperature: 0.8, MaxTokens: 1024}
)

// Completer produces a completion for a message list.
type Completer interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, messages []Message, opts Options) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	return f(ctx, messages, opts)
}

// Config configures the completion backend.
type Config struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "gemini".
	// Empty infers it from BaseURL.
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`

	// SystemPrompt is prepended to every user-facing completion.
	SystemPrompt string `yaml:"system_prompt"`

	// Timeout bounds one HTTP attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of extra attempts on retryable errors.
	MaxRetries int `yaml:"max_retries"`

	// CreativeTemperature and CreativeMaxTokens override the Creative profile.
	CreativeTemperature float64 `yaml:"creative_temperature"`
	CreativeMaxTokens   int     `yaml:"creative_max_tokens"`
}

// DefaultConfig returns the completion defaults.
func DefaultConfig() Config {
	return Config{
		Provider:     "openai",
		BaseURL:      "https://api.openai.com/v1",
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are a helpful assistant in a group chat. Answer concisely.",
		Timeout:      60 * time.Second,
		MaxRetries:   2,
	}
}

// Effective fills zero values with defaults and infers the provider.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.Provider == "" {
		c.Provider = detectProvider(c.BaseURL)
	}
	if c.Provider == "openai" && c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.Model == "" {
		if c.Provider == "gemini" {
			c.Model = "gemini-2.5-flash"
		} else {
			c.Model = def.Model
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// CreativeOptions returns the Creative profile with config overrides.
func (c Config) CreativeOptions() Options {
	opts := Creative
	if c.CreativeTemperature > 0 {
		opts.Temperature = c.CreativeTemperature
	}
	if c.CreativeMaxTokens > 0 {
		opts.MaxTokens = c.CreativeMaxTokens
	}
	return opts
}

// detectProvider infers the provider from a base URL.
func detectProvider(baseURL string) string {
	if strings.Contains(baseURL, "generativelanguage.googleapis.com") {
		return "gemini"
	}
	return "openai"
}

// New creates the Completer for cfg.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Completer, error) {
	cfg = cfg.Effective()
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg, logger), nil
	case "gemini":
		return NewGemini(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
