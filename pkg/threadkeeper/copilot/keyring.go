package copilot

import (
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "threadkeeper"

// Secret names shared by the keyring and the CLI.
const (
	SecretLLMKey      = "llm_api_key"
	SecretDiscord     = "discord_token"
	SecretBraveKey    = "brave_api_key"
	SecretImageGenKey = "image_api_key"
)

// secretEnv lists the environment variables consulted per secret, in order.
var secretEnv = map[string][]string{
	SecretLLMKey:      {"THREADKEEPER_LLM_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"},
	SecretDiscord:     {"THREADKEEPER_DISCORD_TOKEN", "DISCORD_TOKEN"},
	SecretBraveKey:    {"BRAVE_API_KEY"},
	SecretImageGenKey: {"THREADKEEPER_IMAGE_API_KEY", "OPENAI_API_KEY"},
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" if absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets fills secret fields. The OS keyring wins, then a literal
// value from the config file, then the environment.
func ResolveSecrets(cfg *Config) {
	cfg.LLM.APIKey = resolveSecret(SecretLLMKey, cfg.LLM.APIKey)
	cfg.Discord.Token = resolveSecret(SecretDiscord, cfg.Discord.Token)
	cfg.WebSearch.BraveAPIKey = resolveSecret(SecretBraveKey, cfg.WebSearch.BraveAPIKey)
	cfg.ImageGeneration.APIKey = resolveSecret(SecretImageGenKey, cfg.ImageGeneration.APIKey)
}

func resolveSecret(name, current string) string {
	if val := GetKeyring(name); val != "" {
		return val
	}
	if current != "" && !IsEnvReference(current) {
		return current
	}
	for _, env := range secretEnv[name] {
		if val := os.Getenv(env); val != "" {
			return val
		}
	}
	return ""
}

// ReadPassword reads a line from the terminal without echo.
func ReadPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
