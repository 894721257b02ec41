package copilot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database"
	"github.com/zalando/go-keyring"
)

func TestParseConfig_DefaultsAndOverlay(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
name: helper
context:
  window_size: 10
approval:
  expiry: 2m
  exempt_channels: ["ops"]
database:
  backend: postgresql
  postgresql:
    host: db.internal
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "helper" || cfg.Context.WindowSize != 10 {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	if cfg.Context.SummaryTrigger != 30 || cfg.Chunker.MaxLength != 1900 {
		t.Errorf("defaults lost: trigger=%d chunk=%d", cfg.Context.SummaryTrigger, cfg.Chunker.MaxLength)
	}
	if cfg.Approval.Expiry != 2*time.Minute || !cfg.Approval.Required {
		t.Errorf("unexpected approval config %+v", cfg.Approval)
	}
	if cfg.Database.Backend != database.BackendPostgreSQL || cfg.Database.PostgreSQL.Host != "db.internal" {
		t.Errorf("unexpected database config %+v", cfg.Database)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	if _, err := ParseConfig([]byte("context: [oops")); err == nil {
		t.Fatal("expected YAML error")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TK_SET", "value")

	tests := []struct {
		in, want string
	}{
		{"a: ${TK_SET}", "a: value"},
		{"a: ${TK_UNSET_VAR}", "a: ${TK_UNSET_VAR}"},
		{"a: ${TK_UNSET_VAR:-fallback}", "a: fallback"},
		{"a: ${TK_SET:-fallback}", "a: value"},
		{"a: $TK_SET", "a: $TK_SET"},
	}
	for _, tt := range tests {
		got, err := expandEnvVars(tt.in)
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandEnvVars_Required(t *testing.T) {
	_, err := expandEnvVars("token: ${TK_MISSING_TOKEN:?set the discord token}")
	if err == nil || !strings.Contains(err.Error(), "TK_MISSING_TOKEN: set the discord token") {
		t.Fatalf("expected required variable error, got %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	keyring.MockInit()
	t.Setenv("TK_TEST_DISCORD", "discord-secret")
	t.Setenv("THREADKEEPER_LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "discord:\n  token: ${TK_TEST_DISCORD}\nllm:\n  model: gpt-test\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Discord.Token != "discord-secret" {
		t.Errorf("token not expanded: %q", cfg.Discord.Token)
	}
	if cfg.LLM.APIKey != "sk-env" || cfg.LLM.Model != "gpt-test" {
		t.Errorf("unexpected llm config %+v", cfg.LLM)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestResolveSecrets_Precedence(t *testing.T) {
	keyring.MockInit()
	t.Setenv("DISCORD_TOKEN", "from-env")
	t.Setenv("THREADKEEPER_DISCORD_TOKEN", "")

	cfg := DefaultConfig()
	cfg.Discord.Token = "from-config"
	ResolveSecrets(cfg)
	if cfg.Discord.Token != "from-config" {
		t.Errorf("config value should beat env, got %q", cfg.Discord.Token)
	}

	cfg.Discord.Token = "${DISCORD_TOKEN_UNSET}"
	ResolveSecrets(cfg)
	if cfg.Discord.Token != "from-env" {
		t.Errorf("unexpanded reference should fall back to env, got %q", cfg.Discord.Token)
	}

	if err := StoreKeyring(SecretDiscord, "from-keyring"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { DeleteKeyring(SecretDiscord) })
	ResolveSecrets(cfg)
	if cfg.Discord.Token != "from-keyring" {
		t.Errorf("keyring should win, got %q", cfg.Discord.Token)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chunker.MaxLength = 4000
	cfg.LLM.Provider = "anthropic"
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"discord.token", "llm.api_key", "llm.provider", "logging.format", "chunker.max_length"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}

	cfg = DefaultConfig()
	cfg.Discord.Token = "t"
	cfg.LLM.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}
