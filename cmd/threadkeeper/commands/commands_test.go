package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/store"
	"github.com/zalando/go-keyring"
)

func writeConfig(t *testing.T, body string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "threadkeeper.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	data := fmt.Sprintf("database:\n  backend: sqlite\n  sqlite:\n    path: %s\n%s", dbPath, body)
	if err := os.WriteFile(cfgPath, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	keyring.MockInit()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigValidate(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("THREADKEEPER_DISCORD_TOKEN", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("THREADKEEPER_LLM_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	bad, _ := writeConfig(t, "")
	if _, err := execute(t, "config", "validate", "--config", bad); err == nil || !strings.Contains(err.Error(), "discord.token") {
		t.Fatalf("expected missing token error, got %v", err)
	}

	good, _ := writeConfig(t, "discord:\n  token: abc\nllm:\n  api_key: sk-test\n")
	out, err := execute(t, "config", "validate", "--config", good)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	cfgPath, _ := writeConfig(t, "discord:\n  token: supersecrettoken\n")
	out, err := execute(t, "config", "show", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "supersecrettoken") || !strings.Contains(out, "supe****") {
		t.Errorf("secret not masked:\n%s", out)
	}
}

func TestHistory(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "")

	ctx := context.Background()
	dbCfg := database.DefaultConfig()
	dbCfg.SQLite.Path = dbPath
	b, err := database.Open(ctx, dbCfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(b, nil)
	key := store.Key{Surface: "discord", Channel: "c1", Thread: "t1"}
	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tx.AppendTurn(ctx, key, store.Turn{Role: store.RoleUser, Content: "is it raining?"})
	tx.AppendTurn(ctx, key, store.Turn{Role: store.RoleAssistant, Content: "not right now"})
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertSummary(ctx, key, store.Summary{Text: "weather chat", CoveredTurnCount: 2}); err != nil {
		t.Fatal(err)
	}
	b.Close()

	out, err := execute(t, "history", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "discord/c1/t1" {
		t.Errorf("unexpected listing %q", out)
	}

	out, err = execute(t, "history", "c1", "t1", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"(2 turns)", "weather chat", "is it raining?", "not right now"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "is it raining?") > strings.Index(out, "not right now") {
		t.Error("turns must print oldest first")
	}
}

func TestResolveConfig_Missing(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := execute(t, "history"); err == nil || !strings.Contains(err.Error(), "no configuration file") {
		t.Fatalf("expected missing config error, got %v", err)
	}
}
