package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lkarlslund/tutorrouter/pkg/config"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestLoadEnvFilesSkipsMissingAndKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("TUTORD_TEST_FROM_FILE=file\nTUTORD_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("TUTORD_TEST_PRESET", "env")
	t.Setenv("TUTORD_TEST_FROM_FILE", "")
	os.Unsetenv("TUTORD_TEST_FROM_FILE")

	if err := loadEnvFiles([]string{filepath.Join(dir, "missing.env"), path}); err != nil {
		t.Fatalf("load env files: %v", err)
	}
	if got := os.Getenv("TUTORD_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("TUTORD_TEST_PRESET"); got != "env" {
		t.Fatalf("existing variables must win, got %q", got)
	}
}

func TestConfigInitThenCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tutord.toml")
	if _, err := runRoot(t, "config", "init", "--config", path, "--env-file", ""); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := runRoot(t, "config", "init", "--config", path, "--env-file", ""); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}
	out, err := runRoot(t, "config", "check", "--config", path, "--env-file", "")
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, "config ok") || !strings.Contains(out, "local") {
		t.Fatalf("unexpected check output %q", out)
	}
}

func TestBudgetCommandPrintsBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")
	out, err := runRoot(t, "budget", "--config", path, "--env-file", "", "Compare", "mitosis", "and", "meiosis")
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	var b struct {
		TokenLimit int    `json:"tokenLimit"`
		Intent     string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(out), &b); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if b.TokenLimit < 200 || b.TokenLimit > 4000 || b.Intent == "" {
		t.Fatalf("unexpected budget %+v", b)
	}
}

func TestSanitizeCommandStripsReasoning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")
	out, err := runRoot(t, "sanitize", "--config", path, "--env-file", "", "<think>plan</think>Mitosis is how one cell divides into two.")
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if strings.Contains(out, "plan") || !strings.Contains(out, "Mitosis is how one cell divides") {
		t.Fatalf("unexpected sanitize output %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "tutord dev") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tutord.toml")
	cfg := config.NewDefaultServerConfig()
	cfg.Endpoints = []config.EndpointConfig{{Name: "primary", URL: "http://127.0.0.1:9000/v1/chat/completions", Model: "m", APIKey: "sk-secret"}}
	cfg.IncomingTokens = []config.IncomingAPIToken{{Name: "web", Key: "inbound-secret"}}
	cfg.Normalize()
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	for _, format := range []string{"toml", "yaml", "json"} {
		out, err := runRoot(t, "config", "show", "--config", path, "--env-file", "", "--format", format)
		if err != nil {
			t.Fatalf("config show %s: %v", format, err)
		}
		if strings.Contains(out, "sk-secret") || strings.Contains(out, "inbound-secret") {
			t.Fatalf("%s output leaks a secret:\n%s", format, out)
		}
		if !strings.Contains(out, "listen_addr") || !strings.Contains(out, "primary") {
			t.Fatalf("unexpected %s output:\n%s", format, out)
		}
	}
	if _, err := runRoot(t, "config", "show", "--config", path, "--env-file", "", "--format", "xml"); err == nil {
		t.Fatal("expected unknown format error")
	}
}
