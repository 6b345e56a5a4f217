package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func TestLoadEnvParsesBotSecrets(t *testing.T) {
	for _, key := range []string{"BYBIT_API_KEY", "BYBIT_API_SECRET", "TELEGRAM_CHAT_ID", "DB_USER", "TIMESCALE_DSN", "REDIS_PASSWORD", "TELEGRAM_BOT_TOKEN"} {
		unsetEnv(t, key)
	}
	path := writeEnvFile(t, ""+
		"# bybit credentials\n"+
		"export BYBIT_API_KEY=k3y\n"+
		"BYBIT_API_SECRET=s3cret # rotated monthly\n"+
		"TELEGRAM_CHAT_ID: -100123\n"+
		"DB_USER=carry\n"+
		"TIMESCALE_DSN=\"postgres://${DB_USER}@db:5432/bot\"\n"+
		"REDIS_PASSWORD='p#ss'\n"+
		"TELEGRAM_BOT_TOKEN=\"line1\\nline2\"\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	cases := map[string]string{
		"BYBIT_API_KEY":      "k3y",
		"BYBIT_API_SECRET":   "s3cret",
		"TELEGRAM_CHAT_ID":   "-100123",
		"TIMESCALE_DSN":      "postgres://carry@db:5432/bot",
		"REDIS_PASSWORD":     "p#ss",
		"TELEGRAM_BOT_TOKEN": "line1\nline2",
	}
	for key, want := range cases {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s expected %q, got %q", key, want, got)
		}
	}
}

func TestLoadEnvKeepsExistingSecrets(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "from-shell")
	unsetEnv(t, "BYBIT_API_SECRET")
	path := writeEnvFile(t, "BYBIT_API_KEY=from-file\nBYBIT_API_SECRET=from-file\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("BYBIT_API_KEY"); got != "from-shell" {
		t.Fatalf("BYBIT_API_KEY expected from-shell, got %q", got)
	}
	if got := os.Getenv("BYBIT_API_SECRET"); got != "from-file" {
		t.Fatalf("BYBIT_API_SECRET expected from-file, got %q", got)
	}
}

func TestLoadEnvRejectsUnterminatedQuote(t *testing.T) {
	unsetEnv(t, "BYBIT_API_SECRET")
	path := writeEnvFile(t, "BYBIT_API_SECRET=\"open\n")
	if err := LoadEnv(path); err == nil {
		t.Fatalf("expected unterminated quote error")
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
