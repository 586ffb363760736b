package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRelayEnvFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\n" +
		"RELAYHUB_DB_PATH=./from-file.db\n" +
		"export RELAYHUB_JWT_SECRET=\"quoted secret\"\n" +
		"RELAYHUB_LOG_LEVEL=debug\n" +
		"OTHER_VAR=ignored\n" +
		"not an assignment\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAYHUB_DB_PATH", "")
	t.Setenv("RELAYHUB_JWT_SECRET", "")
	t.Setenv("RELAYHUB_LOG_LEVEL", "warn")
	t.Setenv("OTHER_VAR", "")

	loadRelayEnvFromDotEnv(path)

	if got := os.Getenv("RELAYHUB_DB_PATH"); got != "./from-file.db" {
		t.Fatalf("expected db path from file, got %q", got)
	}
	if got := os.Getenv("RELAYHUB_JWT_SECRET"); got != "quoted secret" {
		t.Fatalf("expected unquoted secret, got %q", got)
	}
	if got := os.Getenv("RELAYHUB_LOG_LEVEL"); got != "warn" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
	if got := os.Getenv("OTHER_VAR"); got != "" {
		t.Fatalf("expected non-prefixed key to be skipped, got %q", got)
	}
}

func TestLoadRelayEnvMissingFile(t *testing.T) {
	if got := loadEnvFileValues(filepath.Join(t.TempDir(), "missing.env")); len(got) != 0 {
		t.Fatalf("expected no values, got %v", got)
	}
}

func TestParseEnvAssignment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line  string
		key   string
		value string
		ok    bool
	}{
		{line: "A=b", key: "A", value: "b", ok: true},
		{line: "  A = 'single' ", key: "A", value: "single", ok: true},
		{line: "export A=1", key: "A", value: "1", ok: true},
		{line: "A=", key: "A", value: "", ok: true},
		{line: "# A=b"},
		{line: ""},
		{line: "=b"},
		{line: "A B=c"},
	}
	for _, tt := range tests {
		key, value, ok := parseEnvAssignment(tt.line)
		if ok != tt.ok || key != tt.key || value != tt.value {
			t.Fatalf("parseEnvAssignment(%q) = %q, %q, %v", tt.line, key, value, ok)
		}
	}
}
