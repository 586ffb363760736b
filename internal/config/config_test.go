package config

import (
	"testing"
	"time"
)

func TestNormalizeDomainHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"example.com":                 "example.com",
		"https://example.com/path":    "example.com",
		"http://EXAMPLE.com:443/abc":  "example.com",
		"  sub.example.com.  ":        "sub.example.com",
		"https://[2001:db8::1]:10443": "2001:db8::1",
	}

	for in, want := range tests {
		if got := normalizeDomainHost(in); got != want {
			t.Fatalf("normalizeDomainHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseHubFlagsDefaults(t *testing.T) {
	t.Setenv("RELAYHUB_TLS_MODE", "")
	t.Setenv("RELAYHUB_TUNNEL_IDLE_TIMEOUT", "")
	t.Setenv("RELAYHUB_TERMINAL_BUFFER_CAP", "")

	cfg, err := ParseHubFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TLSMode != TLSModeOff {
		t.Fatalf("expected tls mode off, got %q", cfg.TLSMode)
	}
	if cfg.TunnelIdleTimeout != 10*time.Minute {
		t.Fatalf("expected 10m tunnel idle timeout, got %s", cfg.TunnelIdleTimeout)
	}
	if cfg.TerminalIdleTimeout != 30*time.Minute {
		t.Fatalf("expected 30m terminal idle timeout, got %s", cfg.TerminalIdleTimeout)
	}
	if cfg.TerminalBufferCap != 200_000 {
		t.Fatalf("expected 200000 byte buffer, got %d", cfg.TerminalBufferCap)
	}
}

func TestParseHubFlagsEnvOverride(t *testing.T) {
	t.Setenv("RELAYHUB_TUNNEL_IDLE_TIMEOUT", "45s")
	t.Setenv("RELAYHUB_FRAME_RATE", "12.5")

	cfg, err := ParseHubFlags([]string{"--terminal-idle-timeout", "0"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TunnelIdleTimeout != 45*time.Second {
		t.Fatalf("expected env tunnel idle timeout, got %s", cfg.TunnelIdleTimeout)
	}
	if cfg.TerminalIdleTimeout >= 0 {
		t.Fatalf("expected zero flag to disable terminal idle eviction, got %s", cfg.TerminalIdleTimeout)
	}
	if cfg.FrameRate != 12.5 {
		t.Fatalf("expected frame rate 12.5, got %v", cfg.FrameRate)
	}
}

func TestParseHubFlagsValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "auto needs domain", args: []string{"--tls-mode", "auto", "--domain", ""}},
		{name: "static needs files", args: []string{"--tls-mode", "static"}},
		{name: "unknown tls mode", args: []string{"--tls-mode", "wildcard"}},
		{name: "idle cannot exceed open", args: []string{"--db-max-open-conns", "1", "--db-max-idle-conns", "2"}},
		{name: "tiny frames", args: []string{"--max-frame-bytes", "10"}},
		{name: "bad log format", args: []string{"--log-format", "xml"}},
		{name: "zero ping timeout", args: []string{"--ping-timeout", "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAYHUB_DOMAIN", "")
			if _, err := ParseHubFlags(tt.args); err == nil {
				t.Fatalf("expected parse error for args: %v", tt.args)
			}
		})
	}
}

func TestParseRunnerFlags(t *testing.T) {
	t.Setenv("RELAYHUB_URL", "https://hub.example.com")
	t.Setenv("RELAYHUB_API_KEY", "key")
	t.Setenv("RELAYHUB_MACHINE_ID", "")

	t.Setenv("RELAYHUB_MACHINE_NAME", "")

	cfg, err := ParseRunnerFlags([]string{"--hostname", "WorkStation", "--name", " Desk PC ", "--allowed-ports", "22, 8080"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MachineID != "workstation" {
		t.Fatalf("expected machine id from hostname, got %q", cfg.MachineID)
	}
	if cfg.DisplayName != "Desk PC" {
		t.Fatalf("expected trimmed display name, got %q", cfg.DisplayName)
	}
	if len(cfg.AllowedPorts) != 2 || cfg.AllowedPorts[0] != 22 || cfg.AllowedPorts[1] != 8080 {
		t.Fatalf("unexpected allowed ports %v", cfg.AllowedPorts)
	}

	if _, err := ParseRunnerFlags([]string{"--allowed-ports", "22,http"}); err == nil {
		t.Fatal("expected invalid port list to fail")
	}
}

func TestParseConnectFlags(t *testing.T) {
	t.Setenv("RELAYHUB_URL", "https://hub.example.com")
	t.Setenv("RELAYHUB_API_KEY", "key")
	t.Setenv("RELAYHUB_MACHINE_ID", "")
	t.Setenv("RELAYHUB_PORT", "")

	if _, err := ParseConnectFlags(nil); err == nil {
		t.Fatal("expected missing machine to fail")
	}
	cfg, err := ParseConnectFlags([]string{"--machine", "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 22 || cfg.Listen != "" || cfg.ReadyTimeout != 15*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if _, err := ParseConnectFlags([]string{"--machine", "m1", "--port", "70000"}); err == nil {
		t.Fatal("expected out of range port to fail")
	}
}

func TestParseShellFlagsRequiresHub(t *testing.T) {
	t.Setenv("RELAYHUB_URL", "")
	t.Setenv("RELAYHUB_API_KEY", "key")

	if _, err := ParseShellFlags([]string{"--session", "s1"}); err == nil {
		t.Fatal("expected missing hub url to fail")
	}
	cfg, err := ParseShellFlags([]string{"--session", "s1", "--hub", "http://127.0.0.1:8080", "--shell", " "})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Shell != "/bin/sh" {
		t.Fatalf("expected shell fallback, got %q", cfg.Shell)
	}
}
