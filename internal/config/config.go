package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HubConfig configures `relayhub hub`.
type HubConfig struct {
	Listen              string
	ListenHTTP          string
	Domain              string
	TLSMode             string
	CertCacheDir        string
	TLSCertFile         string
	TLSKeyFile          string
	DBPath              string
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	APIKeyPepper        string
	JWTSecret           string
	LogLevel            string
	LogFormat           string
	TunnelIdleTimeout   time.Duration
	TerminalIdleTimeout time.Duration
	TerminalBufferCap   int
	PingTimeout         time.Duration
	JanitorInterval     time.Duration
	SessionRetention    time.Duration
	MaxFrameBytes       int64
	FrameRate           float64
	FrameBurst          int
	ConnectRate         float64
	ConnectBurst        int
	PprofListen         string
}

// AgentConfig holds the settings shared by every command that connects to
// a hub.
type AgentConfig struct {
	HubURL       string
	APIKey       string
	LogLevel     string
	LogFormat    string
	PingInterval time.Duration
}

// RunnerConfig configures `relayhub runner`.
type RunnerConfig struct {
	AgentConfig
	MachineID    string
	Hostname     string
	DisplayName  string
	HomeDir      string
	DialTimeout  time.Duration
	AliveEvery   time.Duration
	AllowedPorts []int
}

// ConnectConfig configures `relayhub connect`.
type ConnectConfig struct {
	AgentConfig
	MachineID    string
	Port         int
	Host         string
	Listen       string
	ReadyTimeout time.Duration
}

// ShellConfig configures `relayhub shell`.
type ShellConfig struct {
	AgentConfig
	SessionID  string
	MachineID  string
	Shell      string
	AliveEvery time.Duration
}

const (
	defaultHubListen           = ":8080"
	defaultHubHTTPListen       = ":80"
	defaultHubDBPath           = "./relayhub.db"
	defaultHubCertCacheDir     = "./cert"
	defaultTunnelIdleTimeout   = 10 * time.Minute
	defaultTerminalIdleTimeout = 30 * time.Minute
	defaultTerminalBufferCap   = 200_000
	defaultPingTimeout         = 90 * time.Second
	defaultJanitorInterval     = 30 * time.Second
	defaultSessionRetention    = 7 * 24 * time.Hour
	defaultMaxFrameBytes       = 1 << 20
	defaultFrameRate           = 400
	defaultFrameBurst          = 800
	defaultConnectRate         = 2
	defaultConnectBurst        = 10
	defaultAgentPingInterval   = 25 * time.Second
	defaultAliveInterval       = 20 * time.Second
	defaultDialTimeout         = 10 * time.Second
	defaultReadyTimeout        = 15 * time.Second
)

// TLS modes accepted by the hub.
const (
	TLSModeOff    = "off"
	TLSModeAuto   = "auto"
	TLSModeStatic = "static"
)

func ParseHubFlags(args []string) (HubConfig, error) {
	cfg := HubConfig{
		Listen:              envOrDefault("RELAYHUB_LISTEN", defaultHubListen),
		ListenHTTP:          envOrDefault("RELAYHUB_LISTEN_HTTP_CHALLENGE", defaultHubHTTPListen),
		Domain:              envOrDefault("RELAYHUB_DOMAIN", ""),
		TLSMode:             envOrDefault("RELAYHUB_TLS_MODE", TLSModeOff),
		CertCacheDir:        envOrDefault("RELAYHUB_CERT_CACHE_DIR", defaultHubCertCacheDir),
		TLSCertFile:         envOrDefault("RELAYHUB_TLS_CERT_FILE", ""),
		TLSKeyFile:          envOrDefault("RELAYHUB_TLS_KEY_FILE", ""),
		DBPath:              envOrDefault("RELAYHUB_DB_PATH", defaultHubDBPath),
		DBMaxOpenConns:      envIntOrDefault("RELAYHUB_DB_MAX_OPEN_CONNS", 1),
		DBMaxIdleConns:      envIntOrDefault("RELAYHUB_DB_MAX_IDLE_CONNS", 1),
		APIKeyPepper:        envOrDefault("RELAYHUB_API_KEY_PEPPER", ""),
		JWTSecret:           envOrDefault("RELAYHUB_JWT_SECRET", ""),
		LogLevel:            envOrDefault("RELAYHUB_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("RELAYHUB_LOG_FORMAT", "text"),
		TunnelIdleTimeout:   envDurationOrDefault("RELAYHUB_TUNNEL_IDLE_TIMEOUT", defaultTunnelIdleTimeout),
		TerminalIdleTimeout: envDurationOrDefault("RELAYHUB_TERMINAL_IDLE_TIMEOUT", defaultTerminalIdleTimeout),
		TerminalBufferCap:   envIntOrDefault("RELAYHUB_TERMINAL_BUFFER_CAP", defaultTerminalBufferCap),
		PingTimeout:         envDurationOrDefault("RELAYHUB_PING_TIMEOUT", defaultPingTimeout),
		JanitorInterval:     envDurationOrDefault("RELAYHUB_JANITOR_INTERVAL", defaultJanitorInterval),
		SessionRetention:    envDurationOrDefault("RELAYHUB_SESSION_RETENTION", defaultSessionRetention),
		MaxFrameBytes:       int64(envIntOrDefault("RELAYHUB_MAX_FRAME_BYTES", defaultMaxFrameBytes)),
		FrameRate:           envFloatOrDefault("RELAYHUB_FRAME_RATE", defaultFrameRate),
		FrameBurst:          envIntOrDefault("RELAYHUB_FRAME_BURST", defaultFrameBurst),
		ConnectRate:         envFloatOrDefault("RELAYHUB_CONNECT_RATE", defaultConnectRate),
		ConnectBurst:        envIntOrDefault("RELAYHUB_CONNECT_BURST", defaultConnectBurst),
		PprofListen:         envOrDefault("RELAYHUB_PPROF_LISTEN", ""),
	}

	fs := flag.NewFlagSet("hub", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen address")
	fs.StringVar(&cfg.ListenHTTP, "http-challenge-listen", cfg.ListenHTTP, "HTTP-01 challenge listen address (tls-mode auto)")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Public hub domain, required for tls-mode auto")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|auto|static")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 secret for web client tokens (empty disables JWT auth)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.DurationVar(&cfg.TunnelIdleTimeout, "tunnel-idle-timeout", cfg.TunnelIdleTimeout, "Close tunnels idle for this long (<=0 disables)")
	fs.DurationVar(&cfg.TerminalIdleTimeout, "terminal-idle-timeout", cfg.TerminalIdleTimeout, "Close terminals idle for this long (<=0 disables)")
	fs.IntVar(&cfg.TerminalBufferCap, "terminal-buffer-cap", cfg.TerminalBufferCap, "Terminal output replay buffer size in bytes")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "Close connections silent for this long")
	fs.DurationVar(&cfg.JanitorInterval, "janitor-interval", cfg.JanitorInterval, "Janitor sweep interval")
	fs.DurationVar(&cfg.SessionRetention, "session-retention", cfg.SessionRetention, "Delete inactive sessions after this long")
	fs.Int64Var(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "Largest accepted websocket frame")
	fs.Float64Var(&cfg.FrameRate, "frame-rate", cfg.FrameRate, "Per-connection inbound frames per second; relay-opening frames above it are dropped, stream frames are paced")
	fs.IntVar(&cfg.FrameBurst, "frame-burst", cfg.FrameBurst, "Per-connection inbound frame burst")
	fs.Float64Var(&cfg.ConnectRate, "connect-rate", cfg.ConnectRate, "Relay connection attempts per second per client address")
	fs.IntVar(&cfg.ConnectBurst, "connect-burst", cfg.ConnectBurst, "Relay connection attempt burst per client address")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Debug listener for pprof and relay stats (empty disables)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *HubConfig) validate() error {
	cfg.Domain = normalizeDomainHost(cfg.Domain)
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
	}
	switch cfg.TLSMode {
	case TLSModeOff:
	case TLSModeAuto:
		if cfg.Domain == "" {
			return errors.New("tls mode auto requires --domain or RELAYHUB_DOMAIN")
		}
	case TLSModeStatic:
		if strings.TrimSpace(cfg.TLSCertFile) == "" || strings.TrimSpace(cfg.TLSKeyFile) == "" {
			return errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
		}
	default:
		return errors.New("tls mode must be one of: off, auto, static")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns <= 0 {
		return errors.New("db max idle conns must be > 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return errors.New("db max idle conns cannot exceed max open conns")
	}
	if cfg.TerminalBufferCap <= 0 {
		return errors.New("terminal buffer cap must be > 0")
	}
	if cfg.PingTimeout <= 0 {
		return errors.New("ping timeout must be > 0")
	}
	if cfg.JanitorInterval <= 0 {
		return errors.New("janitor interval must be > 0")
	}
	if cfg.SessionRetention <= 0 {
		return errors.New("session retention must be > 0")
	}
	if cfg.MaxFrameBytes < 1024 {
		return errors.New("max frame bytes must be >= 1024")
	}
	if cfg.FrameRate <= 0 || cfg.FrameBurst <= 0 {
		return errors.New("frame rate and burst must be > 0")
	}
	if cfg.ConnectRate <= 0 || cfg.ConnectBurst <= 0 {
		return errors.New("connect rate and burst must be > 0")
	}
	if err := validateLogFormat(cfg.LogFormat); err != nil {
		return err
	}
	// Idle eviction is disabled by a non-positive timeout; zero would
	// otherwise select the broker default.
	if cfg.TunnelIdleTimeout == 0 {
		cfg.TunnelIdleTimeout = -1
	}
	if cfg.TerminalIdleTimeout == 0 {
		cfg.TerminalIdleTimeout = -1
	}
	return nil
}

func ParseRunnerFlags(args []string) (RunnerConfig, error) {
	cfg := RunnerConfig{
		AgentConfig: agentDefaults(),
		MachineID:   envOrDefault("RELAYHUB_MACHINE_ID", ""),
		Hostname:    envOrDefault("RELAYHUB_HOSTNAME", ""),
		DisplayName: envOrDefault("RELAYHUB_MACHINE_NAME", ""),
		DialTimeout: defaultDialTimeout,
		AliveEvery:  defaultAliveInterval,
	}
	ports := envOrDefault("RELAYHUB_ALLOWED_PORTS", "")

	fs := flag.NewFlagSet("runner", flag.ContinueOnError)
	bindAgentFlags(fs, &cfg.AgentConfig)
	fs.StringVar(&cfg.MachineID, "machine", cfg.MachineID, "Machine id this runner serves (defaults to hostname)")
	fs.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "Hostname reported to the hub")
	fs.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "Friendly machine name shown in machine listings")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Local TCP dial timeout")
	fs.StringVar(&ports, "allowed-ports", ports, "Comma separated ports tunnels may reach (empty allows all)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	cfg.DisplayName = strings.TrimSpace(cfg.DisplayName)
	cfg.HomeDir, _ = os.UserHomeDir()
	cfg.MachineID = strings.TrimSpace(cfg.MachineID)
	if cfg.MachineID == "" {
		cfg.MachineID = strings.ToLower(strings.TrimSpace(cfg.Hostname))
	}
	if cfg.MachineID == "" {
		return cfg, errors.New("missing --machine or RELAYHUB_MACHINE_ID")
	}
	parsed, err := parsePorts(ports)
	if err != nil {
		return cfg, err
	}
	cfg.AllowedPorts = parsed
	if err := cfg.AgentConfig.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func ParseConnectFlags(args []string) (ConnectConfig, error) {
	cfg := ConnectConfig{
		AgentConfig:  agentDefaults(),
		MachineID:    envOrDefault("RELAYHUB_MACHINE_ID", ""),
		Port:         envIntOrDefault("RELAYHUB_PORT", 22),
		Host:         envOrDefault("RELAYHUB_TARGET_HOST", ""),
		Listen:       "",
		ReadyTimeout: defaultReadyTimeout,
	}

	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	bindAgentFlags(fs, &cfg.AgentConfig)
	fs.StringVar(&cfg.MachineID, "machine", cfg.MachineID, "Target machine id")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Target port on the runner machine")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Target host as seen by the runner (default 127.0.0.1)")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Accept local TCP connections on this address instead of using stdio")
	fs.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "How long to wait for the runner to open the tunnel")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.MachineID = strings.TrimSpace(cfg.MachineID)
	if cfg.MachineID == "" {
		return cfg, errors.New("missing --machine or RELAYHUB_MACHINE_ID")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("port must be between 1 and 65535")
	}
	if cfg.ReadyTimeout <= 0 {
		return cfg, errors.New("ready timeout must be > 0")
	}
	if err := cfg.AgentConfig.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func ParseShellFlags(args []string) (ShellConfig, error) {
	cfg := ShellConfig{
		AgentConfig: agentDefaults(),
		SessionID:   envOrDefault("RELAYHUB_SESSION_ID", ""),
		MachineID:   envOrDefault("RELAYHUB_MACHINE_ID", ""),
		Shell:       envOrDefault("SHELL", "/bin/sh"),
		AliveEvery:  defaultAliveInterval,
	}

	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	bindAgentFlags(fs, &cfg.AgentConfig)
	fs.StringVar(&cfg.SessionID, "session", cfg.SessionID, "Session id this producer serves")
	fs.StringVar(&cfg.MachineID, "machine", cfg.MachineID, "Machine id the session runs on")
	fs.StringVar(&cfg.Shell, "shell", cfg.Shell, "Shell to spawn for new terminals")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	if cfg.SessionID == "" {
		return cfg, errors.New("missing --session or RELAYHUB_SESSION_ID")
	}
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = "/bin/sh"
	}
	if err := cfg.AgentConfig.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func agentDefaults() AgentConfig {
	return AgentConfig{
		HubURL:       envOrDefault("RELAYHUB_URL", ""),
		APIKey:       envOrDefault("RELAYHUB_API_KEY", ""),
		LogLevel:     envOrDefault("RELAYHUB_LOG_LEVEL", "info"),
		LogFormat:    envOrDefault("RELAYHUB_LOG_FORMAT", "text"),
		PingInterval: defaultAgentPingInterval,
	}
}

func bindAgentFlags(fs *flag.FlagSet, cfg *AgentConfig) {
	fs.StringVar(&cfg.HubURL, "hub", cfg.HubURL, "Hub URL (e.g. https://hub.example.com)")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key, optionally suffixed with :namespace")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Keepalive ping interval")
}

func (cfg *AgentConfig) validate() error {
	cfg.HubURL = strings.TrimSpace(cfg.HubURL)
	if cfg.HubURL == "" {
		return errors.New("missing --hub or RELAYHUB_URL")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("missing --api-key or RELAYHUB_API_KEY")
	}
	if cfg.PingInterval <= 0 {
		return errors.New("ping interval must be > 0")
	}
	return validateLogFormat(cfg.LogFormat)
}

func validateLogFormat(format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text", "json":
		return nil
	default:
		return errors.New("log format must be one of: text, json")
	}
}

func parsePorts(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port %q in allowed ports", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			return v[1:end]
		}
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
