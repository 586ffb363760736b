package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/connector"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/hubclient"
	ilog "github.com/koltyakov/relayhub/internal/log"
	"github.com/koltyakov/relayhub/internal/relayproto"
	"github.com/koltyakov/relayhub/internal/runner"
)

func agentOptions(cfg config.AgentConfig, clientType string, logger *slog.Logger) hubclient.Options {
	return hubclient.Options{
		HubURL:       cfg.HubURL,
		Token:        cfg.APIKey,
		ClientType:   clientType,
		PingInterval: cfg.PingInterval,
		Logger:       logger,
	}
}

// exitCode maps the end of a hubclient.Run loop to a process exit code.
func exitCode(ctx context.Context, err error, what string) int {
	if err == nil || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		return 0
	}
	fmt.Fprintf(os.Stderr, "%s error: %v\n", what, err)
	var dialErr *hubclient.DialError
	if errors.As(err, &dialErr) && !dialErr.Retriable() {
		return 2
	}
	return 1
}

func runRunner(ctx context.Context, args []string) int {
	cfg, err := config.ParseRunnerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "runner config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	r := runner.New(runner.Options{
		MachineID:    cfg.MachineID,
		DialTimeout:  cfg.DialTimeout,
		AliveEvery:   cfg.AliveEvery,
		AllowedPorts: cfg.AllowedPorts,
		Logger:       logger,
	})
	opts := agentOptions(cfg.AgentConfig, relayproto.ClientMachineScoped, logger)
	opts.MachineID = cfg.MachineID
	opts.Machine = runnerMachineInfo(cfg)

	logger.Info("runner starting", "version", Version, "machine_id", cfg.MachineID, "hub", cfg.HubURL, "allowed_ports", cfg.AllowedPorts)
	return exitCode(ctx, hubclient.Run(ctx, opts, r.Serve), "runner")
}

func runShell(ctx context.Context, args []string) int {
	cfg, err := config.ParseShellFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shell config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	host := runner.NewTerminalHost(runner.TerminalHostOptions{
		SessionID:  cfg.SessionID,
		Shell:      cfg.Shell,
		AliveEvery: cfg.AliveEvery,
		Logger:     logger,
	})
	defer host.Close()

	opts := agentOptions(cfg.AgentConfig, relayproto.ClientSessionScoped, logger)
	opts.SessionID = cfg.SessionID
	opts.MachineID = cfg.MachineID

	logger.Info("shell host starting", "version", Version, "session_id", cfg.SessionID, "hub", cfg.HubURL)
	return exitCode(ctx, hubclient.Run(ctx, opts, host.Serve), "shell")
}

func runConnect(ctx context.Context, args []string) int {
	cfg, err := config.ParseConnectFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect config error:", err)
		return 2
	}
	// stdout may carry tunnel bytes.
	logger := ilog.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	opts := agentOptions(cfg.AgentConfig, relayproto.ClientUser, logger)
	connOpts := connector.Options{
		MachineID:    cfg.MachineID,
		Port:         cfg.Port,
		Host:         cfg.Host,
		ReadyTimeout: cfg.ReadyTimeout,
		Logger:       logger,
	}

	if cfg.Listen == "" {
		return exitCode(ctx, connectStdio(ctx, opts, connOpts), "connect")
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen error:", err)
		return 1
	}
	logger.Info("forwarding local listener", "listen", ln.Addr().String(), "machine_id", cfg.MachineID, "port", cfg.Port)
	conns := connector.Accept(ctx, ln, logger)
	err = hubclient.Run(ctx, opts, func(ctx context.Context, hc *hubclient.Conn) error {
		return connector.New(hc, connOpts).ServeConns(ctx, conns)
	})
	return exitCode(ctx, err, "connect")
}

// connectStdio relays stdin and stdout through a single tunnel. The
// session is not retried: a byte stream cannot resume on a new tunnel.
func connectStdio(ctx context.Context, opts hubclient.Options, connOpts connector.Options) error {
	var tunnelErr error
	err := hubclient.Run(ctx, opts, func(ctx context.Context, hc *hubclient.Conn) error {
		c := connector.New(hc, connOpts)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = c.Run(ctx) }()
		tunnelErr = c.Open(ctx, connector.Stdio{Reader: os.Stdin, Writer: os.Stdout})
		return nil
	})
	if err != nil {
		return err
	}
	return tunnelErr
}

func runMachines(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("machines", flag.ContinueOnError)
	var hubURL, apiKey string
	var timeout time.Duration
	fs.StringVar(&hubURL, "hub", envOr("RELAYHUB_URL", ""), "hub URL")
	fs.StringVar(&apiKey, "api-key", envOr("RELAYHUB_API_KEY", ""), "API key or token")
	fs.DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if hubURL == "" || apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing --hub or --api-key")
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	machines, err := hubclient.ListMachines(ctx, hubURL, apiKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "machines error:", err)
		return 1
	}
	printMachines(os.Stdout, machines)
	return 0
}

// runnerMachineInfo is the host metadata a runner reports to the hub.
func runnerMachineInfo(cfg config.RunnerConfig) domain.MachineInfo {
	return domain.MachineInfo{
		Hostname:    cfg.Hostname,
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		DisplayName: cfg.DisplayName,
		HomeDir:     cfg.HomeDir,
		Version:     Version,
	}
}

func printMachines(w io.Writer, machines []domain.MachineView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tHOSTNAME\tPLATFORM\tVERSION\tSTATUS\tLAST SEEN")
	for _, m := range machines {
		status := "offline"
		if m.Online {
			status = "online"
		}
		seen := "-"
		if m.LastSeenAt != nil {
			seen = m.LastSeenAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", m.ID, orDash(m.DisplayName), orDash(m.Hostname),
			orDash(m.Platform), orDash(m.Version), status, seen)
	}
	_ = tw.Flush()
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
