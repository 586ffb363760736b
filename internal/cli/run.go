// Package cli implements the relayhub command line: the hub itself, the
// runner, connector and shell agents, and key administration.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	loadRelayEnvFromDotEnv(".env")

	switch args[0] {
	case "hub":
		return runHub(ctx, args[1:])
	case "runner":
		return runRunner(ctx, args[1:])
	case "connect":
		return runConnect(ctx, args[1:])
	case "shell":
		return runShell(ctx, args[1:])
	case "machines":
		return runMachines(ctx, args[1:])
	case "apikey":
		return runAPIKeyAdmin(ctx, args[1:])
	case "token":
		return runToken(args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}
