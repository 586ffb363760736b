package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`relayhub - self-hosted relay for TCP tunnels and shared terminals

Usage:
  relayhub hub [flags]                          Start the relay hub
  relayhub runner --hub URL [flags]             Serve tunnels for this machine
  relayhub connect --machine M [--port 22]      Tunnel stdio to a machine port (ssh ProxyCommand)
  relayhub connect --machine M --listen ADDR    Tunnel local TCP connections to a machine port
  relayhub shell --session S [flags]            Produce terminals for a session
  relayhub machines                             List machines and their presence
  relayhub apikey create --namespace NS         Create a namespaced API key
  relayhub apikey list                          List API keys
  relayhub apikey revoke --id=ID                Revoke an API key
  relayhub token --namespace NS --user U        Sign a web client token
  relayhub version                              Print version
  relayhub help                                 Show this help

SSH through the hub:
  ssh -o ProxyCommand='relayhub connect --machine %h --port 22' user@my-machine

Environment Variables:
  RELAYHUB_URL            Hub URL for agents (e.g. https://hub.example.com)
  RELAYHUB_API_KEY        API key for agents
  RELAYHUB_MACHINE_ID     Machine id (runner, connect, shell)
  RELAYHUB_SESSION_ID     Session id (shell)
  RELAYHUB_LISTEN         Hub listen address (default :8080)
  RELAYHUB_TLS_MODE       Hub TLS mode: off|auto|static (default off)
  RELAYHUB_DB_PATH        SQLite database path (default ./relayhub.db)
  RELAYHUB_JWT_SECRET     HS256 secret for web client tokens
  RELAYHUB_LOG_LEVEL      Log level: debug|info|warn|error (default info)
  RELAYHUB_LOG_FORMAT     Log format: text|json (default text)

RELAYHUB_* values are also read from ./.env when not already set.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("relayhub", Version)
}
