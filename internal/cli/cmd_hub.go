package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/debughttp"
	ilog "github.com/koltyakov/relayhub/internal/log"
	"github.com/koltyakov/relayhub/internal/server"
	"github.com/koltyakov/relayhub/internal/store/sqlite"
)

func runHub(ctx context.Context, args []string) int {
	cfg, err := config.ParseHubFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hub config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	pepper, err := resolveServerPepper(ctx, store, cfg.APIKeyPepper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hub config error:", err)
		return 2
	}
	cfg.APIKeyPepper = pepper

	logger.Info("relayhub starting", "version", Version, "db", cfg.DBPath, "jwt_auth", cfg.JWTSecret != "")
	s := server.New(cfg, store, logger)
	if _, err := debughttp.Start(ctx, cfg.PprofListen, logger, "hub", func() any { return s.Stats() }); err != nil {
		fmt.Fprintln(os.Stderr, "debug listener error:", err)
		return 1
	}
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "hub error:", err)
		return 1
	}
	return 0
}

func resolveServerPepper(ctx context.Context, store *sqlite.Store, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return store.ResolveServerPepper(ctx, configured)
	}

	current, exists, err := store.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		return current, nil
	}
	return store.ResolveServerPepper(ctx, chooseServerPepper())
}

func chooseServerPepper() string {
	machineID := detectMachineID()
	if machineID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("relayhub-pepper:" + machineID))
	return hex.EncodeToString(sum[:])
}

func detectMachineID() string {
	for _, p := range []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	} {
		if b, err := os.ReadFile(p); err == nil {
			if v := strings.TrimSpace(string(b)); v != "" {
				return v
			}
		}
	}
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output(); err == nil {
			if id := parseDarwinIOPlatformUUID(string(out)); id != "" {
				return id
			}
		}
	}
	return ""
}

func parseDarwinIOPlatformUUID(raw string) string {
	const marker = `"IOPlatformUUID" = "`
	idx := strings.Index(raw, marker)
	if idx < 0 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(raw[start:], `"`)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(raw[start : start+end])
}
