package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/koltyakov/relayhub/internal/auth"
	"github.com/koltyakov/relayhub/internal/store/sqlite"
)

func runAPIKeyAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: relayhub apikey <create|list|revoke> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runAPIKeyCreate(ctx, os.Stdout, args[1:])
	case "list":
		return runAPIKeyList(ctx, os.Stdout, args[1:])
	case "revoke":
		return runAPIKeyRevoke(ctx, os.Stdout, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown apikey command:", args[0])
		return 2
	}
}

func runAPIKeyCreate(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("apikey-create", flag.ContinueOnError)
	var dbPath, name, namespace, pepper string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&name, "name", "default", "key label")
	fs.StringVar(&namespace, "namespace", envOr("RELAYHUB_NAMESPACE", ""), "namespace the key grants access to")
	fs.StringVar(&pepper, "api-key-pepper", envOr("RELAYHUB_API_KEY_PEPPER", ""), "hash pepper override")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		fmt.Fprintln(os.Stderr, "missing --namespace")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	resolvedPepper, err := resolveServerPepper(ctx, store, pepper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apikey create error:", err)
		return 1
	}

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate key:", err)
		return 1
	}
	rec, err := store.CreateAPIKey(ctx, name, namespace, auth.HashAPIKey(plain, resolvedPepper))
	if err != nil {
		fmt.Fprintln(os.Stderr, "create key:", err)
		return 1
	}
	fmt.Fprintln(out, "id:", rec.ID)
	fmt.Fprintln(out, "name:", rec.Name)
	fmt.Fprintln(out, "namespace:", rec.Namespace)
	fmt.Fprintln(out, "api_key:", auth.AccessToken{Key: plain, Namespace: rec.Namespace}.String())
	return 0
}

func runAPIKeyList(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("apikey-list", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list keys:", err)
		return 1
	}
	for _, k := range keys {
		revoked := "false"
		if k.RevokedAt != nil {
			revoked = "true"
		}
		fmt.Fprintf(out, "%s\t%s\tnamespace=%s\trevoked=%s\tcreated=%s\n", k.ID, k.Name, k.Namespace, revoked, k.CreatedAt.UTC().Format(time.RFC3339))
	}
	return 0
}

func runAPIKeyRevoke(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("apikey-revoke", flag.ContinueOnError)
	var dbPath, id string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "key id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.RevokeAPIKey(ctx, id); err != nil {
		fmt.Fprintln(os.Stderr, "revoke key:", err)
		return 1
	}
	fmt.Fprintln(out, "revoked:", id)
	return 0
}

// runToken signs a short-lived web client token with the hub's JWT secret.
func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	var secret, namespace, userID string
	var ttl time.Duration
	fs.StringVar(&secret, "jwt-secret", envOr("RELAYHUB_JWT_SECRET", ""), "HS256 secret shared with the hub")
	fs.StringVar(&namespace, "namespace", envOr("RELAYHUB_NAMESPACE", ""), "namespace claim")
	fs.StringVar(&userID, "user", "", "user id claim")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if ttl <= 0 {
		fmt.Fprintln(os.Stderr, "ttl must be > 0")
		return 2
	}
	token, err := auth.SignToken([]byte(secret), strings.TrimSpace(userID), strings.TrimSpace(namespace), ttl, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "token error:", err)
		return 2
	}
	fmt.Println(token)
	return 0
}

func defaultDBPath() string {
	return envOr("RELAYHUB_DB_PATH", "./relayhub.db")
}

func openSQLiteStoreOrExit(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}
