// Package access answers whether an authenticated principal may touch a
// machine or a session. Ownership is by namespace: a principal sees
// exactly the machines and sessions registered under its namespace.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/koltyakov/relayhub/internal/domain"
)

// Denial reasons surfaced to clients.
const (
	ReasonMachineNotFound = "Machine not found"
	ReasonSessionNotFound = "Session not found"
	ReasonDenied          = "Access denied"
	ReasonCheckFailed     = "Access check failed"
)

// Decision is the outcome of one access check.
type Decision struct {
	OK     bool
	Reason string
}

// Allow grants access.
func Allow() Decision { return Decision{OK: true} }

// Deny refuses access with a human-readable reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Resolver answers machine-scoped and session-scoped access checks.
type Resolver interface {
	ResolveMachine(ctx context.Context, p domain.Principal, machineID string) Decision
	ResolveSession(ctx context.Context, p domain.Principal, sessionID string) Decision
}

// Store is the lookup surface StoreResolver needs. Missing rows are
// reported as domain.ErrMachineNotFound or domain.ErrSessionNotFound.
type Store interface {
	GetMachine(ctx context.Context, id string) (domain.Machine, error)
	GetSession(ctx context.Context, id string) (domain.Session, error)
}

// StoreResolver resolves access against the store on every call. Nothing
// is cached, so a revoked or re-owned session is seen on the next frame.
type StoreResolver struct {
	store Store
	log   *slog.Logger
}

// NewStoreResolver creates a resolver backed by store.
func NewStoreResolver(store Store, logger *slog.Logger) *StoreResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreResolver{store: store, log: logger}
}

func (r *StoreResolver) ResolveMachine(ctx context.Context, p domain.Principal, machineID string) Decision {
	m, err := r.store.GetMachine(ctx, machineID)
	if err != nil {
		return r.failure(err, domain.ErrMachineNotFound, ReasonMachineNotFound, "machine_id", machineID)
	}
	return owned(p, m.Namespace)
}

func (r *StoreResolver) ResolveSession(ctx context.Context, p domain.Principal, sessionID string) Decision {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return r.failure(err, domain.ErrSessionNotFound, ReasonSessionNotFound, "session_id", sessionID)
	}
	return owned(p, s.Namespace)
}

func (r *StoreResolver) failure(err, notFound error, notFoundReason, key, id string) Decision {
	if errors.Is(err, notFound) {
		return Deny(notFoundReason)
	}
	r.log.Warn("access check failed", key, id, "err", err)
	return Deny(ReasonCheckFailed)
}

func owned(p domain.Principal, namespace string) Decision {
	if p.Namespace == "" || p.Namespace != namespace {
		return Deny(ReasonDenied)
	}
	return Allow()
}

// NormalizeClientType maps the clientType query value of a connection to
// one of the domain client types. Empty means a plain user connection.
func NormalizeClientType(raw string) (string, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "", domain.ClientTypeUser:
		return domain.ClientTypeUser, nil
	case domain.ClientTypeMachineScoped, domain.ClientTypeSessionScoped:
		return raw, nil
	default:
		return "", fmt.Errorf("invalid client type %q (expected user, machine-scoped or session-scoped)", raw)
	}
}
