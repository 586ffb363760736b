package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koltyakov/relayhub/internal/access"
	"github.com/koltyakov/relayhub/internal/auth"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

var errBadClient = errors.New("bad client parameters")

// bearerToken reads the credential from the Authorization header, falling
// back to the token query parameter browsers must use for websockets.
func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
		return strings.TrimSpace(authz[len(prefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// authenticate resolves the request credential to a principal carrying
// only the namespace and identity; client binding happens separately.
func (s *Server) authenticate(r *http.Request) (domain.Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}

	if len(s.jwtSecret) > 0 && auth.LooksLikeJWT(raw) {
		claims, err := auth.VerifyToken(s.jwtSecret, raw, time.Now())
		if err != nil {
			return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
		}
		return domain.Principal{Namespace: claims.Namespace, UserID: claims.UserID}, nil
	}

	tok := auth.ParseAccessToken(raw)
	if tok.Key == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeOpTimeout)
	defer cancel()
	key, err := s.store.ResolveAPIKey(ctx, auth.HashAPIKey(tok.Key, s.cfg.APIKeyPepper))
	if err != nil {
		return domain.Principal{}, err
	}
	if tok.Namespace != "" && tok.Namespace != key.Namespace {
		return domain.Principal{}, fmt.Errorf("%w: namespace mismatch", domain.ErrUnauthorized)
	}
	return domain.Principal{Namespace: key.Namespace, APIKeyID: key.ID}, nil
}

// bindClient applies the clientType, machineId and sessionId query
// parameters to an authenticated principal.
func bindClient(r *http.Request, p domain.Principal) (domain.Principal, error) {
	q := r.URL.Query()
	clientType, err := access.NormalizeClientType(q.Get("clientType"))
	if err != nil {
		return p, fmt.Errorf("%w: %v", errBadClient, err)
	}
	p.ClientType = clientType
	p.MachineID = strings.TrimSpace(q.Get("machineId"))
	p.SessionID = strings.TrimSpace(q.Get("sessionId"))
	if len(p.MachineID) > relayproto.MaxIDLen || len(p.SessionID) > relayproto.MaxIDLen {
		return p, fmt.Errorf("%w: id too long", errBadClient)
	}

	switch clientType {
	case domain.ClientTypeMachineScoped:
		if p.MachineID == "" {
			return p, fmt.Errorf("%w: machine-scoped clients require machineId", errBadClient)
		}
		p.SessionID = ""
	case domain.ClientTypeSessionScoped:
		if p.SessionID == "" {
			return p, fmt.Errorf("%w: session-scoped clients require sessionId", errBadClient)
		}
	default:
		p.MachineID, p.SessionID = "", ""
	}
	return p, nil
}

// maxMachineInfoLen caps each reported host metadata value.
const maxMachineInfoLen = 256

// machineInfo reads the host metadata a runner reports on connect.
// Oversized values are truncated.
func machineInfo(q url.Values) domain.MachineInfo {
	get := func(key string) string {
		v := strings.TrimSpace(q.Get(key))
		if len(v) > maxMachineInfoLen {
			v = strings.ToValidUTF8(v[:maxMachineInfoLen], "")
		}
		return v
	}
	return domain.MachineInfo{
		Hostname:    get("hostname"),
		Platform:    get("platform"),
		DisplayName: get("displayName"),
		HomeDir:     get("homeDir"),
		Version:     get("version"),
	}
}

// registerPresence records the machine or session a scoped connection
// serves under the principal's namespace.
func (s *Server) registerPresence(ctx context.Context, p domain.Principal, info domain.MachineInfo) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	switch p.ClientType {
	case domain.ClientTypeMachineScoped:
		_, err := s.store.UpsertMachine(ctx, p.Namespace, p.MachineID, info)
		return err
	case domain.ClientTypeSessionScoped:
		_, err := s.store.UpsertSession(ctx, p.Namespace, p.SessionID, p.MachineID)
		return err
	}
	return nil
}

func authStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errBadClient):
		return http.StatusBadRequest, "bad_client"
	case errors.Is(err, domain.ErrNamespaceConflict):
		return http.StatusForbidden, "namespace_conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
