// Package server runs the relay hub: it authenticates WebSocket clients,
// keeps the directory of live connections, and feeds their frames to the
// broker.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/relayhub/internal/access"
	"github.com/koltyakov/relayhub/internal/broker"
	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/store/sqlite"
)

const (
	wsWriteTimeout      = 15 * time.Second
	wsHighQueueCap      = 64
	wsLowQueueCap       = 1024
	storeOpTimeout      = 10 * time.Second
	dispatchTimeout     = 10 * time.Second
	sessionPurgeBatch   = 100
	connectLimiterIdle  = 10 * time.Minute
	shutdownWaitTimeout = 15 * time.Second
)

type Server struct {
	cfg       config.HubConfig
	store     *sqlite.Store
	log       *slog.Logger
	hub       *hub
	broker    *broker.Broker
	access    *access.StoreResolver
	limiter   *rateLimiter
	jwtSecret []byte

	// ctx parents every connection context; Run replaces it before serving.
	ctx context.Context
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func New(cfg config.HubConfig, store *sqlite.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		log:     logger,
		hub:     newHub(),
		access:  access.NewStoreResolver(store, logger),
		limiter: newRateLimiter(cfg.ConnectRate, cfg.ConnectBurst),
		ctx:     context.Background(),
	}
	if cfg.JWTSecret != "" {
		s.jwtSecret = []byte(cfg.JWTSecret)
	}
	s.broker = broker.New(broker.Options{
		Peers:               s.hub,
		Access:              s.access,
		Logger:              logger.With("component", "broker"),
		TunnelIdleTimeout:   cfg.TunnelIdleTimeout,
		TerminalIdleTimeout: cfg.TerminalIdleTimeout,
		TerminalBufferCap:   cfg.TerminalBufferCap,
	})
	return s
}

// Handler returns the hub's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/relay", s.handleRelay)
	mux.HandleFunc("GET /v1/machines", s.handleListMachines)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// HubStats is the payload of the debug stats endpoint.
type HubStats struct {
	Connections int                   `json:"connections"`
	Relay       broker.Stats          `json:"relay"`
	Peers       []PeerStats           `json:"peers"`
	Tunnels     []broker.TunnelView   `json:"tunnels"`
	Terminals   []broker.TerminalView `json:"terminals"`
}

// PeerStats is one connection as seen by the debug listener.
type PeerStats struct {
	ConnID     string            `json:"conn_id"`
	Namespace  string            `json:"namespace"`
	ClientType string            `json:"client_type"`
	MachineID  string            `json:"machine_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Relays     broker.ConnRelays `json:"relays"`
}

// Stats reports relay state for the debug listener.
func (s *Server) Stats() HubStats {
	conns := s.hub.snapshot()
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
	peers := make([]PeerStats, 0, len(conns))
	for _, pc := range conns {
		peers = append(peers, PeerStats{
			ConnID:     pc.id,
			Namespace:  pc.principal.Namespace,
			ClientType: pc.principal.ClientType,
			MachineID:  pc.principal.MachineID,
			SessionID:  pc.principal.SessionID,
			Relays:     s.broker.Relays(pc.id),
		})
	}
	return HubStats{
		Connections: len(conns),
		Relay:       s.broker.Stats(),
		Peers:       peers,
		Tunnels:     s.broker.Tunnels(),
		Terminals:   s.broker.Terminals(),
	}
}
