// Package debughttp serves the hub's operator-only debug listener: pprof
// profiles plus a JSON snapshot of relay counters. It must never share a
// listener with client traffic.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"
)

const shutdownTimeout = 5 * time.Second

// StatsFunc returns a JSON-encodable snapshot of live counters.
type StatsFunc func() any

// Start binds addr and serves the debug mux until ctx is cancelled. It
// returns once the listener is bound so address conflicts fail fast. An
// empty addr disables the listener.
func Start(ctx context.Context, addr string, log *slog.Logger, component string, stats StatsFunc) (net.Addr, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	component = strings.TrimSpace(component)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           NewMux(stats),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info("debug listener started", "component", component, "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug listener error", "component", component, "err", err)
		}
	}()

	return ln.Addr(), nil
}

// NewMux returns the debug routes. stats may be nil.
func NewMux(stats StatsFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	mux.HandleFunc("GET /debug/relay", func(w http.ResponseWriter, r *http.Request) {
		if stats == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(stats())
	})
	return mux
}
