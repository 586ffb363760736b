package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/relayhub/internal/domain"
)

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		status, code := authStatus(err)
		writeJSON(w, status, domain.ErrorResponse{Error: http.StatusText(status), ErrorCode: code})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeOpTimeout)
	defer cancel()
	machines, err := s.store.ListMachines(ctx, principal.Namespace)
	if err != nil {
		s.log.Error("list machines failed", "namespace", principal.Namespace, "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{Error: "list machines failed", ErrorCode: "internal"})
		return
	}

	out := make([]domain.MachineView, 0, len(machines))
	for _, m := range machines {
		out = append(out, domain.MachineView{
			ID:          m.ID,
			Hostname:    m.Hostname,
			DisplayName: m.DisplayName,
			Platform:    m.Platform,
			HomeDir:     m.HomeDir,
			Version:     m.Version,
			Online:      s.hub.machineOnline(m.ID),
			LastSeenAt:  m.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

// clientAddr is the remote IP without port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// waitGroupWait blocks until wg reaches zero or timeout elapses.
// Returns false if the timeout fired before all goroutines finished.
func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
