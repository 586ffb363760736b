package server

import (
	"context"
	"time"
)

func (s *Server) runJanitor(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.cfg.JanitorInterval)
	cleanupTicker := time.NewTicker(10 * s.cfg.JanitorInterval)
	defer heartbeatTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.expireStaleConns(time.Now())
		case <-cleanupTicker.C:
			s.purgeInactiveSessions(ctx)
			s.limiter.cleanup(connectLimiterIdle)
		}
	}
}

// expireStaleConns closes connections silent for longer than the ping
// timeout. Their read loops run the usual disconnect cleanup.
func (s *Server) expireStaleConns(now time.Time) int {
	closed := 0
	for _, pc := range s.hub.snapshot() {
		lastSeen := pc.lastSeen()
		if now.Sub(lastSeen) <= s.cfg.PingTimeout {
			continue
		}
		if !pc.close() {
			continue
		}
		closed++
		s.log.Warn("client heartbeat timeout", "conn_id", pc.id, "last_seen", lastSeen.UTC().Format(time.RFC3339))
	}
	return closed
}

func (s *Server) purgeInactiveSessions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	ids, err := s.store.PurgeInactiveSessions(ctx, time.Now().Add(-s.cfg.SessionRetention), sessionPurgeBatch)
	if err != nil {
		s.log.Error("inactive session cleanup failed", "err", err)
		return
	}
	if len(ids) > 0 {
		s.log.Info("inactive sessions purged", "sessions", len(ids))
	}
}

func (s *Server) closeAllConns() {
	for _, pc := range s.hub.snapshot() {
		pc.close()
	}
}

// reconcile resets presence left over from a previous run; no client is
// connected at startup.
func (s *Server) reconcile(ctx context.Context) error {
	machines, err := s.store.ResetMachinesOffline(ctx)
	if err != nil {
		return err
	}
	sessions, err := s.store.ResetSessionsInactive(ctx)
	if err != nil {
		return err
	}
	if machines > 0 || sessions > 0 {
		s.log.Info("reconciled stale presence", "machines", machines, "sessions", sessions)
	}
	return nil
}
