package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/koltyakov/relayhub/internal/broker"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

var errRateLimited = errors.New("too many connection attempts")

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	principal, err := s.admit(r)
	if err != nil {
		status, code := authStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error("relay admission failed", "remote_addr", r.RemoteAddr, "err", err)
		} else {
			s.log.Info("relay connection rejected", "remote_addr", r.RemoteAddr, "status", status, "err", err)
		}
		writeJSON(w, status, domain.ErrorResponse{Error: http.StatusText(status), ErrorCode: code})
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(s.ctx)
	pc := &peerConn{
		id:        uuid.NewString(),
		conn:      conn,
		principal: principal,
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameBurst),
		ctx:       ctx,
		cancel:    cancel,
	}
	pc.pump = relayproto.NewWSWritePump(conn, wsWriteTimeout, wsHighQueueCap, wsLowQueueCap)
	pc.touch(time.Now())

	// hello goes out before the connection becomes routable so it is
	// always the first frame a client sees.
	if err := pc.Send(relayproto.EventHello, relayproto.Hello{
		ConnID:     pc.id,
		Namespace:  principal.Namespace,
		ClientType: principal.ClientType,
		MachineID:  principal.MachineID,
		SessionID:  principal.SessionID,
	}); err != nil {
		cancel()
		pc.pump.Close()
		_ = conn.Close()
		return
	}
	s.hub.add(pc)
	s.log.Info("client connected",
		"conn_id", pc.id,
		"namespace", principal.Namespace,
		"client_type", principal.ClientType,
		"machine_id", principal.MachineID,
		"session_id", principal.SessionID)

	s.hub.wg.Add(1)
	go func() {
		defer s.hub.wg.Done()
		s.readLoop(pc)
	}()
}

// admit runs every check that can reject a relay connection before the
// upgrade.
func (s *Server) admit(r *http.Request) (domain.Principal, error) {
	if !s.limiter.allow(clientAddr(r)) {
		return domain.Principal{}, errRateLimited
	}
	principal, err := s.authenticate(r)
	if err != nil {
		return domain.Principal{}, err
	}
	principal, err = bindClient(r, principal)
	if err != nil {
		return domain.Principal{}, err
	}
	if err := s.registerPresence(r.Context(), principal, machineInfo(r.URL.Query())); err != nil {
		return domain.Principal{}, err
	}
	return principal, nil
}

func (s *Server) readLoop(pc *peerConn) {
	defer s.disconnect(pc)

	caller := broker.Caller{ConnID: pc.id, Principal: pc.principal}
	for {
		_, raw, err := pc.conn.ReadMessage()
		if err != nil {
			if !pc.closing.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("relay read error", "conn_id", pc.id, "err", err)
			}
			return
		}
		pc.touch(time.Now())

		frame, err := relayproto.Decode(raw)
		if err != nil {
			s.log.Debug("malformed frame dropped", "conn_id", pc.id, "err", err)
			continue
		}
		if opensRelay(frame.Event) {
			if !pc.limiter.Allow() {
				s.log.Debug("frame dropped by rate limit", "conn_id", pc.id, "event", frame.Event)
				continue
			}
		} else if err := pc.limiter.Wait(pc.ctx); err != nil {
			// Stream frames are paced, never dropped: stalling the read
			// loop pushes back on the sender through the socket.
			return
		}

		switch frame.Event {
		case relayproto.EventPing:
			_ = pc.Send(relayproto.EventPong, relayproto.Empty{})
		case relayproto.EventMachineAlive, relayproto.EventSessionAlive:
			s.handleAlive(pc, frame)
		default:
			ctx, cancel := context.WithTimeout(pc.ctx, dispatchTimeout)
			err := s.broker.Dispatch(ctx, caller, frame)
			cancel()
			if err != nil {
				s.log.Debug("frame dropped", "conn_id", pc.id, "event", frame.Event, "err", err)
			}
		}
	}
}

// opensRelay reports whether event creates relay state. Only these frames
// are shed when a connection exceeds its frame rate.
func opensRelay(event string) bool {
	switch event {
	case relayproto.EventTunnelRequest,
		relayproto.EventTerminalCreate,
		relayproto.EventTerminalRegister,
		relayproto.EventTerminalAttach:
		return true
	default:
		return false
	}
}

// handleAlive refreshes last-seen for the machine or session the
// connection itself serves; heartbeats for anything else are ignored.
func (s *Server) handleAlive(pc *peerConn, frame relayproto.Frame) {
	alive, err := relayproto.DecodeData[relayproto.Alive](frame)
	if err != nil {
		s.log.Debug("heartbeat dropped", "conn_id", pc.id, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(pc.ctx, storeOpTimeout)
	defer cancel()

	p := pc.principal
	switch {
	case frame.Event == relayproto.EventMachineAlive && p.ClientType == domain.ClientTypeMachineScoped && alive.MachineID == p.MachineID:
		err = s.store.TouchMachine(ctx, p.MachineID)
	case frame.Event == relayproto.EventSessionAlive && p.ClientType == domain.ClientTypeSessionScoped && alive.SessionID == p.SessionID:
		err = s.store.TouchSession(ctx, p.SessionID)
	default:
		s.log.Debug("heartbeat for foreign id ignored", "conn_id", pc.id, "event", frame.Event)
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("failed to record heartbeat", "conn_id", pc.id, "event", frame.Event, "err", err)
	}
}

// disconnect unregisters pc, lets the broker tear down its relays, and
// marks its machine or session offline when no other connection serves it.
func (s *Server) disconnect(pc *peerConn) {
	pc.close()
	pc.cancel()
	pc.pump.Close()

	lastRunner, lastProducer := s.hub.remove(pc)
	s.broker.Disconnect(pc.id)

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if lastRunner {
		if err := s.store.SetMachineOffline(ctx, pc.principal.MachineID); err != nil {
			s.log.Error("failed to mark machine offline", "machine_id", pc.principal.MachineID, "err", err)
		}
	}
	if lastProducer {
		if err := s.store.SetSessionInactive(ctx, pc.principal.SessionID); err != nil {
			s.log.Error("failed to mark session inactive", "session_id", pc.principal.SessionID, "err", err)
		}
	}
	s.log.Info("client disconnected", "conn_id", pc.id, "client_type", pc.principal.ClientType)
}
