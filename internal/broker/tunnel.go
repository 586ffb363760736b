package broker

import (
	"context"

	"github.com/koltyakov/relayhub/internal/registry"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

func (b *Broker) tunnelRequest(ctx context.Context, caller Caller, req relayproto.TunnelRequest) {
	fail := func(msg string) {
		b.send(caller.ConnID, relayproto.EventTunnelError, relayproto.TunnelError{TunnelID: req.TunnelID, Message: msg})
	}

	if d := b.access.ResolveMachine(ctx, caller.Principal, req.MachineID); !d.OK {
		b.log.Info("tunnel request denied", "conn_id", caller.ConnID, "tunnel_id", req.TunnelID, "machine_id", req.MachineID, "reason", d.Reason)
		fail(d.Reason)
		return
	}
	runnerID, ok := b.peers.RunnerFor(req.MachineID, caller.ConnID)
	if !ok {
		b.log.Info("tunnel request without runner", "tunnel_id", req.TunnelID, "machine_id", req.MachineID)
		fail(msgRunnerNotConnected)
		return
	}
	entry, ok := b.tunnels.Register(registry.TunnelEntry{
		TunnelID:        req.TunnelID,
		MachineID:       req.MachineID,
		Port:            req.Port,
		ConnectSocketID: caller.ConnID,
		RunnerSocketID:  runnerID,
	})
	if !ok {
		fail(msgTunnelIDInUse)
		return
	}
	b.log.Info("tunnel requested",
		"tunnel_id", entry.TunnelID,
		"machine_id", entry.MachineID,
		"port", entry.Port,
		"connect_conn_id", entry.ConnectSocketID,
		"runner_conn_id", entry.RunnerSocketID,
	)
	b.send(runnerID, relayproto.EventTunnelOpen, relayproto.TunnelOpen{TunnelID: req.TunnelID, Port: req.Port, Host: req.Host})
}

func (b *Broker) tunnelReady(caller Caller, ref relayproto.TunnelRef) {
	entry, ok := b.tunnels.Get(ref.TunnelID)
	if !ok {
		b.drop("tunnel ready for unknown tunnel", "tunnel_id", ref.TunnelID)
		return
	}
	if caller.ConnID != entry.RunnerSocketID {
		b.drop("tunnel ready from non-runner", "tunnel_id", ref.TunnelID, "conn_id", caller.ConnID)
		return
	}
	b.tunnels.Advance(ref.TunnelID, registry.TunnelReady)
	b.send(entry.ConnectSocketID, relayproto.EventTunnelReady, ref)
}

func (b *Broker) tunnelData(caller Caller, data relayproto.TunnelData) {
	entry, ok := b.tunnels.Get(data.TunnelID)
	if !ok {
		b.drop("tunnel data for unknown tunnel", "tunnel_id", data.TunnelID)
		return
	}
	other, ok := otherSide(entry, caller.ConnID)
	if !ok {
		b.drop("tunnel data from foreign connection", "tunnel_id", data.TunnelID, "conn_id", caller.ConnID)
		return
	}
	b.tunnels.Advance(data.TunnelID, registry.TunnelRelaying)
	b.send(other, relayproto.EventTunnelData, data)
}

func (b *Broker) tunnelClose(caller Caller, ref relayproto.TunnelRef) {
	entry, ok := b.tunnels.Get(ref.TunnelID)
	if !ok {
		return
	}
	other, ok := otherSide(entry, caller.ConnID)
	if !ok {
		b.drop("tunnel close from foreign connection", "tunnel_id", ref.TunnelID, "conn_id", caller.ConnID)
		return
	}
	b.send(other, relayproto.EventTunnelClose, ref)
	b.tunnels.Remove(ref.TunnelID)
	b.log.Info("tunnel closed", "tunnel_id", ref.TunnelID, "by_conn_id", caller.ConnID)
}

func (b *Broker) tunnelError(caller Caller, e relayproto.TunnelError) {
	entry, ok := b.tunnels.Get(e.TunnelID)
	if !ok {
		return
	}
	if _, ok := otherSide(entry, caller.ConnID); !ok {
		b.drop("tunnel error from foreign connection", "tunnel_id", e.TunnelID, "conn_id", caller.ConnID)
		return
	}
	if caller.ConnID == entry.RunnerSocketID {
		if e.Message == "" {
			e.Message = msgTunnelFailed
		}
		b.send(entry.ConnectSocketID, relayproto.EventTunnelError, e)
	}
	b.tunnels.Remove(e.TunnelID)
	b.log.Info("tunnel failed", "tunnel_id", e.TunnelID, "by_conn_id", caller.ConnID, "message", e.Message)
}

func (b *Broker) tunnelDisconnect(connID string) {
	for _, entry := range b.tunnels.RemoveByConnectSocket(connID) {
		b.send(entry.RunnerSocketID, relayproto.EventTunnelClose, relayproto.TunnelRef{TunnelID: entry.TunnelID})
	}
	for _, entry := range b.tunnels.RemoveByRunnerSocket(connID) {
		b.send(entry.ConnectSocketID, relayproto.EventTunnelError, relayproto.TunnelError{
			TunnelID: entry.TunnelID,
			Message:  msgRunnerDisconnected,
		})
	}
}

func (b *Broker) tunnelIdle(entry registry.TunnelEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evicted.Add(1)
	b.log.Info("tunnel idle, closing", "tunnel_id", entry.TunnelID, "machine_id", entry.MachineID)
	ref := relayproto.TunnelRef{TunnelID: entry.TunnelID}
	b.send(entry.ConnectSocketID, relayproto.EventTunnelClose, ref)
	b.send(entry.RunnerSocketID, relayproto.EventTunnelClose, ref)
}

// otherSide returns the peer opposite connID, derived only from the
// registry entry.
func otherSide(entry registry.TunnelEntry, connID string) (string, bool) {
	switch connID {
	case entry.ConnectSocketID:
		return entry.RunnerSocketID, true
	case entry.RunnerSocketID:
		return entry.ConnectSocketID, true
	default:
		return "", false
	}
}
