package broker

import (
	"context"

	"github.com/koltyakov/relayhub/internal/registry"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

func (b *Broker) terminalFail(connID, sessionID, terminalID, msg string) {
	b.send(connID, relayproto.EventTerminalError, relayproto.TerminalError{
		SessionID:  sessionID,
		TerminalID: terminalID,
		Message:    msg,
	})
}

// allowSession re-checks session access for one event. On denial the
// caller is told through an access error and the event must be dropped.
func (b *Broker) allowSession(ctx context.Context, caller Caller, sessionID string) bool {
	d := b.access.ResolveSession(ctx, caller.Principal, sessionID)
	if d.OK {
		return true
	}
	b.dropped.Add(1)
	b.emitAccessError(caller.ConnID, relayproto.ScopeSession, sessionID, d.Reason)
	return false
}

// producerEntry returns the terminal only when caller is its producer and
// the session matches.
func (b *Broker) producerEntry(caller Caller, sessionID, terminalID, event string) (registry.TerminalEntry, bool) {
	entry, ok := b.terminals.Get(terminalID)
	if !ok {
		b.drop("terminal event for unknown terminal", "event", event, "terminal_id", terminalID)
		return entry, false
	}
	if entry.CLISocketID != caller.ConnID || entry.SessionID != sessionID {
		b.drop("terminal event from non-producer", "event", event, "terminal_id", terminalID, "conn_id", caller.ConnID)
		return entry, false
	}
	return entry, true
}

// viewerEntry returns the terminal only when caller is attached to it.
func (b *Broker) viewerEntry(caller Caller, terminalID, event string) (registry.TerminalEntry, bool) {
	entry, ok := b.terminals.Get(terminalID)
	if !ok {
		b.drop("terminal event for unknown terminal", "event", event, "terminal_id", terminalID)
		return entry, false
	}
	if !entry.HasViewer(caller.ConnID) {
		b.drop("terminal event from non-viewer", "event", event, "terminal_id", terminalID, "conn_id", caller.ConnID)
		return entry, false
	}
	return entry, true
}

func (b *Broker) terminalCreate(ctx context.Context, caller Caller, req relayproto.TerminalCreate) {
	if !b.allowSession(ctx, caller, req.SessionID) {
		return
	}
	producerID, ok := b.peers.ProducerFor(req.SessionID, caller.ConnID)
	if !ok {
		b.terminalFail(caller.ConnID, req.SessionID, req.TerminalID, msgSessionNotConnected)
		return
	}
	if _, ok := b.terminals.Register(req.TerminalID, req.SessionID, producerID); !ok {
		b.terminalFail(caller.ConnID, req.SessionID, req.TerminalID, msgTerminalIDInUse)
		return
	}
	b.terminals.Attach(req.TerminalID, caller.ConnID, "")
	b.log.Info("terminal created",
		"terminal_id", req.TerminalID,
		"session_id", req.SessionID,
		"producer_conn_id", producerID,
		"viewer_conn_id", caller.ConnID,
	)
	b.send(producerID, relayproto.EventTerminalOpen, req)
}

func (b *Broker) terminalRegister(ctx context.Context, caller Caller, ref relayproto.TerminalRef) {
	if !b.allowSession(ctx, caller, ref.SessionID) {
		return
	}
	if entry, ok := b.terminals.Get(ref.TerminalID); ok {
		if entry.SessionID != ref.SessionID {
			b.terminalFail(caller.ConnID, ref.SessionID, ref.TerminalID, msgTerminalIDInUse)
			return
		}
		if entry.CLISocketID != caller.ConnID {
			b.log.Info("terminal producer rebound", "terminal_id", ref.TerminalID, "from_conn_id", entry.CLISocketID, "to_conn_id", caller.ConnID)
		}
		b.terminals.Attach(ref.TerminalID, "", caller.ConnID)
		return
	}
	if _, ok := b.terminals.Register(ref.TerminalID, ref.SessionID, caller.ConnID); ok {
		b.log.Info("terminal registered", "terminal_id", ref.TerminalID, "session_id", ref.SessionID, "producer_conn_id", caller.ConnID)
	}
}

func (b *Broker) terminalAttach(ctx context.Context, caller Caller, ref relayproto.TerminalRef) {
	if !b.allowSession(ctx, caller, ref.SessionID) {
		return
	}
	entry, ok := b.terminals.Get(ref.TerminalID)
	if !ok || entry.SessionID != ref.SessionID {
		b.terminalFail(caller.ConnID, ref.SessionID, ref.TerminalID, msgTerminalNotFound)
		return
	}
	if entry.CLISocketID == caller.ConnID {
		b.drop("producer cannot attach as viewer", "terminal_id", ref.TerminalID, "conn_id", caller.ConnID)
		return
	}
	b.terminals.Attach(ref.TerminalID, caller.ConnID, "")
	history, _ := b.terminals.OutputBuffer(ref.TerminalID)
	b.send(caller.ConnID, relayproto.EventTerminalHistory, relayproto.TerminalOutput{
		SessionID:  ref.SessionID,
		TerminalID: ref.TerminalID,
		Data:       history,
	})
}

func (b *Broker) terminalDetach(caller Caller, t relayproto.TerminalTarget) {
	if _, ok := b.viewerEntry(caller, t.TerminalID, relayproto.EventTerminalDetach); !ok {
		return
	}
	b.terminals.Detach(t.TerminalID, caller.ConnID)
}

func (b *Broker) terminalReady(ctx context.Context, caller Caller, ref relayproto.TerminalRef) {
	entry, ok := b.producerEntry(caller, ref.SessionID, ref.TerminalID, relayproto.EventTerminalReady)
	if !ok {
		return
	}
	b.terminals.MarkActivity(ref.TerminalID)
	if !b.allowSession(ctx, caller, ref.SessionID) {
		return
	}
	b.fanOut(entry.Viewers, relayproto.EventTerminalReady, ref)
}

func (b *Broker) terminalOutput(ctx context.Context, caller Caller, out relayproto.TerminalOutput) {
	if _, ok := b.producerEntry(caller, out.SessionID, out.TerminalID, relayproto.EventTerminalOutput); !ok {
		return
	}
	if !b.allowSession(ctx, caller, out.SessionID) {
		return
	}
	entry, ok := b.terminals.AppendOutput(out.TerminalID, out.Data)
	if !ok {
		return
	}
	b.fanOut(entry.Viewers, relayproto.EventTerminalOutput, out)
}

func (b *Broker) terminalExit(caller Caller, ref relayproto.TerminalRef) {
	if _, ok := b.producerEntry(caller, ref.SessionID, ref.TerminalID, relayproto.EventTerminalExit); !ok {
		return
	}
	entry, ok := b.terminals.Remove(ref.TerminalID)
	if !ok {
		return
	}
	b.log.Info("terminal exited", "terminal_id", ref.TerminalID, "session_id", ref.SessionID, "viewers", len(entry.Viewers))
	b.fanOut(entry.Viewers, relayproto.EventTerminalExit, ref)
}

func (b *Broker) terminalError(ctx context.Context, caller Caller, e relayproto.TerminalError) {
	entry, ok := b.producerEntry(caller, e.SessionID, e.TerminalID, relayproto.EventTerminalError)
	if !ok {
		return
	}
	if !b.allowSession(ctx, caller, e.SessionID) {
		return
	}
	b.fanOut(entry.Viewers, relayproto.EventTerminalError, e)
}

func (b *Broker) terminalWrite(ctx context.Context, caller Caller, in relayproto.TerminalInput) {
	entry, ok := b.viewerEntry(caller, in.TerminalID, relayproto.EventTerminalWrite)
	if !ok {
		return
	}
	if !b.allowSession(ctx, caller, entry.SessionID) {
		return
	}
	b.terminals.MarkActivity(in.TerminalID)
	in.SessionID = entry.SessionID
	b.send(entry.CLISocketID, relayproto.EventTerminalWrite, in)
}

func (b *Broker) terminalResize(ctx context.Context, caller Caller, r relayproto.TerminalResize) {
	entry, ok := b.viewerEntry(caller, r.TerminalID, relayproto.EventTerminalResize)
	if !ok {
		return
	}
	if !b.allowSession(ctx, caller, entry.SessionID) {
		return
	}
	b.terminals.MarkActivity(r.TerminalID)
	r.SessionID = entry.SessionID
	b.send(entry.CLISocketID, relayproto.EventTerminalResize, r)
}

func (b *Broker) terminalClose(ctx context.Context, caller Caller, t relayproto.TerminalTarget) {
	entry, ok := b.viewerEntry(caller, t.TerminalID, relayproto.EventTerminalClose)
	if !ok {
		return
	}
	if !b.allowSession(ctx, caller, entry.SessionID) {
		return
	}
	t.SessionID = entry.SessionID
	b.send(entry.CLISocketID, relayproto.EventTerminalClose, t)
}

func (b *Broker) terminalActivity(caller Caller, t relayproto.TerminalTarget) {
	entry, ok := b.terminals.Get(t.TerminalID)
	if !ok {
		return
	}
	if entry.CLISocketID != caller.ConnID && !entry.HasViewer(caller.ConnID) {
		b.drop("terminal activity from foreign connection", "terminal_id", t.TerminalID, "conn_id", caller.ConnID)
		return
	}
	b.terminals.MarkActivity(t.TerminalID)
}

func (b *Broker) terminalDisconnect(connID string) {
	for _, entry := range b.terminals.RemoveByCLISocket(connID) {
		b.log.Info("terminal producer disconnected", "terminal_id", entry.TerminalID, "session_id", entry.SessionID)
		b.fanOut(entry.Viewers, relayproto.EventTerminalError, relayproto.TerminalError{
			SessionID:  entry.SessionID,
			TerminalID: entry.TerminalID,
			Message:    msgCLIDisconnected,
		})
	}
	b.terminals.DetachSocket(connID)
}

func (b *Broker) terminalIdle(entry registry.TerminalEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evicted.Add(1)
	b.log.Info("terminal idle, closing", "terminal_id", entry.TerminalID, "session_id", entry.SessionID)
	ref := relayproto.TerminalRef{SessionID: entry.SessionID, TerminalID: entry.TerminalID}
	b.fanOut(entry.Viewers, relayproto.EventTerminalExit, ref)
	b.send(entry.CLISocketID, relayproto.EventTerminalClose, relayproto.TerminalTarget{
		TerminalID: entry.TerminalID,
		SessionID:  entry.SessionID,
	})
}
