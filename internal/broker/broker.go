// Package broker implements the tunnel and terminal relay protocols of the
// hub. It consumes a peer directory to reach connections and an access
// resolver to gate every request, and owns the tunnel and terminal
// registries.
//
// All handler logic runs under one mutex, so each inbound frame and each
// idle eviction is processed to completion before the next. Handlers never
// keep an entry across frames; they re-fetch it by id each time.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/relayhub/internal/access"
	"github.com/koltyakov/relayhub/internal/clock"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/registry"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

// Default idle timeouts.
const (
	DefaultTunnelIdleTimeout   = 10 * time.Minute
	DefaultTerminalIdleTimeout = 30 * time.Minute
)

// Messages carried by relay error events.
const (
	msgRunnerNotConnected  = "runner not connected"
	msgTunnelIDInUse       = "tunnel id already in use"
	msgRunnerDisconnected  = "Runner disconnected"
	msgCLIDisconnected     = "CLI disconnected"
	msgSessionNotConnected = "session not connected"
	msgTerminalIDInUse     = "terminal id already in use"
	msgTerminalNotFound    = "terminal not found"
	msgTunnelFailed        = "tunnel error"
)

// ErrUnknownEvent is returned by Dispatch for events the broker does not
// handle.
var ErrUnknownEvent = errors.New("unknown event")

// Peer is a connection the broker can send frames to. Send must not block.
type Peer interface {
	Send(event string, payload any) error
}

// PeerDirectory resolves connection ids to peers and finds the connection
// serving a machine or session.
type PeerDirectory interface {
	// Lookup returns nil when the connection is gone.
	Lookup(connID string) Peer
	// RunnerFor returns a runner connection of machineID other than exclude.
	RunnerFor(machineID, exclude string) (string, bool)
	// ProducerFor returns a producer connection of sessionID other than
	// exclude.
	ProducerFor(sessionID, exclude string) (string, bool)
}

// Caller identifies the connection a frame arrived on.
type Caller struct {
	ConnID    string
	Principal domain.Principal
}

// Options configures a Broker.
type Options struct {
	Peers  PeerDirectory
	Access access.Resolver
	Clock  clock.Clock
	Logger *slog.Logger

	// TunnelIdleTimeout and TerminalIdleTimeout disable idle eviction when
	// negative; zero selects the default.
	TunnelIdleTimeout   time.Duration
	TerminalIdleTimeout time.Duration
	TerminalBufferCap   int
}

// Stats is a point-in-time view of broker state.
type Stats struct {
	Tunnels   int    `json:"tunnels"`
	Terminals int    `json:"terminals"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	Evicted   uint64 `json:"evicted"`
}

// Broker relays tunnel and terminal frames between peers.
type Broker struct {
	mu        sync.Mutex
	peers     PeerDirectory
	access    access.Resolver
	log       *slog.Logger
	tunnels   *registry.TunnelRegistry
	terminals *registry.TerminalRegistry

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

// New creates a Broker.
func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	b := &Broker{
		peers:  opts.Peers,
		access: opts.Access,
		log:    logger,
	}
	b.tunnels = registry.NewTunnelRegistry(registry.TunnelOptions{
		IdleTimeout: idleTimeout(opts.TunnelIdleTimeout, DefaultTunnelIdleTimeout),
		OnIdle:      b.tunnelIdle,
		Clock:       c,
	})
	b.terminals = registry.NewTerminalRegistry(registry.TerminalOptions{
		IdleTimeout: idleTimeout(opts.TerminalIdleTimeout, DefaultTerminalIdleTimeout),
		OnIdle:      b.terminalIdle,
		BufferCap:   opts.TerminalBufferCap,
		Clock:       c,
	})
	return b
}

func idleTimeout(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

// Dispatch runs the handler for one inbound frame. A returned error means
// the frame was dropped as protocol noise; relay failures are reported to
// peers as error events instead.
func (b *Broker) Dispatch(ctx context.Context, caller Caller, f relayproto.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch f.Event {
	case relayproto.EventTunnelRequest:
		return handle(f, func(p relayproto.TunnelRequest) { b.tunnelRequest(ctx, caller, p) })
	case relayproto.EventTunnelReady:
		return handle(f, func(p relayproto.TunnelRef) { b.tunnelReady(caller, p) })
	case relayproto.EventTunnelData:
		return handle(f, func(p relayproto.TunnelData) { b.tunnelData(caller, p) })
	case relayproto.EventTunnelClose:
		return handle(f, func(p relayproto.TunnelRef) { b.tunnelClose(caller, p) })
	case relayproto.EventTunnelError:
		return handle(f, func(p relayproto.TunnelError) { b.tunnelError(caller, p) })

	case relayproto.EventTerminalCreate:
		return handle(f, func(p relayproto.TerminalCreate) { b.terminalCreate(ctx, caller, p) })
	case relayproto.EventTerminalRegister:
		return handle(f, func(p relayproto.TerminalRef) { b.terminalRegister(ctx, caller, p) })
	case relayproto.EventTerminalAttach:
		return handle(f, func(p relayproto.TerminalRef) { b.terminalAttach(ctx, caller, p) })
	case relayproto.EventTerminalDetach:
		return handle(f, func(p relayproto.TerminalTarget) { b.terminalDetach(caller, p) })
	case relayproto.EventTerminalReady:
		return handle(f, func(p relayproto.TerminalRef) { b.terminalReady(ctx, caller, p) })
	case relayproto.EventTerminalOutput:
		return handle(f, func(p relayproto.TerminalOutput) { b.terminalOutput(ctx, caller, p) })
	case relayproto.EventTerminalExit:
		return handle(f, func(p relayproto.TerminalRef) { b.terminalExit(caller, p) })
	case relayproto.EventTerminalError:
		return handle(f, func(p relayproto.TerminalError) { b.terminalError(ctx, caller, p) })
	case relayproto.EventTerminalWrite:
		return handle(f, func(p relayproto.TerminalInput) { b.terminalWrite(ctx, caller, p) })
	case relayproto.EventTerminalResize:
		return handle(f, func(p relayproto.TerminalResize) { b.terminalResize(ctx, caller, p) })
	case relayproto.EventTerminalClose:
		return handle(f, func(p relayproto.TerminalTarget) { b.terminalClose(ctx, caller, p) })
	case relayproto.EventTerminalActivity:
		return handle(f, func(p relayproto.TerminalTarget) { b.terminalActivity(caller, p) })
	}
	b.dropped.Add(1)
	return fmt.Errorf("%w: %s", ErrUnknownEvent, f.Event)
}

func handle[T any, PT interface {
	*T
	relayproto.Validator
}](f relayproto.Frame, fn func(T)) error {
	p, err := relayproto.DecodeData[T, PT](f)
	if err != nil {
		return err
	}
	fn(p)
	return nil
}

// Disconnect releases everything connID took part in: tunnels on either
// side, terminals it produced, and viewer attachments.
func (b *Broker) Disconnect(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tunnelDisconnect(connID)
	b.terminalDisconnect(connID)
}

// Stats returns current counts.
func (b *Broker) Stats() Stats {
	return Stats{
		Tunnels:   b.tunnels.Len(),
		Terminals: b.terminals.Len(),
		Forwarded: b.forwarded.Load(),
		Dropped:   b.dropped.Load(),
		Evicted:   b.evicted.Load(),
	}
}

// TunnelView describes one live tunnel for the debug listener.
type TunnelView struct {
	TunnelID  string `json:"tunnel_id"`
	MachineID string `json:"machine_id"`
	Port      int    `json:"port"`
	State     string `json:"state"`
	Connector string `json:"connector"`
	Runner    string `json:"runner"`
}

// TerminalView describes one live terminal for the debug listener.
type TerminalView struct {
	TerminalID    string `json:"terminal_id"`
	SessionID     string `json:"session_id"`
	Producer      string `json:"producer"`
	Viewers       int    `json:"viewers"`
	BufferedBytes int    `json:"buffered_bytes"`
	OutputWritten uint64 `json:"output_written"`
}

// ConnRelays is the relay involvement of one connection.
type ConnRelays struct {
	Connector bool     `json:"connector,omitempty"`
	Runner    bool     `json:"runner,omitempty"`
	Producing []string `json:"producing,omitempty"`
	Viewing   []string `json:"viewing,omitempty"`
}

// Tunnels lists every live tunnel.
func (b *Broker) Tunnels() []TunnelView {
	entries := b.tunnels.List()
	out := make([]TunnelView, 0, len(entries))
	for _, e := range entries {
		out = append(out, TunnelView{
			TunnelID:  e.TunnelID,
			MachineID: e.MachineID,
			Port:      e.Port,
			State:     e.State.String(),
			Connector: e.ConnectSocketID,
			Runner:    e.RunnerSocketID,
		})
	}
	return out
}

// Terminals lists every live terminal with its buffer usage.
func (b *Broker) Terminals() []TerminalView {
	entries := b.terminals.List()
	out := make([]TerminalView, 0, len(entries))
	for _, e := range entries {
		retained, written, ok := b.terminals.OutputStats(e.TerminalID)
		if !ok {
			continue
		}
		out = append(out, TerminalView{
			TerminalID:    e.TerminalID,
			SessionID:     e.SessionID,
			Producer:      e.CLISocketID,
			Viewers:       len(e.Viewers),
			BufferedBytes: retained,
			OutputWritten: written,
		})
	}
	return out
}

// Relays reports which tunnels and terminals connID takes part in.
func (b *Broker) Relays(connID string) ConnRelays {
	return ConnRelays{
		Connector: b.tunnels.HasConnectSocket(connID),
		Runner:    b.tunnels.HasRunnerSocket(connID),
		Producing: b.terminals.IDsByCLI(connID),
		Viewing:   b.terminals.IDsByViewer(connID),
	}
}

// OutputBuffer returns the retained output of a terminal.
func (b *Broker) OutputBuffer(terminalID string) (string, bool) {
	return b.terminals.OutputBuffer(terminalID)
}

// Tunnel returns the current state of a tunnel.
func (b *Broker) Tunnel(tunnelID string) (registry.TunnelEntry, bool) {
	return b.tunnels.Get(tunnelID)
}

// Terminal returns the current state of a terminal.
func (b *Broker) Terminal(terminalID string) (registry.TerminalEntry, bool) {
	return b.terminals.Get(terminalID)
}

// send delivers one frame to connID. Unknown connections are skipped
// silently.
func (b *Broker) send(connID, event string, payload any) {
	p := b.peers.Lookup(connID)
	if p == nil {
		b.dropped.Add(1)
		b.log.Debug("peer gone, frame skipped", "conn_id", connID, "event", event)
		return
	}
	if err := p.Send(event, payload); err != nil {
		b.dropped.Add(1)
		b.log.Debug("peer send failed", "conn_id", connID, "event", event, "err", err)
		return
	}
	b.forwarded.Add(1)
}

func (b *Broker) fanOut(connIDs []string, event string, payload any) {
	for _, id := range connIDs {
		b.send(id, event, payload)
	}
}

func (b *Broker) emitAccessError(connID, scope, id, reason string) {
	b.log.Info("access denied", "conn_id", connID, "scope", scope, "id", id, "reason", reason)
	b.send(connID, relayproto.EventAccessError, relayproto.AccessError{Scope: scope, ID: id, Reason: reason})
}

func (b *Broker) drop(reason string, args ...any) {
	b.dropped.Add(1)
	b.log.Debug(reason, args...)
}
