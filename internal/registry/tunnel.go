package registry

import (
	"time"

	"github.com/koltyakov/relayhub/internal/clock"
)

// Index names of the tunnel registry.
const (
	TunnelIndexConnect = "connect"
	TunnelIndexRunner  = "runner"
)

// TunnelState is the lifecycle stage of a relayed tunnel. A closed tunnel
// is simply absent from the registry.
type TunnelState int

const (
	TunnelRequested TunnelState = iota
	TunnelReady
	TunnelRelaying
)

func (s TunnelState) String() string {
	switch s {
	case TunnelRequested:
		return "requested"
	case TunnelReady:
		return "ready"
	case TunnelRelaying:
		return "relaying"
	default:
		return "unknown"
	}
}

// TunnelEntry is a relayed TCP byte stream between a connect-side socket
// and the runner socket of the machine that owns the destination port.
type TunnelEntry struct {
	TunnelID        string
	MachineID       string
	Port            int
	ConnectSocketID string
	RunnerSocketID  string
	State           TunnelState
	CreatedAt       time.Time
}

// TunnelOptions configures a TunnelRegistry.
type TunnelOptions struct {
	IdleTimeout time.Duration
	OnIdle      func(TunnelEntry)
	Clock       clock.Clock
}

// TunnelRegistry tracks live tunnels by tunnel id with indexes by the
// connect-side and runner-side socket ids.
type TunnelRegistry struct {
	reg   *Registry[TunnelEntry]
	clock clock.Clock
}

// NewTunnelRegistry creates an empty tunnel registry.
func NewTunnelRegistry(opts TunnelOptions) *TunnelRegistry {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	return &TunnelRegistry{
		clock: c,
		reg: New(Options[TunnelEntry]{
			IdleTimeout: opts.IdleTimeout,
			OnIdle:      opts.OnIdle,
			Clock:       c,
			Indexes: map[string]IndexFunc[TunnelEntry]{
				TunnelIndexConnect: func(e TunnelEntry) []string { return []string{e.ConnectSocketID} },
				TunnelIndexRunner:  func(e TunnelEntry) []string { return []string{e.RunnerSocketID} },
			},
		}),
	}
}

// Register adds a tunnel in the requested state. It returns false when the
// id is taken or the two socket ids are missing or identical.
func (r *TunnelRegistry) Register(e TunnelEntry) (TunnelEntry, bool) {
	if e.TunnelID == "" || e.ConnectSocketID == "" || e.RunnerSocketID == "" {
		return TunnelEntry{}, false
	}
	if e.ConnectSocketID == e.RunnerSocketID {
		return TunnelEntry{}, false
	}
	e.State = TunnelRequested
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.clock.Now()
	}
	return r.reg.Register(e.TunnelID, e)
}

// Get returns the tunnel with the given id.
func (r *TunnelRegistry) Get(tunnelID string) (TunnelEntry, bool) {
	return r.reg.Get(tunnelID)
}

// MarkActivity restarts the idle timer of a tunnel.
func (r *TunnelRegistry) MarkActivity(tunnelID string) bool {
	return r.reg.MarkActivity(tunnelID)
}

// Advance moves a tunnel forward to state. Earlier states are ignored so a
// late ready never demotes a relaying tunnel. Activity is marked either way.
func (r *TunnelRegistry) Advance(tunnelID string, state TunnelState) (TunnelEntry, bool) {
	return r.reg.Update(tunnelID, func(e *TunnelEntry) {
		if state > e.State {
			e.State = state
		}
	})
}

// Remove deletes a tunnel and returns its last state.
func (r *TunnelRegistry) Remove(tunnelID string) (TunnelEntry, bool) {
	return r.reg.Remove(tunnelID)
}

// RemoveByConnectSocket removes every tunnel whose connect side is socketID.
func (r *TunnelRegistry) RemoveByConnectSocket(socketID string) []TunnelEntry {
	out, _ := r.reg.RemoveByIndex(TunnelIndexConnect, socketID)
	return out
}

// RemoveByRunnerSocket removes every tunnel whose runner side is socketID.
func (r *TunnelRegistry) RemoveByRunnerSocket(socketID string) []TunnelEntry {
	out, _ := r.reg.RemoveByIndex(TunnelIndexRunner, socketID)
	return out
}

// HasConnectSocket reports whether socketID is the connect side of any tunnel.
func (r *TunnelRegistry) HasConnectSocket(socketID string) bool {
	return r.reg.IndexHas(TunnelIndexConnect, socketID)
}

// HasRunnerSocket reports whether socketID is the runner side of any tunnel.
func (r *TunnelRegistry) HasRunnerSocket(socketID string) bool {
	return r.reg.IndexHas(TunnelIndexRunner, socketID)
}

// Len returns the number of live tunnels.
func (r *TunnelRegistry) Len() int {
	return r.reg.Len()
}

// List returns every live tunnel ordered by id.
func (r *TunnelRegistry) List() []TunnelEntry {
	keys := r.reg.Keys()
	out := make([]TunnelEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := r.reg.Get(k); ok {
			out = append(out, e)
		}
	}
	return out
}
