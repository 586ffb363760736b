package registry

import (
	"sort"
	"time"

	"github.com/koltyakov/relayhub/internal/clock"
)

// Index names of the terminal registry.
const (
	TerminalIndexCLI    = "cli"
	TerminalIndexViewer = "viewer"
)

// TerminalEntry is a remote shell session produced by one CLI socket and
// watched by any number of viewer sockets.
type TerminalEntry struct {
	TerminalID  string
	SessionID   string
	CLISocketID string
	// Viewers is sorted and replaced on every change, never mutated in
	// place, so returned entries stay stable snapshots.
	Viewers   []string
	CreatedAt time.Time

	output *OutputBuffer
}

// HasViewer reports whether socketID is attached as a viewer.
func (e TerminalEntry) HasViewer(socketID string) bool {
	i := sort.SearchStrings(e.Viewers, socketID)
	return i < len(e.Viewers) && e.Viewers[i] == socketID
}

// TerminalOptions configures a TerminalRegistry.
type TerminalOptions struct {
	IdleTimeout time.Duration
	OnIdle      func(TerminalEntry)
	// BufferCap bounds retained output per terminal. Non-positive means
	// DefaultOutputBufferCap.
	BufferCap int
	Clock     clock.Clock
}

// TerminalRegistry tracks live terminals by terminal id with indexes by the
// producing CLI socket and by every attached viewer socket.
type TerminalRegistry struct {
	reg       *Registry[TerminalEntry]
	clock     clock.Clock
	bufferCap int
}

// NewTerminalRegistry creates an empty terminal registry.
func NewTerminalRegistry(opts TerminalOptions) *TerminalRegistry {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	bufferCap := opts.BufferCap
	if bufferCap <= 0 {
		bufferCap = DefaultOutputBufferCap
	}
	return &TerminalRegistry{
		clock:     c,
		bufferCap: bufferCap,
		reg: New(Options[TerminalEntry]{
			IdleTimeout: opts.IdleTimeout,
			OnIdle:      opts.OnIdle,
			Clock:       c,
			Indexes: map[string]IndexFunc[TerminalEntry]{
				TerminalIndexCLI:    func(e TerminalEntry) []string { return []string{e.CLISocketID} },
				TerminalIndexViewer: func(e TerminalEntry) []string { return e.Viewers },
			},
		}),
	}
}

// Register creates a terminal produced by cliSocketID with no viewers and
// an empty output buffer. It returns false when the id is taken or any
// argument is empty.
func (r *TerminalRegistry) Register(terminalID, sessionID, cliSocketID string) (TerminalEntry, bool) {
	if terminalID == "" || sessionID == "" || cliSocketID == "" {
		return TerminalEntry{}, false
	}
	return r.reg.Register(terminalID, TerminalEntry{
		TerminalID:  terminalID,
		SessionID:   sessionID,
		CLISocketID: cliSocketID,
		CreatedAt:   r.clock.Now(),
		output:      NewOutputBuffer(r.bufferCap),
	})
}

// Get returns the terminal with the given id.
func (r *TerminalRegistry) Get(terminalID string) (TerminalEntry, bool) {
	return r.reg.Get(terminalID)
}

// MarkActivity restarts the idle timer of a terminal.
func (r *TerminalRegistry) MarkActivity(terminalID string) bool {
	return r.reg.MarkActivity(terminalID)
}

// Attach adds socketID as a viewer when non-empty and rebinds the producer
// to cliSocketID when non-empty and different. A socket that becomes the
// producer stops being a viewer. Only the index buckets that changed are
// touched.
func (r *TerminalRegistry) Attach(terminalID, socketID, cliSocketID string) (TerminalEntry, bool) {
	return r.reg.Update(terminalID, func(e *TerminalEntry) {
		if socketID != "" && !e.HasViewer(socketID) {
			e.Viewers = withViewer(e.Viewers, socketID)
		}
		if cliSocketID != "" && cliSocketID != e.CLISocketID {
			e.CLISocketID = cliSocketID
		}
		if e.HasViewer(e.CLISocketID) {
			e.Viewers = withoutViewer(e.Viewers, e.CLISocketID)
		}
	})
}

// Detach removes socketID from the viewers of one terminal.
func (r *TerminalRegistry) Detach(terminalID, socketID string) (TerminalEntry, bool) {
	return r.reg.Update(terminalID, func(e *TerminalEntry) {
		if e.HasViewer(socketID) {
			e.Viewers = withoutViewer(e.Viewers, socketID)
		}
	})
}

// DetachSocket removes socketID from the viewers of every terminal it is
// attached to and returns the affected terminals.
func (r *TerminalRegistry) DetachSocket(socketID string) []TerminalEntry {
	out, _ := r.reg.UpdateByIndex(TerminalIndexViewer, socketID, func(e *TerminalEntry) {
		e.Viewers = withoutViewer(e.Viewers, socketID)
	})
	return out
}

// AppendOutput appends data to the terminal's output buffer and marks
// activity.
func (r *TerminalRegistry) AppendOutput(terminalID, data string) (TerminalEntry, bool) {
	return r.reg.Update(terminalID, func(e *TerminalEntry) {
		e.output.WriteString(data)
	})
}

// OutputBuffer returns the retained output of a terminal.
func (r *TerminalRegistry) OutputBuffer(terminalID string) (string, bool) {
	var out string
	ok := r.reg.Inspect(terminalID, func(e TerminalEntry) {
		out = e.output.String()
	})
	return out, ok
}

// Remove deletes a terminal and returns its last state.
func (r *TerminalRegistry) Remove(terminalID string) (TerminalEntry, bool) {
	return r.reg.Remove(terminalID)
}

// RemoveByCLISocket removes every terminal produced by socketID.
func (r *TerminalRegistry) RemoveByCLISocket(socketID string) []TerminalEntry {
	out, _ := r.reg.RemoveByIndex(TerminalIndexCLI, socketID)
	return out
}

// IDsByViewer returns the terminals socketID is attached to as a viewer.
func (r *TerminalRegistry) IDsByViewer(socketID string) []string {
	out, _ := r.reg.KeysByIndex(TerminalIndexViewer, socketID)
	return out
}

// IDsByCLI returns the terminals produced by socketID.
func (r *TerminalRegistry) IDsByCLI(socketID string) []string {
	out, _ := r.reg.KeysByIndex(TerminalIndexCLI, socketID)
	return out
}

// Len returns the number of live terminals.
func (r *TerminalRegistry) Len() int {
	return r.reg.Len()
}

// List returns every live terminal ordered by id.
func (r *TerminalRegistry) List() []TerminalEntry {
	keys := r.reg.Keys()
	out := make([]TerminalEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := r.reg.Get(k); ok {
			out = append(out, e)
		}
	}
	return out
}

// OutputStats reports how many output bytes a terminal retains and how
// many it has received in total.
func (r *TerminalRegistry) OutputStats(terminalID string) (retained int, written uint64, ok bool) {
	ok = r.reg.Inspect(terminalID, func(e TerminalEntry) {
		retained = e.output.Len()
		written = e.output.TotalWritten()
	})
	return retained, written, ok
}

func withViewer(viewers []string, socketID string) []string {
	out := make([]string, 0, len(viewers)+1)
	out = append(out, viewers...)
	out = append(out, socketID)
	sort.Strings(out)
	return out
}

func withoutViewer(viewers []string, socketID string) []string {
	out := make([]string, 0, len(viewers))
	for _, v := range viewers {
		if v != socketID {
			out = append(out, v)
		}
	}
	return out
}
