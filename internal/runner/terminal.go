package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"

	"github.com/koltyakov/relayhub/internal/hubclient"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

const (
	defaultCols     = 80
	defaultRows     = 24
	ptyReadSize     = 8 * 1024
	defaultShell    = "/bin/sh"
	terminalEnvTerm = "TERM=xterm-256color"
)

// TerminalHostOptions configure a TerminalHost.
type TerminalHostOptions struct {
	SessionID  string
	Shell      string
	Dir        string
	AliveEvery time.Duration
	Logger     *slog.Logger
}

// TerminalHost produces terminals for one session: every terminal:open
// from the hub starts a shell in a pty. Terminals outlive a hub
// connection and are re-registered on the next one.
type TerminalHost struct {
	opts TerminalHostOptions
	log  *slog.Logger

	mu    sync.Mutex
	out   Sender
	terms map[string]*ptyTerminal
	wg    sync.WaitGroup
}

type ptyTerminal struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
}

// NewTerminalHost returns a TerminalHost.
func NewTerminalHost(opts TerminalHostOptions) *TerminalHost {
	if opts.Shell == "" {
		opts.Shell = defaultShell
	}
	if opts.AliveEvery <= 0 {
		opts.AliveEvery = defaultAliveEvery
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TerminalHost{
		opts:  opts,
		log:   logger.With("component", "terminal_host", "session_id", opts.SessionID),
		terms: make(map[string]*ptyTerminal),
	}
}

// Serve handles one hub connection. It is a hubclient.SessionFunc.
func (h *TerminalHost) Serve(ctx context.Context, c *hubclient.Conn) error {
	h.Bind(c)
	defer h.Unbind(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.aliveLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-c.Frames():
			if !ok {
				return c.Err()
			}
			h.Handle(f)
		}
	}
}

// Bind makes out the current hub connection and re-registers every live
// terminal on it.
func (h *TerminalHost) Bind(out Sender) {
	h.mu.Lock()
	h.out = out
	ids := make([]string, 0, len(h.terms))
	for id := range h.terms {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.announce(id)
	}
	if len(ids) > 0 {
		h.log.Info("terminals re-registered", "terminals", len(ids))
	}
}

// Unbind forgets out if it is still the current connection. Output
// produced while unbound is dropped.
func (h *TerminalHost) Unbind(out Sender) {
	h.mu.Lock()
	if h.out == out {
		h.out = nil
	}
	h.mu.Unlock()
}

func (h *TerminalHost) send(event string, payload any) {
	h.mu.Lock()
	out := h.out
	h.mu.Unlock()
	if out == nil {
		return
	}
	if err := out.Send(event, payload); err != nil {
		h.log.Debug("terminal frame not delivered", "event", event, "err", err)
	}
}

func (h *TerminalHost) announce(id string) {
	ref := relayproto.TerminalRef{SessionID: h.opts.SessionID, TerminalID: id}
	h.send(relayproto.EventTerminalRegister, ref)
	h.send(relayproto.EventTerminalReady, ref)
}

// Handle processes one frame from the hub.
func (h *TerminalHost) Handle(f relayproto.Frame) {
	switch f.Event {
	case relayproto.EventTerminalOpen:
		req, err := relayproto.DecodeData[relayproto.TerminalCreate](f)
		if err != nil || req.SessionID != h.opts.SessionID {
			return
		}
		h.open(req)
	case relayproto.EventTerminalWrite:
		in, err := relayproto.DecodeData[relayproto.TerminalInput](f)
		if err != nil {
			return
		}
		if t := h.get(in.TerminalID); t != nil {
			if _, err := t.ptmx.Write([]byte(in.Data)); err != nil {
				h.log.Debug("terminal write failed", "terminal_id", in.TerminalID, "err", err)
			}
		}
	case relayproto.EventTerminalResize:
		rs, err := relayproto.DecodeData[relayproto.TerminalResize](f)
		if err != nil {
			return
		}
		if t := h.get(rs.TerminalID); t != nil {
			_ = pty.Setsize(t.ptmx, &pty.Winsize{Rows: uint16(rs.Rows), Cols: uint16(rs.Cols)})
		}
	case relayproto.EventTerminalClose:
		target, err := relayproto.DecodeData[relayproto.TerminalTarget](f)
		if err != nil {
			return
		}
		if t := h.get(target.TerminalID); t != nil {
			h.log.Info("terminal close requested", "terminal_id", t.id)
			t.kill()
		}
	case relayproto.EventTerminalError:
		te, err := relayproto.DecodeData[relayproto.TerminalError](f)
		if err == nil {
			h.log.Warn("hub reported terminal error", "terminal_id", te.TerminalID, "message", te.Message)
		}
	case relayproto.EventAccessError:
		ae, err := relayproto.DecodeData[relayproto.AccessError](f)
		if err == nil {
			h.log.Warn("hub denied access", "scope", ae.Scope, "id", ae.ID, "reason", ae.Reason)
		}
	}
}

func (h *TerminalHost) get(id string) *ptyTerminal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terms[id]
}

func (h *TerminalHost) open(req relayproto.TerminalCreate) {
	if h.get(req.TerminalID) != nil {
		h.announce(req.TerminalID)
		return
	}
	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}
	cmd := exec.Command(h.opts.Shell)
	cmd.Env = append(os.Environ(), terminalEnvTerm)
	cmd.Dir = h.opts.Dir
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		h.log.Error("terminal start failed", "terminal_id", req.TerminalID, "shell", h.opts.Shell, "err", err)
		h.send(relayproto.EventTerminalError, relayproto.TerminalError{
			SessionID:  h.opts.SessionID,
			TerminalID: req.TerminalID,
			Message:    "failed to start shell: " + err.Error(),
		})
		return
	}
	t := &ptyTerminal{id: req.TerminalID, cmd: cmd, ptmx: ptmx}
	h.mu.Lock()
	h.terms[t.id] = t
	h.mu.Unlock()
	h.log.Info("terminal started", "terminal_id", t.id, "shell", h.opts.Shell, "pid", cmd.Process.Pid, "cols", cols, "rows", rows)
	h.announce(t.id)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.pump(t)
	}()
}

// pump streams pty output until the shell exits, then reports the exit.
func (h *TerminalHost) pump(t *ptyTerminal) {
	buf := make([]byte, ptyReadSize)
	var pending []byte
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			emit, rest := splitUTF8(pending)
			if len(emit) > 0 {
				h.send(relayproto.EventTerminalOutput, relayproto.TerminalOutput{
					SessionID:  h.opts.SessionID,
					TerminalID: t.id,
					Data:       string(emit),
				})
			}
			pending = append(pending[:0], rest...)
		}
		if err != nil {
			break
		}
	}
	if len(pending) > 0 {
		h.send(relayproto.EventTerminalOutput, relayproto.TerminalOutput{
			SessionID:  h.opts.SessionID,
			TerminalID: t.id,
			Data:       string(pending),
		})
	}

	waitErr := t.cmd.Wait()
	_ = t.ptmx.Close()

	h.mu.Lock()
	if h.terms[t.id] == t {
		delete(h.terms, t.id)
	}
	h.mu.Unlock()

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		h.log.Warn("terminal wait failed", "terminal_id", t.id, "err", waitErr)
	}
	h.log.Info("terminal exited", "terminal_id", t.id, "exit_code", t.cmd.ProcessState.ExitCode())
	h.send(relayproto.EventTerminalExit, relayproto.TerminalRef{SessionID: h.opts.SessionID, TerminalID: t.id})
}

func (t *ptyTerminal) kill() {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

// Active reports the number of running terminals.
func (h *TerminalHost) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.terms)
}

// Close kills every terminal and waits for their exit reports.
func (h *TerminalHost) Close() {
	h.mu.Lock()
	all := make([]*ptyTerminal, 0, len(h.terms))
	for _, t := range h.terms {
		all = append(all, t)
	}
	h.mu.Unlock()
	for _, t := range all {
		t.kill()
	}
	h.wg.Wait()
}

func (h *TerminalHost) aliveLoop(ctx context.Context) {
	send := func() {
		h.send(relayproto.EventSessionAlive, relayproto.Alive{
			SessionID: h.opts.SessionID,
			Time:      time.Now().UnixMilli(),
		})
	}
	send()
	ticker := time.NewTicker(h.opts.AliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte rune, plus the incomplete tail.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}
