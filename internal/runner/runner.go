// Package runner implements the machine side of the relay: it serves
// tunnel:open by dialing local TCP ports, and (as a session producer) runs
// shells in a pty for terminal viewers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/koltyakov/relayhub/internal/hubclient"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultAliveEvery  = 20 * time.Second
	defaultHost        = "127.0.0.1"
	chunkSize          = 16 * 1024
	writeQueueSize     = 256
)

// Options configure a Runner.
type Options struct {
	MachineID   string
	DialTimeout time.Duration
	AliveEvery  time.Duration
	// AllowedPorts restricts which local ports may be tunneled. Empty
	// allows any port.
	AllowedPorts []int
	Logger       *slog.Logger

	// Dial overrides the local dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Sender delivers frames to the hub.
type Sender interface {
	Send(event string, payload any) error
}

// Runner relays hub tunnels to local TCP ports.
type Runner struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	tunnels map[string]*localTunnel
	wg      sync.WaitGroup
}

type localTunnel struct {
	id     string
	conn   net.Conn
	writes chan []byte
	done   chan struct{}
	once   sync.Once
}

func (t *localTunnel) close() bool {
	closed := false
	t.once.Do(func() {
		closed = true
		close(t.done)
		_ = t.conn.Close()
	})
	return closed
}

// New returns a Runner.
func New(opts Options) *Runner {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.AliveEvery <= 0 {
		opts.AliveEvery = defaultAliveEvery
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		opts:    opts,
		log:     logger.With("component", "runner", "machine_id", opts.MachineID),
		tunnels: make(map[string]*localTunnel),
	}
}

// Serve handles one hub connection until it ends, then closes every local
// tunnel. It is a hubclient.SessionFunc.
func (r *Runner) Serve(ctx context.Context, c *hubclient.Conn) error {
	defer r.closeAll()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.aliveLoop(ctx, c)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-c.Frames():
			if !ok {
				return c.Err()
			}
			r.Handle(ctx, c, f)
		}
	}
}

// Handle processes one frame from the hub.
func (r *Runner) Handle(ctx context.Context, out Sender, f relayproto.Frame) {
	switch f.Event {
	case relayproto.EventTunnelOpen:
		open, err := relayproto.DecodeData[relayproto.TunnelOpen](f)
		if err != nil {
			r.log.Debug("tunnel:open dropped", "err", err)
			return
		}
		r.open(ctx, out, open)
	case relayproto.EventTunnelData:
		data, err := relayproto.DecodeData[relayproto.TunnelData](f)
		if err != nil {
			return
		}
		r.write(ctx, data)
	case relayproto.EventTunnelClose:
		ref, err := relayproto.DecodeData[relayproto.TunnelRef](f)
		if err != nil {
			return
		}
		if r.remove(ref.TunnelID) {
			r.log.Debug("tunnel closed by hub", "tunnel_id", ref.TunnelID)
		}
	case relayproto.EventTunnelError:
		te, err := relayproto.DecodeData[relayproto.TunnelError](f)
		if err != nil {
			return
		}
		if r.remove(te.TunnelID) {
			r.log.Debug("tunnel failed upstream", "tunnel_id", te.TunnelID, "message", te.Message)
		}
	case relayproto.EventAccessError:
		ae, err := relayproto.DecodeData[relayproto.AccessError](f)
		if err == nil {
			r.log.Warn("hub denied access", "scope", ae.Scope, "id", ae.ID, "reason", ae.Reason)
		}
	}
}

func (r *Runner) portAllowed(port int) bool {
	return len(r.opts.AllowedPorts) == 0 || slices.Contains(r.opts.AllowedPorts, port)
}

func (r *Runner) open(ctx context.Context, out Sender, open relayproto.TunnelOpen) {
	host := open.Host
	if host == "" {
		host = defaultHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(open.Port))
	if !r.portAllowed(open.Port) {
		r.log.Warn("tunnel to disallowed port refused", "tunnel_id", open.TunnelID, "port", open.Port)
		_ = out.Send(relayproto.EventTunnelError, relayproto.TunnelError{
			TunnelID: open.TunnelID,
			Message:  fmt.Sprintf("port %d not allowed", open.Port),
		})
		return
	}
	r.mu.Lock()
	_, exists := r.tunnels[open.TunnelID]
	r.mu.Unlock()
	if exists {
		r.log.Debug("duplicate tunnel:open ignored", "tunnel_id", open.TunnelID)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		dialCtx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
		conn, err := r.opts.Dial(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			r.log.Warn("tunnel dial failed", "tunnel_id", open.TunnelID, "addr", addr, "err", err)
			_ = out.Send(relayproto.EventTunnelError, relayproto.TunnelError{
				TunnelID: open.TunnelID,
				Message:  dialErrorMessage(err, addr),
			})
			return
		}
		t := &localTunnel{
			id:     open.TunnelID,
			conn:   conn,
			writes: make(chan []byte, writeQueueSize),
			done:   make(chan struct{}),
		}
		r.mu.Lock()
		if ctx.Err() != nil {
			r.mu.Unlock()
			_ = conn.Close()
			return
		}
		r.tunnels[t.id] = t
		r.mu.Unlock()

		if err := out.Send(relayproto.EventTunnelReady, relayproto.TunnelRef{TunnelID: t.id}); err != nil {
			r.remove(t.id)
			return
		}
		r.log.Info("tunnel opened", "tunnel_id", t.id, "addr", addr)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.writeLoop(t)
		}()
		r.readLoop(out, t)
	}()
}

// readLoop streams local bytes to the hub until EOF or error.
func (r *Runner) readLoop(out Sender, t *localTunnel) {
	buf := make([]byte, chunkSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			if sendErr := out.Send(relayproto.EventTunnelData, relayproto.TunnelData{
				TunnelID: t.id,
				Data:     relayproto.EncodeData(buf[:n]),
			}); sendErr != nil {
				r.remove(t.id)
				return
			}
		}
		if err == nil {
			continue
		}
		if !r.remove(t.id) {
			// Closed from the hub side.
			return
		}
		if errors.Is(err, io.EOF) {
			r.log.Debug("tunnel local EOF", "tunnel_id", t.id)
			_ = out.Send(relayproto.EventTunnelClose, relayproto.TunnelRef{TunnelID: t.id})
			return
		}
		r.log.Debug("tunnel local read failed", "tunnel_id", t.id, "err", err)
		_ = out.Send(relayproto.EventTunnelError, relayproto.TunnelError{TunnelID: t.id, Message: err.Error()})
		return
	}
}

func (r *Runner) writeLoop(t *localTunnel) {
	for {
		select {
		case <-t.done:
			return
		case b := <-t.writes:
			if _, err := t.conn.Write(b); err != nil {
				r.log.Debug("tunnel local write failed", "tunnel_id", t.id, "err", err)
				_ = t.conn.Close()
				return
			}
		}
	}
}

func (r *Runner) write(ctx context.Context, data relayproto.TunnelData) {
	r.mu.Lock()
	t, ok := r.tunnels[data.TunnelID]
	r.mu.Unlock()
	if !ok {
		return
	}
	b, err := relayproto.DecodeData64(data.Data)
	if err != nil {
		r.log.Warn("tunnel data with bad base64 skipped", "tunnel_id", data.TunnelID, "err", err)
		return
	}
	if len(b) == 0 {
		return
	}
	select {
	case t.writes <- b:
	case <-t.done:
	case <-ctx.Done():
	}
}

func (r *Runner) remove(id string) bool {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	if ok {
		delete(r.tunnels, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return t.close()
}

func (r *Runner) closeAll() {
	r.mu.Lock()
	all := make([]*localTunnel, 0, len(r.tunnels))
	for id, t := range r.tunnels {
		delete(r.tunnels, id)
		all = append(all, t)
	}
	r.mu.Unlock()
	for _, t := range all {
		t.close()
	}
	if len(all) > 0 {
		r.log.Warn("hub connection lost; local tunnels closed", "tunnels", len(all))
	}
	r.wg.Wait()
}

// Active reports the number of open local tunnels.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

func (r *Runner) aliveLoop(ctx context.Context, out Sender) {
	send := func() {
		_ = out.Send(relayproto.EventMachineAlive, relayproto.Alive{
			MachineID: r.opts.MachineID,
			Time:      time.Now().UnixMilli(),
		})
	}
	send()
	ticker := time.NewTicker(r.opts.AliveEvery)
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

// dialErrorMessage renders a local dial failure the way viewers expect
// socket errors to read.
func dialErrorMessage(err error, addr string) string {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connect ECONNREFUSED " + addr
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "connect ETIMEDOUT " + addr
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return "connect EHOSTUNREACH " + addr
	default:
		return fmt.Sprintf("connect %s: %v", addr, err)
	}
}
