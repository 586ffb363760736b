// Package connector is the initiating side of a tunnel. Each local byte
// stream (an accepted TCP connection or stdio) becomes one tunnel to a
// port on a runner machine.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/relayhub/internal/hubclient"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

const (
	defaultReadyTimeout = 15 * time.Second
	chunkSize           = 16 * 1024
	streamQueueSize     = 256
)

var (
	// ErrReadyTimeout is returned when the runner never confirms a tunnel.
	ErrReadyTimeout = errors.New("timed out waiting for tunnel ready")
	// ErrHubGone is returned when the hub connection ends mid-stream.
	ErrHubGone = errors.New("hub connection lost")
)

// TunnelError is a tunnel:error reported by the hub or the runner.
type TunnelError struct {
	TunnelID string
	Message  string
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel %s: %s", e.TunnelID, e.Message)
}

// Options select the tunnel target.
type Options struct {
	MachineID    string
	Port         int
	Host         string
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// Link is the hub side of a Connector: a frame sink plus the inbound
// frame stream.
type Link interface {
	Send(event string, payload any) error
	Frames() <-chan relayproto.Frame
	Done() <-chan struct{}
}

var _ Link = (*hubclient.Conn)(nil)

// Connector multiplexes tunnels over one hub connection.
type Connector struct {
	link Link
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	id     string
	events chan relayproto.Frame
	done   chan struct{}
}

// New returns a Connector over link. Run must be running for tunnels to
// make progress.
func New(link Link, opts Options) *Connector {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Connector{
		link:    link,
		opts:    opts,
		log:     logger.With("component", "connector", "machine_id", opts.MachineID, "port", opts.Port),
		streams: make(map[string]*stream),
	}
}

// Run routes inbound frames to their tunnels until the link ends.
func (c *Connector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-c.link.Frames():
			if !ok {
				return ErrHubGone
			}
			c.route(ctx, f)
		}
	}
}

func (c *Connector) route(ctx context.Context, f relayproto.Frame) {
	var id string
	switch f.Event {
	case relayproto.EventTunnelReady, relayproto.EventTunnelClose:
		ref, err := relayproto.DecodeData[relayproto.TunnelRef](f)
		if err != nil {
			return
		}
		id = ref.TunnelID
	case relayproto.EventTunnelData:
		d, err := relayproto.DecodeData[relayproto.TunnelData](f)
		if err != nil {
			return
		}
		id = d.TunnelID
	case relayproto.EventTunnelError:
		te, err := relayproto.DecodeData[relayproto.TunnelError](f)
		if err != nil {
			return
		}
		id = te.TunnelID
	case relayproto.EventAccessError:
		ae, err := relayproto.DecodeData[relayproto.AccessError](f)
		if err == nil {
			c.log.Warn("hub denied access", "scope", ae.Scope, "id", ae.ID, "reason", ae.Reason)
		}
		return
	default:
		return
	}
	c.mu.Lock()
	s := c.streams[id]
	c.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.events <- f:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (c *Connector) register(id string) *stream {
	s := &stream{id: id, events: make(chan relayproto.Frame, streamQueueSize), done: make(chan struct{})}
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()
	return s
}

func (c *Connector) unregister(s *stream) {
	c.mu.Lock()
	if c.streams[s.id] == s {
		delete(c.streams, s.id)
	}
	c.mu.Unlock()
	close(s.done)
}

// Open relays rw through a new tunnel until either side closes. rw is
// closed on return.
func (c *Connector) Open(ctx context.Context, rw io.ReadWriteCloser) error {
	defer rw.Close()

	id := uuid.NewString()
	s := c.register(id)
	defer c.unregister(s)
	log := c.log.With("tunnel_id", id)

	if err := c.link.Send(relayproto.EventTunnelRequest, relayproto.TunnelRequest{
		TunnelID:  id,
		MachineID: c.opts.MachineID,
		Port:      c.opts.Port,
		Host:      c.opts.Host,
	}); err != nil {
		return fmt.Errorf("send tunnel request: %w", err)
	}

	if err := c.awaitReady(ctx, s); err != nil {
		log.Warn("tunnel not established", "err", err)
		return err
	}
	log.Info("tunnel established")

	finished := make(chan struct{})
	defer close(finished)
	localDone := make(chan error, 1)
	go func() {
		localDone <- c.pumpLocal(id, rw, finished)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.link.Send(relayproto.EventTunnelClose, relayproto.TunnelRef{TunnelID: id})
			return ctx.Err()
		case <-c.link.Done():
			return ErrHubGone
		case err := <-localDone:
			log.Info("tunnel closed locally")
			return err
		case f := <-s.events:
			done, err := c.deliver(rw, f)
			if done {
				log.Info("tunnel closed by remote", "err", err)
				return err
			}
		}
	}
}

func (c *Connector) awaitReady(ctx context.Context, s *stream) error {
	timer := time.NewTimer(c.opts.ReadyTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.link.Done():
			return ErrHubGone
		case <-timer.C:
			_ = c.link.Send(relayproto.EventTunnelClose, relayproto.TunnelRef{TunnelID: s.id})
			return ErrReadyTimeout
		case f := <-s.events:
			switch f.Event {
			case relayproto.EventTunnelReady:
				return nil
			case relayproto.EventTunnelError:
				te, _ := relayproto.DecodeData[relayproto.TunnelError](f)
				return &TunnelError{TunnelID: s.id, Message: te.Message}
			case relayproto.EventTunnelClose:
				return &TunnelError{TunnelID: s.id, Message: "closed before ready"}
			}
		}
	}
}

// deliver applies one remote frame to the local stream. done reports the
// end of the tunnel.
func (c *Connector) deliver(w io.Writer, f relayproto.Frame) (done bool, err error) {
	switch f.Event {
	case relayproto.EventTunnelData:
		d, _ := relayproto.DecodeData[relayproto.TunnelData](f)
		b, decErr := relayproto.DecodeData64(d.Data)
		if decErr != nil {
			c.log.Warn("tunnel data with bad base64 skipped", "tunnel_id", d.TunnelID, "err", decErr)
			return false, nil
		}
		if len(b) == 0 {
			return false, nil
		}
		if _, werr := w.Write(b); werr != nil {
			_ = c.link.Send(relayproto.EventTunnelClose, relayproto.TunnelRef{TunnelID: d.TunnelID})
			return true, fmt.Errorf("local write: %w", werr)
		}
		return false, nil
	case relayproto.EventTunnelClose:
		return true, nil
	case relayproto.EventTunnelError:
		te, _ := relayproto.DecodeData[relayproto.TunnelError](f)
		return true, &TunnelError{TunnelID: te.TunnelID, Message: te.Message}
	default:
		return false, nil
	}
}

// pumpLocal sends local bytes to the hub. Local EOF or error closes the
// tunnel unless it already ended.
func (c *Connector) pumpLocal(id string, r io.Reader, finished <-chan struct{}) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := c.link.Send(relayproto.EventTunnelData, relayproto.TunnelData{
				TunnelID: id,
				Data:     relayproto.EncodeData(buf[:n]),
			}); sendErr != nil {
				return fmt.Errorf("send tunnel data: %w", sendErr)
			}
		}
		if err != nil {
			select {
			case <-finished:
				return nil
			default:
			}
			_ = c.link.Send(relayproto.EventTunnelClose, relayproto.TunnelRef{TunnelID: id})
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("local read: %w", err)
		}
	}
}

// Accept feeds connections from ln into the returned channel until ctx is
// cancelled, then closes ln. The channel outlives individual hub
// connections.
func Accept(ctx context.Context, ln net.Listener, logger *slog.Logger) <-chan net.Conn {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	out := make(chan net.Conn)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		defer close(out)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					logger.Error("accept failed", "err", err)
				}
				return
			}
			select {
			case out <- conn:
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()
	return out
}

// ServeConns opens one tunnel per accepted connection until the link or
// ctx ends. Tunnels still running when the link drops end with it.
func (c *Connector) ServeConns(ctx context.Context, conns <-chan net.Conn) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case conn, ok := <-conns:
			if !ok {
				return nil
			}
			c.log.Info("local connection accepted", "remote_addr", conn.RemoteAddr().String())
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Open(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
					c.log.Warn("tunnel ended with error", "err", err)
				}
			}()
		}
	}
}

// Stdio is stdin and stdout as one stream.
type Stdio struct {
	io.Reader
	io.Writer
}

// Close is a no-op; the process owns its standard streams.
func (Stdio) Close() error { return nil }
