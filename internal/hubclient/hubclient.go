// Package hubclient dials the relay hub and exposes one live connection
// as a stream of decoded frames plus a frame writer. Run wraps a session
// function in a reconnect loop.
package hubclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

const (
	wsHandshakeTimeout  = 15 * time.Second
	wsWriteTimeout      = 15 * time.Second
	wsReadLimit         = 4 * 1024 * 1024
	wsControlQueueSize  = 64
	wsDataQueueSize     = 512
	frameBufferSize     = 256
	defaultPingInterval = 25 * time.Second
	helloTimeout        = 10 * time.Second
	maxErrorBodyBytes   = 4096
)

// ErrClosed is reported once Close ends a connection.
var ErrClosed = errors.New("hub connection closed")

// RelayPath is the hub's WebSocket endpoint.
const RelayPath = "/v1/relay"

// Options describe how a client identifies itself to the hub.
type Options struct {
	HubURL     string
	Token      string
	ClientType string
	MachineID  string
	SessionID  string

	// Machine is the host metadata a runner reports on connect.
	Machine domain.MachineInfo

	// PingInterval paces keepalive pings. The connection is considered
	// dead after three intervals without any inbound frame.
	PingInterval time.Duration
	Logger       *slog.Logger
}

// DialError is a rejected WebSocket handshake.
type DialError struct {
	Status  int
	Message string
}

func (e *DialError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub rejected connection: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("hub rejected connection: %s: %s", http.StatusText(e.Status), e.Message)
}

// Retriable reports whether a later attempt could succeed. Credential and
// request errors are final.
func (e *DialError) Retriable() bool {
	switch e.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return false
	default:
		return true
	}
}

// Conn is one accepted hub connection.
type Conn struct {
	conn   *websocket.Conn
	writer *relayproto.WSWritePump
	hello  relayproto.Hello
	log    *slog.Logger

	pingInterval time.Duration
	frames       chan relayproto.Frame

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed sync.Once
}

// RelayURL turns the hub base URL into the relay WebSocket URL carrying
// the client's identity parameters.
func RelayURL(opts Options) (string, error) {
	raw := strings.TrimSpace(opts.HubURL)
	if raw == "" {
		return "", errors.New("hub URL required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse hub URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported hub URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("hub URL has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + RelayPath
	q := url.Values{}
	if opts.ClientType != "" {
		q.Set("clientType", opts.ClientType)
	}
	if opts.MachineID != "" {
		q.Set("machineId", opts.MachineID)
	}
	if opts.SessionID != "" {
		q.Set("sessionId", opts.SessionID)
	}
	for key, v := range map[string]string{
		"hostname":    opts.Machine.Hostname,
		"platform":    opts.Machine.Platform,
		"displayName": opts.Machine.DisplayName,
		"homeDir":     opts.Machine.HomeDir,
		"version":     opts.Machine.Version,
	} {
		if v != "" {
			q.Set(key, v)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// Dial connects to the hub and waits for its hello frame.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	wsURL, err := RelayURL(opts)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, handshakeError(resp)
		}
		return nil, fmt.Errorf("ws connect: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	hello, err := readHello(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := opts.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	connCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		conn:         conn,
		writer:       relayproto.NewWSWritePump(conn, wsWriteTimeout, wsControlQueueSize, wsDataQueueSize),
		hello:        hello,
		log:          logger.With("conn_id", hello.ConnID),
		pingInterval: interval,
		frames:       make(chan relayproto.Frame, frameBufferSize),
		ctx:          connCtx,
		cancel:       cancel,
	}
	go func() {
		<-c.ctx.Done()
		_ = c.conn.Close()
		c.writer.Close()
	}()
	go c.readLoop()
	go c.keepaliveLoop()
	return c, nil
}

func handshakeError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	msg := strings.TrimSpace(string(body))
	if decoded, ok := decodeErrorBody(body); ok {
		msg = decoded
	}
	return &DialError{Status: resp.StatusCode, Message: msg}
}

func readHello(conn *websocket.Conn) (relayproto.Hello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return relayproto.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	f, err := relayproto.Decode(raw)
	if err != nil {
		return relayproto.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if f.Event != relayproto.EventHello {
		return relayproto.Hello{}, fmt.Errorf("expected hello, got %q", f.Event)
	}
	return relayproto.DecodeData[relayproto.Hello](f)
}

// Hello returns the hub's greeting for this connection.
func (c *Conn) Hello() relayproto.Hello { return c.hello }

// Frames yields inbound frames other than pong. It is closed when the
// connection ends; Err then reports why.
func (c *Conn) Frames() <-chan relayproto.Frame { return c.frames }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Err reports the reason the connection ended, or nil while it is live.
func (c *Conn) Err() error {
	select {
	case <-c.ctx.Done():
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return c.ctx.Err()
	}
	return c.err
}

// Send writes one frame and waits for it to reach the socket.
func (c *Conn) Send(event string, payload any) error {
	if err := c.writer.WriteFrame(event, payload); err != nil {
		c.fail(fmt.Errorf("write %s: %w", event, err))
		return err
	}
	return nil
}

// Close ends the connection.
func (c *Conn) Close() {
	c.closed.Do(func() {
		c.fail(nil)
		<-c.writer.Done()
	})
}

func (c *Conn) fail(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Conn) touchDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	c.touchDeadline()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		c.touchDeadline()
		f, err := relayproto.Decode(raw)
		if err != nil {
			c.log.Debug("hub frame dropped", "err", err)
			continue
		}
		if f.Event == relayproto.EventPong {
			continue
		}
		select {
		case c.frames <- f:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writer.WriteFrame(relayproto.EventPing, relayproto.Empty{}); err != nil {
				c.fail(fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}
