package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

// peerConn is one authenticated relay connection.
type peerConn struct {
	id        string
	conn      *websocket.Conn
	pump      *relayproto.WSWritePump
	principal domain.Principal
	limiter   *rate.Limiter
	ctx       context.Context
	cancel    context.CancelFunc
	seq       uint64

	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
}

// Send queues a frame without blocking. A peer that cannot keep up is
// disconnected by the write pump.
func (c *peerConn) Send(event string, payload any) error {
	if c.closing.Load() {
		return relayproto.ErrWSWritePumpClosed
	}
	return c.pump.Post(event, payload)
}

func (c *peerConn) touch(t time.Time) {
	c.lastSeenUnixNano.Store(t.UnixNano())
}

func (c *peerConn) lastSeen() time.Time {
	n := c.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

// close marks the connection closing and unblocks its read loop. It
// reports false when the connection was already closing.
func (c *peerConn) close() bool {
	if !c.closing.CompareAndSwap(false, true) {
		return false
	}
	_ = c.conn.Close()
	return true
}
