package hubclient

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
)

const (
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 30 * time.Second
)

// SessionFunc serves one hub connection. Returning nil ends Run; an error
// means the connection was lost and Run reconnects.
type SessionFunc func(ctx context.Context, c *Conn) error

// Run dials the hub and hands every accepted connection to serve,
// reconnecting with jittered exponential backoff until ctx is cancelled,
// serve returns nil, or the hub rejects the credentials.
func Run(ctx context.Context, opts Options, serve SessionFunc) error {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	b := &backoff.Backoff{Min: reconnectMin, Max: reconnectMax, Factor: 2, Jitter: true}
	for {
		c, err := Dial(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var dialErr *DialError
			if errors.As(err, &dialErr) && !dialErr.Retriable() {
				return err
			}
			d := b.Duration()
			log.Warn("hub connect failed; retrying", "err", err, "attempt", int(b.Attempt()), "retry_in", d.Round(time.Millisecond).String())
			if !sleepCtx(ctx, d) {
				return nil
			}
			continue
		}
		b.Reset()
		hello := c.Hello()
		log.Info("connected to hub", "conn_id", hello.ConnID, "namespace", hello.Namespace, "client_type", hello.ClientType)

		err = serve(ctx, c)
		c.Close()
		if ctx.Err() != nil || err == nil {
			return nil
		}
		d := b.Duration()
		log.Warn("hub disconnected; reconnecting", "err", err, "retry_in", d.Round(time.Millisecond).String())
		if !sleepCtx(ctx, d) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
