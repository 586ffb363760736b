package relayproto

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWSWritePumpClosed = errors.New("websocket write pump closed")
var ErrWSWritePumpBackpressure = errors.New("websocket write pump backpressure")

const (
	defaultWSWriteControlEnqueueTimeout = 2 * time.Second
	defaultWSWriteDataEnqueueTimeout    = 500 * time.Millisecond
)

type wsWriteRequest struct {
	event   string
	payload []byte
	done    chan error
}

// WSWritePump serializes websocket writes. Housekeeping frames (see
// IsPriority) go ahead of the relay queue; relay frames keep their order.
type WSWritePump struct {
	writeFn     func(wsWriteRequest) error
	closeFn     func()
	high        chan wsWriteRequest
	low         chan wsWriteRequest
	stop        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	highTimeout time.Duration
	lowTimeout  time.Duration
}

// NewWSWritePump starts a pump writing text frames to conn.
func NewWSWritePump(conn *websocket.Conn, writeTimeout time.Duration, highCap, lowCap int) *WSWritePump {
	return newWSWritePumpWithWriter(func(req wsWriteRequest) error {
		if conn == nil {
			return ErrWSWritePumpClosed
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

		if err := conn.WriteMessage(websocket.TextMessage, req.payload); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, highCap, lowCap, defaultWSWriteControlEnqueueTimeout, defaultWSWriteDataEnqueueTimeout)
}

func newWSWritePumpWithWriter(
	writeFn func(wsWriteRequest) error,
	closeFn func(),
	highCap, lowCap int,
	highTimeout, lowTimeout time.Duration,
) *WSWritePump {
	if highCap <= 0 {
		highCap = 1
	}
	if lowCap <= 0 {
		lowCap = 1
	}
	if highTimeout <= 0 {
		highTimeout = defaultWSWriteControlEnqueueTimeout
	}
	if lowTimeout <= 0 {
		lowTimeout = defaultWSWriteDataEnqueueTimeout
	}
	p := &WSWritePump{
		writeFn:     writeFn,
		closeFn:     closeFn,
		high:        make(chan wsWriteRequest, highCap),
		low:         make(chan wsWriteRequest, lowCap),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		highTimeout: highTimeout,
		lowTimeout:  lowTimeout,
	}
	go p.run()
	return p
}

// WriteFrame encodes and writes one frame, waiting for the write to
// complete. It blocks for at most the enqueue timeout when the queue is
// full, then closes the connection.
func (p *WSWritePump) WriteFrame(event string, payload any) error {
	b, err := Encode(event, payload)
	if err != nil {
		return err
	}
	return p.enqueue(wsWriteRequest{
		event:   event,
		payload: b,
		done:    make(chan error, 1),
	}, IsPriority(event))
}

// Post encodes and queues one frame without waiting. A full queue means
// the peer cannot keep up: the connection is closed and
// ErrWSWritePumpBackpressure returned.
func (p *WSWritePump) Post(event string, payload any) error {
	if p.closed.Load() {
		return ErrWSWritePumpClosed
	}
	b, err := Encode(event, payload)
	if err != nil {
		return err
	}
	req := wsWriteRequest{event: event, payload: b}
	target := p.low
	if IsPriority(event) {
		target = p.high
	}
	select {
	case <-p.stop:
		return ErrWSWritePumpClosed
	case target <- req:
		return nil
	default:
		p.triggerBackpressure()
		return ErrWSWritePumpBackpressure
	}
}

// Close stops the pump and waits for the writer goroutine to exit.
func (p *WSWritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

// Done is closed once the writer goroutine has exited.
func (p *WSWritePump) Done() <-chan struct{} {
	return p.done
}

func (p *WSWritePump) enqueue(req wsWriteRequest, high bool) error {
	if p.closed.Load() {
		return ErrWSWritePumpClosed
	}

	target := p.low
	wait := p.lowTimeout
	if high {
		target = p.high
		wait = p.highTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrWSWritePumpClosed
	case target <- req:
	case <-timer.C:
		p.triggerBackpressure()
		return ErrWSWritePumpBackpressure
	}

	return <-req.done
}

func (p *WSWritePump) run() {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			p.failPending(ErrWSWritePumpClosed)
			return
		}
		err := p.write(req)
		req.reply(err)
		if err != nil {
			p.closed.Store(true)
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrWSWritePumpClosed)
			return
		}
	}
}

func (p *WSWritePump) next() (wsWriteRequest, bool) {
	select {
	case req := <-p.high:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return wsWriteRequest{}, false
	case req := <-p.high:
		return req, true
	case req := <-p.low:
		return req, true
	}
}

func (p *WSWritePump) write(req wsWriteRequest) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(req)
}

func (p *WSWritePump) failPending(err error) {
	for {
		select {
		case req := <-p.high:
			req.reply(err)
		case req := <-p.low:
			req.reply(err)
		default:
			return
		}
	}
}

func (p *WSWritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *WSWritePump) triggerBackpressure() {
	if p.closed.Swap(true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.signalStop()
}

func (r wsWriteRequest) reply(err error) {
	if r.done != nil {
		r.done <- err
	}
}
