package relayproto

import (
	"sync"
	"testing"
	"time"
)

func TestWSWritePumpPrioritizesControlWrites(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	order := make([]string, 0, 3)

	pump := newWSWritePumpWithWriter(func(req wsWriteRequest) error {
		f, err := Decode(req.payload)
		if err != nil {
			return err
		}
		label := f.Event
		if f.Event == EventTunnelData {
			d, _ := DecodeData[TunnelData](f)
			label = d.TunnelID
		}
		if label == "low-1" {
			close(started)
			<-release
		}

		mu.Lock()
		order = append(order, label)
		mu.Unlock()
		return nil
	}, nil, 4, 4, time.Second, time.Second)
	defer pump.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- pump.WriteFrame(EventTunnelData, TunnelData{TunnelID: "low-1", Data: "YQ=="})
	}()

	<-started

	if err := pump.Post(EventTunnelData, TunnelData{TunnelID: "low-2", Data: "Yg=="}); err != nil {
		t.Fatalf("post low: %v", err)
	}
	if err := pump.Post(EventPong, Empty{}); err != nil {
		t.Fatalf("post high: %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	var got []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got = append(got[:0], order...)
		mu.Unlock()
		if len(got) == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	want := []string{"low-1", EventPong, "low-2"}
	if len(got) != len(want) {
		t.Fatalf("unexpected write order length: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected write order: got %v want %v", got, want)
		}
	}
}

func TestWSWritePumpCloseRejectsNewWrites(t *testing.T) {
	t.Parallel()

	pump := newWSWritePumpWithWriter(func(req wsWriteRequest) error { return nil }, nil, 1, 1, 0, 0)
	pump.Close()

	if err := pump.WriteFrame(EventPing, Empty{}); err != ErrWSWritePumpClosed {
		t.Fatalf("expected ErrWSWritePumpClosed, got %v", err)
	}
	if err := pump.Post(EventPing, Empty{}); err != ErrWSWritePumpClosed {
		t.Fatalf("expected ErrWSWritePumpClosed from Post, got %v", err)
	}
}

func TestWSWritePumpPostBackpressureCloses(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	closed := make(chan struct{})
	pump := newWSWritePumpWithWriter(func(req wsWriteRequest) error {
		<-block
		return nil
	}, func() { close(closed) }, 1, 1, time.Second, time.Second)

	// The first frame is taken by the writer, the second fills the queue.
	if err := pump.Post(EventTunnelData, TunnelData{TunnelID: "a"}); err != nil {
		t.Fatalf("post 1: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(pump.low) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := pump.Post(EventTunnelData, TunnelData{TunnelID: "b"}); err != nil {
		t.Fatalf("post 2: %v", err)
	}
	if err := pump.Post(EventTunnelData, TunnelData{TunnelID: "c"}); err != ErrWSWritePumpBackpressure {
		t.Fatalf("expected backpressure, got %v", err)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed on backpressure")
	}
	close(block)
	pump.Close()
}

func TestWSWritePumpKeepsRelayFramesInOrder(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	written := make(chan string, 16)

	pump := newWSWritePumpWithWriter(func(req wsWriteRequest) error {
		f, err := Decode(req.payload)
		if err != nil {
			return err
		}
		label := f.Event
		if f.Event == EventTunnelData {
			d, _ := DecodeData[TunnelData](f)
			b, _ := DecodeData64(d.Data)
			label += " " + string(b)
			if string(b) == "gate" {
				close(started)
				<-release
			}
		}
		written <- label
		return nil
	}, nil, 8, 8, time.Second, time.Second)
	defer pump.Close()

	if err := pump.Post(EventTunnelData, TunnelData{TunnelID: "t1", Data: EncodeData([]byte("gate"))}); err != nil {
		t.Fatal(err)
	}
	<-started
	for _, chunk := range []string{"a", "b", "c"} {
		if err := pump.Post(EventTunnelData, TunnelData{TunnelID: "t1", Data: EncodeData([]byte(chunk))}); err != nil {
			t.Fatalf("post %s: %v", chunk, err)
		}
	}
	if err := pump.Post(EventTunnelClose, TunnelRef{TunnelID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := pump.Post(EventTerminalOutput, TerminalOutput{SessionID: "s1", TerminalID: "x1", Data: "bye"}); err != nil {
		t.Fatal(err)
	}
	if err := pump.Post(EventTerminalExit, TerminalRef{SessionID: "s1", TerminalID: "x1"}); err != nil {
		t.Fatal(err)
	}
	close(release)

	want := []string{
		"tunnel:data gate",
		"tunnel:data a",
		"tunnel:data b",
		"tunnel:data c",
		EventTunnelClose,
		EventTerminalOutput,
		EventTerminalExit,
	}
	for i, w := range want {
		select {
		case got := <-written:
			if got != w {
				t.Fatalf("write %d: got %q want %q", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for write %d (%q)", i, w)
		}
	}
}

func TestIsPriority(t *testing.T) {
	t.Parallel()

	for _, event := range []string{EventHello, EventPing, EventPong, EventAccessError} {
		if !IsPriority(event) {
			t.Fatalf("expected %s to be priority", event)
		}
	}
	for _, event := range []string{
		EventTunnelData, EventTunnelClose, EventTunnelError, EventTunnelReady,
		EventTerminalOutput, EventTerminalExit, EventTerminalHistory, EventTerminalError,
	} {
		if IsPriority(event) {
			t.Fatalf("relay event %s must share the relay queue", event)
		}
	}
}
