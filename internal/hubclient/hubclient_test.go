package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/relayproto"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeHub accepts relay connections, sends hello and hands the socket to
// handle.
func fakeHub(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	var seq atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != RelayPath {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: "Unauthorized", ErrorCode: "unauthorized"})
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hello, _ := relayproto.Encode(relayproto.EventHello, relayproto.Hello{
			ConnID:     "conn-" + string(rune('0'+seq.Add(1))),
			Namespace:  "team-a",
			ClientType: r.URL.Query().Get("clientType"),
		})
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return
		}
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRelayURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "http becomes ws",
			opts: Options{HubURL: "http://hub.local:8080", ClientType: "user"},
			want: "ws://hub.local:8080/v1/relay?clientType=user",
		},
		{
			name: "bare host defaults to wss",
			opts: Options{HubURL: "hub.example.com/", ClientType: "machine-scoped", MachineID: "m1", Machine: domain.MachineInfo{Hostname: "box"}},
			want: "wss://hub.example.com/v1/relay?clientType=machine-scoped&hostname=box&machineId=m1",
		},
		{
			name: "machine metadata",
			opts: Options{
				HubURL:     "https://hub.example.com",
				ClientType: "machine-scoped",
				MachineID:  "m1",
				Machine: domain.MachineInfo{
					Hostname:    "box",
					Platform:    "linux/amd64",
					DisplayName: "Build box",
					HomeDir:     "/home/ci",
					Version:     "1.0.0",
				},
			},
			want: "wss://hub.example.com/v1/relay?clientType=machine-scoped&displayName=Build+box&homeDir=%2Fhome%2Fci&hostname=box&machineId=m1&platform=linux%2Famd64&version=1.0.0",
		},
		{
			name: "path prefix kept",
			opts: Options{HubURL: "https://example.com/relay/", SessionID: "s1"},
			want: "wss://example.com/relay/v1/relay?sessionId=s1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := RelayURL(tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}

	for _, bad := range []string{"", "ftp://hub", "http://"} {
		if _, err := RelayURL(Options{HubURL: bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDialReadsHelloAndFiltersPong(t *testing.T) {
	t.Parallel()

	srv := fakeHub(t, func(conn *websocket.Conn, _ *http.Request) {
		for _, ev := range []string{relayproto.EventPong, relayproto.EventTunnelClose} {
			var payload any = relayproto.Empty{}
			if ev == relayproto.EventTunnelClose {
				payload = relayproto.TunnelRef{TunnelID: "t1"}
			}
			raw, _ := relayproto.Encode(ev, payload)
			_ = conn.WriteMessage(websocket.TextMessage, raw)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, _ := relayproto.Decode(raw)
		echo, _ := relayproto.Encode(relayproto.EventTunnelError, relayproto.TunnelError{TunnelID: "echo", Message: f.Event})
		_ = conn.WriteMessage(websocket.TextMessage, echo)
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{HubURL: srv.URL, Token: "good", ClientType: "user"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.Hello().Namespace != "team-a" || c.Hello().ClientType != "user" {
		t.Fatalf("unexpected hello: %+v", c.Hello())
	}
	f := <-c.Frames()
	if f.Event != relayproto.EventTunnelClose {
		t.Fatalf("pong must be filtered, got %q first", f.Event)
	}
	if err := c.Send(relayproto.EventTunnelReady, relayproto.TunnelRef{TunnelID: "t1"}); err != nil {
		t.Fatal(err)
	}
	f = <-c.Frames()
	te, err := relayproto.DecodeData[relayproto.TunnelError](f)
	if err != nil {
		t.Fatal(err)
	}
	if te.Message != relayproto.EventTunnelReady {
		t.Fatalf("expected echo of tunnel:ready, got %q", te.Message)
	}

	c.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
	if !errors.Is(c.Err(), ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", c.Err())
	}
	for range c.Frames() {
	}
}

func TestDialRejectedCredentialsAreFinal(t *testing.T) {
	t.Parallel()

	srv := fakeHub(t, func(*websocket.Conn, *http.Request) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Options{HubURL: srv.URL, Token: "bad"})
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("expected DialError, got %v", err)
	}
	if dialErr.Status != http.StatusUnauthorized || dialErr.Retriable() {
		t.Fatalf("unexpected dial error: %+v", dialErr)
	}
	if !strings.Contains(dialErr.Error(), "unauthorized") {
		t.Fatalf("expected decoded error code in %q", dialErr.Error())
	}

	calls := 0
	err = Run(ctx, Options{HubURL: srv.URL, Token: "bad"}, func(context.Context, *Conn) error {
		calls++
		return nil
	})
	if !errors.As(err, &dialErr) || calls != 0 {
		t.Fatalf("Run must stop on rejected credentials, err=%v calls=%d", err, calls)
	}
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	var accepted atomic.Int32
	srv := fakeHub(t, func(conn *websocket.Conn, _ *http.Request) {
		if accepted.Add(1) == 1 {
			return
		}
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions := 0
	err := Run(ctx, Options{HubURL: srv.URL, Token: "good"}, func(ctx context.Context, c *Conn) error {
		sessions++
		if sessions == 1 {
			<-c.Done()
			return c.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sessions != 2 {
		t.Fatalf("expected a second session after the drop, got %d", sessions)
	}
}

func TestListMachines(t *testing.T) {
	t.Parallel()

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != MachinesPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: "Unauthorized"})
			return
		}
		_ = json.NewEncoder(w).Encode([]domain.MachineView{{ID: "m1", Hostname: "box", Online: true, LastSeenAt: &seen}})
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	machines, err := ListMachines(ctx, srv.URL, "good")
	if err != nil {
		t.Fatal(err)
	}
	if len(machines) != 1 || machines[0].ID != "m1" || !machines[0].Online || !machines[0].LastSeenAt.Equal(seen) {
		t.Fatalf("unexpected machines: %+v", machines)
	}

	_, err = ListMachines(ctx, srv.URL, "bad")
	var dialErr *DialError
	if !errors.As(err, &dialErr) || dialErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
