package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/relayhub/internal/auth"
	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/relayproto"
	"github.com/koltyakov/relayhub/internal/store/sqlite"
)

const testPepper = "test-pepper"

type testHub struct {
	srv   *Server
	http  *httptest.Server
	store *sqlite.Store
}

func newTestHub(t *testing.T, mutate func(*config.HubConfig)) *testHub {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := sqlite.Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.HubConfig{
		APIKeyPepper:      testPepper,
		TerminalBufferCap: 1000,
		PingTimeout:       time.Minute,
		JanitorInterval:   time.Second,
		SessionRetention:  time.Hour,
		MaxFrameBytes:     1 << 20,
		FrameRate:         1000,
		FrameBurst:        1000,
		ConnectRate:       1000,
		ConnectBurst:      1000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.closeAllConns()
		ts.Close()
		waitGroupWait(&srv.hub.wg, 5*time.Second)
		_ = store.Close()
	})
	return &testHub{srv: srv, http: ts, store: store}
}

func (h *testHub) createKey(t *testing.T, namespace string) string {
	t.Helper()
	key, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.CreateAPIKey(context.Background(), "test", namespace, auth.HashAPIKey(key, testPepper)); err != nil {
		t.Fatal(err)
	}
	return key
}

func (h *testHub) relayURL(query url.Values) string {
	u, _ := url.Parse(h.http.URL)
	u.Scheme = "ws"
	u.Path = "/v1/relay"
	u.RawQuery = query.Encode()
	return u.String()
}

type testClient struct {
	conn  *websocket.Conn
	hello relayproto.Hello
}

func (h *testHub) dial(t *testing.T, token string, query url.Values) *testClient {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(h.relayURL(query), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial relay: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &testClient{conn: conn}
	f := c.expect(t, relayproto.EventHello)
	hello, err := relayproto.DecodeData[relayproto.Hello](f)
	if err != nil {
		t.Fatal(err)
	}
	c.hello = hello
	return c
}

func (h *testHub) dialStatus(t *testing.T, token string, query url.Values) int {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(h.relayURL(query), header)
	if err == nil {
		_ = conn.Close()
		return http.StatusSwitchingProtocols
	}
	if resp == nil {
		t.Fatalf("dial failed without response: %v", err)
	}
	return resp.StatusCode
}

func (c *testClient) send(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := relayproto.Encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func (c *testClient) read(t *testing.T) relayproto.Frame {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := relayproto.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (c *testClient) expect(t *testing.T, event string) relayproto.Frame {
	t.Helper()
	f := c.read(t)
	if f.Event != event {
		t.Fatalf("expected %s, got %s %s", event, f.Event, string(f.Data))
	}
	return f
}

func runnerQuery(machineID string) url.Values {
	return url.Values{"clientType": {"machine-scoped"}, "machineId": {machineID}, "hostname": {machineID + ".local"}}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	resp, err := http.Get(h.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected healthz response %d %q", resp.StatusCode, body)
	}
}

func TestRelayAdmissionFailures(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	keyA := h.createKey(t, "team-a")
	keyB := h.createKey(t, "team-b")
	h.dial(t, keyA, runnerQuery("m1"))

	tests := []struct {
		name  string
		token string
		query url.Values
		want  int
	}{
		{name: "missing token", token: "", want: http.StatusUnauthorized},
		{name: "unknown key", token: "nope", want: http.StatusUnauthorized},
		{name: "namespace suffix mismatch", token: keyA + ":team-b", want: http.StatusUnauthorized},
		{name: "unknown client type", token: keyA, query: url.Values{"clientType": {"robot"}}, want: http.StatusBadRequest},
		{name: "machine scoped without id", token: keyA, query: url.Values{"clientType": {"machine-scoped"}}, want: http.StatusBadRequest},
		{name: "session scoped without id", token: keyA, query: url.Values{"clientType": {"session-scoped"}}, want: http.StatusBadRequest},
		{name: "machine owned by other namespace", token: keyB, query: runnerQuery("m1"), want: http.StatusForbidden},
	}
	for _, tt := range tests {
		if got := h.dialStatus(t, tt.token, tt.query); got != tt.want {
			t.Fatalf("%s: expected status %d, got %d", tt.name, tt.want, got)
		}
	}
}

func TestRelayAcceptsNamespacedTokenAndQueryParam(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	key := h.createKey(t, "team-a")

	q := url.Values{"token": {key + ":team-a"}}
	conn, _, err := websocket.DefaultDialer.Dial(h.relayURL(q), nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	defer conn.Close()
	c := &testClient{conn: conn}
	f := c.expect(t, relayproto.EventHello)
	hello, err := relayproto.DecodeData[relayproto.Hello](f)
	if err != nil {
		t.Fatal(err)
	}
	if hello.Namespace != "team-a" || hello.ClientType != domain.ClientTypeUser || hello.ConnID == "" {
		t.Fatalf("unexpected hello %+v", hello)
	}
}

func TestRelayJWTAuthentication(t *testing.T) {
	t.Parallel()

	secret := "jwt-secret"
	h := newTestHub(t, func(cfg *config.HubConfig) { cfg.JWTSecret = secret })
	token, err := auth.SignToken([]byte(secret), "user-1", "team-web", time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	c := h.dial(t, token, nil)
	if c.hello.Namespace != "team-web" {
		t.Fatalf("expected namespace from jwt, got %q", c.hello.Namespace)
	}

	expired, err := auth.SignToken([]byte(secret), "user-1", "team-web", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got := h.dialStatus(t, expired, nil); got != http.StatusUnauthorized {
		t.Fatalf("expected expired jwt to be rejected, got %d", got)
	}
}

func TestRelayPingPong(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	c := h.dial(t, h.createKey(t, "team-a"), nil)
	c.send(t, relayproto.EventPing, relayproto.Empty{})
	c.expect(t, relayproto.EventPong)
}

func TestRelayTunnelEndToEnd(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	key := h.createKey(t, "team-a")
	runner := h.dial(t, key, runnerQuery("m1"))
	user := h.dial(t, key, nil)

	user.send(t, relayproto.EventTunnelRequest, relayproto.TunnelRequest{TunnelID: "t1", MachineID: "m1", Port: 22})
	f := runner.expect(t, relayproto.EventTunnelOpen)
	open, err := relayproto.DecodeData[relayproto.TunnelOpen](f)
	if err != nil {
		t.Fatal(err)
	}
	if open.TunnelID != "t1" || open.Port != 22 {
		t.Fatalf("unexpected open %+v", open)
	}

	runner.send(t, relayproto.EventTunnelReady, relayproto.TunnelRef{TunnelID: "t1"})
	user.expect(t, relayproto.EventTunnelReady)

	payload := relayproto.EncodeData([]byte("SSH-2.0-test\r\n"))
	user.send(t, relayproto.EventTunnelData, relayproto.TunnelData{TunnelID: "t1", Data: payload})
	f = runner.expect(t, relayproto.EventTunnelData)
	data, err := relayproto.DecodeData[relayproto.TunnelData](f)
	if err != nil {
		t.Fatal(err)
	}
	if data.Data != payload {
		t.Fatalf("payload changed in transit: %q", data.Data)
	}

	_ = runner.conn.Close()
	f = user.expect(t, relayproto.EventTunnelError)
	tunnelErr, err := relayproto.DecodeData[relayproto.TunnelError](f)
	if err != nil {
		t.Fatal(err)
	}
	if tunnelErr.Message != "Runner disconnected" {
		t.Fatalf("expected runner disconnected, got %q", tunnelErr.Message)
	}
	if _, ok := h.srv.broker.Tunnel("t1"); ok {
		t.Fatal("tunnel should be gone after runner disconnect")
	}
}

func TestRelayTunnelDeniedAcrossNamespaces(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	h.dial(t, h.createKey(t, "team-a"), runnerQuery("m1"))
	other := h.dial(t, h.createKey(t, "team-b"), nil)

	other.send(t, relayproto.EventTunnelRequest, relayproto.TunnelRequest{TunnelID: "t1", MachineID: "m1", Port: 22})
	f := other.expect(t, relayproto.EventTunnelError)
	tunnelErr, err := relayproto.DecodeData[relayproto.TunnelError](f)
	if err != nil {
		t.Fatal(err)
	}
	if tunnelErr.Message != "Access denied" {
		t.Fatalf("expected access denied, got %q", tunnelErr.Message)
	}
}

func TestRelayMalformedFramesAreIgnored(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	c := h.dial(t, h.createKey(t, "team-a"), nil)
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	c.send(t, relayproto.EventTunnelRequest, map[string]any{"tunnelId": "", "machineId": "m1", "port": 22})
	c.send(t, "made:up", relayproto.Empty{})
	c.send(t, relayproto.EventPing, relayproto.Empty{})
	c.expect(t, relayproto.EventPong)
}

func TestListMachinesReportsPresence(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	key := h.createKey(t, "team-a")
	query := runnerQuery("m1")
	query.Set("platform", "linux/arm64")
	query.Set("displayName", "Build box")
	query.Set("homeDir", "/home/ci")
	query.Set("version", "1.0.0")
	runner := h.dial(t, key, query)
	h.dial(t, h.createKey(t, "team-b"), runnerQuery("m2"))

	list := func() []domain.MachineView {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, h.http.URL+"/v1/machines", nil)
		req.Header.Set("Authorization", "Bearer "+key)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var out []domain.MachineView
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	got := list()
	if len(got) != 1 || got[0].ID != "m1" || !got[0].Online || got[0].Hostname != "m1.local" {
		t.Fatalf("unexpected machines %+v", got)
	}
	if got[0].Platform != "linux/arm64" || got[0].DisplayName != "Build box" || got[0].HomeDir != "/home/ci" || got[0].Version != "1.0.0" {
		t.Fatalf("machine metadata not reported: %+v", got[0])
	}

	_ = runner.conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got = list()
		m, err := h.store.GetMachine(context.Background(), "m1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 1 && !got[0].Online && !m.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("machine still online after runner disconnect: %+v (store online=%v)", got, m.Online)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListMachinesRequiresAuth(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	resp, err := http.Get(h.http.URL + "/v1/machines")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestExpireStaleConnsClosesSilentClients(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	c := h.dial(t, h.createKey(t, "team-a"), nil)

	if n := h.srv.expireStaleConns(time.Now()); n != 0 {
		t.Fatalf("fresh connection should survive, closed %d", n)
	}
	if n := h.srv.expireStaleConns(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected one stale connection closed, got %d", n)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c.conn.ReadMessage(); err == nil {
		t.Fatal("expected closed connection")
	}
}

func TestRelayConnectRateLimit(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, func(cfg *config.HubConfig) {
		cfg.ConnectRate = 0.001
		cfg.ConnectBurst = 1
	})
	key := h.createKey(t, "team-a")
	h.dial(t, key, nil)
	if got := h.dialStatus(t, key, nil); got != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", got)
	}
}

func openTestTunnel(t *testing.T, h *testHub, tunnelID string) (runner, user *testClient) {
	t.Helper()
	key := h.createKey(t, "team-a")
	runner = h.dial(t, key, runnerQuery("m1"))
	user = h.dial(t, key, nil)
	user.send(t, relayproto.EventTunnelRequest, relayproto.TunnelRequest{TunnelID: tunnelID, MachineID: "m1", Port: 22})
	runner.expect(t, relayproto.EventTunnelOpen)
	runner.send(t, relayproto.EventTunnelReady, relayproto.TunnelRef{TunnelID: tunnelID})
	user.expect(t, relayproto.EventTunnelReady)
	return runner, user
}

func TestRelayTunnelStreamAboveFrameRateIsComplete(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, func(cfg *config.HubConfig) {
		cfg.FrameRate = 4000
		cfg.FrameBurst = 100
	})
	runner, user := openTestTunnel(t, h, "t1")

	const chunks = 1200
	type result struct {
		chunks []string
		last   string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		for {
			_ = runner.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			_, raw, err := runner.conn.ReadMessage()
			if err != nil {
				res.err = err
				done <- res
				return
			}
			f, err := relayproto.Decode(raw)
			if err != nil {
				res.err = err
				done <- res
				return
			}
			if f.Event != relayproto.EventTunnelData {
				res.last = f.Event
				done <- res
				return
			}
			d, _ := relayproto.DecodeData[relayproto.TunnelData](f)
			b, _ := relayproto.DecodeData64(d.Data)
			res.chunks = append(res.chunks, string(b))
		}
	}()

	for i := range chunks {
		user.send(t, relayproto.EventTunnelData, relayproto.TunnelData{
			TunnelID: "t1",
			Data:     relayproto.EncodeData([]byte(strconv.Itoa(i))),
		})
	}
	user.send(t, relayproto.EventTunnelClose, relayproto.TunnelRef{TunnelID: "t1"})

	var res result
	select {
	case res = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("runner did not receive the stream")
	}
	if res.err != nil {
		t.Fatalf("runner read failed after %d chunks: %v", len(res.chunks), res.err)
	}
	if len(res.chunks) != chunks {
		t.Fatalf("expected %d chunks, runner received %d", chunks, len(res.chunks))
	}
	for i, c := range res.chunks {
		if c != strconv.Itoa(i) {
			t.Fatalf("chunk %d out of order: %q", i, c)
		}
	}
	if res.last != relayproto.EventTunnelClose {
		t.Fatalf("expected tunnel:close after the data, got %q", res.last)
	}
}

func TestRelayOpeningFramesAboveRateAreDropped(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, func(cfg *config.HubConfig) {
		cfg.FrameRate = 0.001
		cfg.FrameBurst = 1
	})
	key := h.createKey(t, "team-a")
	runner := h.dial(t, key, runnerQuery("m1"))
	user := h.dial(t, key, nil)

	user.send(t, relayproto.EventTunnelRequest, relayproto.TunnelRequest{TunnelID: "t1", MachineID: "m1", Port: 22})
	user.send(t, relayproto.EventTunnelRequest, relayproto.TunnelRequest{TunnelID: "t2", MachineID: "m1", Port: 22})

	open, err := relayproto.DecodeData[relayproto.TunnelOpen](runner.expect(t, relayproto.EventTunnelOpen))
	if err != nil || open.TunnelID != "t1" {
		t.Fatalf("expected open for t1, got %+v %v", open, err)
	}
	_ = runner.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, raw, err := runner.conn.ReadMessage(); err == nil {
		t.Fatalf("expected the second request to be dropped, runner got %s", raw)
	}
	if _, ok := h.srv.broker.Tunnel("t2"); ok {
		t.Fatal("rate-limited request must not create a tunnel")
	}
}

func TestOpensRelay(t *testing.T) {
	t.Parallel()

	for _, event := range []string{relayproto.EventTunnelRequest, relayproto.EventTerminalCreate, relayproto.EventTerminalRegister, relayproto.EventTerminalAttach} {
		if !opensRelay(event) {
			t.Fatalf("expected %s to open a relay", event)
		}
	}
	for _, event := range []string{relayproto.EventTunnelData, relayproto.EventTunnelClose, relayproto.EventTerminalOutput, relayproto.EventTerminalWrite, relayproto.EventPing} {
		if opensRelay(event) {
			t.Fatalf("stream frame %s must not be shed", event)
		}
	}
}

func TestStatsDescribePeersAndRelays(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil)
	runner, user := openTestTunnel(t, h, "t1")

	stats := h.srv.Stats()
	if stats.Connections != 2 || len(stats.Peers) != 2 {
		t.Fatalf("unexpected connection stats %+v", stats)
	}
	if len(stats.Tunnels) != 1 || stats.Tunnels[0].TunnelID != "t1" || stats.Tunnels[0].State != "ready" {
		t.Fatalf("unexpected tunnels %+v", stats.Tunnels)
	}
	roles := map[string]bool{}
	for _, p := range stats.Peers {
		switch p.ConnID {
		case runner.hello.ConnID:
			roles["runner"] = p.Relays.Runner && p.MachineID == "m1"
		case user.hello.ConnID:
			roles["connector"] = p.Relays.Connector
		}
	}
	if !roles["runner"] || !roles["connector"] {
		t.Fatalf("peer relay roles not reported: %+v", stats.Peers)
	}
}

func TestMachineInfoFromQuery(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxMachineInfoLen+10)
	got := machineInfo(url.Values{
		"hostname":    {"  box  "},
		"platform":    {"darwin/arm64"},
		"displayName": {long},
		"version":     {"2.0.0"},
	})
	want := domain.MachineInfo{
		Hostname:    "box",
		Platform:    "darwin/arm64",
		DisplayName: long[:maxMachineInfoLen],
		Version:     "2.0.0",
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}
