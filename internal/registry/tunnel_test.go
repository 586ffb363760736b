package registry

import (
	"testing"
	"time"

	"github.com/koltyakov/relayhub/internal/clock"
)

func TestTunnelRegisterRejectsInvalidSockets(t *testing.T) {
	t.Parallel()

	r := NewTunnelRegistry(TunnelOptions{Clock: clock.Fake(time.Unix(0, 0))})
	if _, ok := r.Register(TunnelEntry{TunnelID: "t1", ConnectSocketID: "s", RunnerSocketID: "s"}); ok {
		t.Fatal("registered tunnel with identical sockets")
	}
	if _, ok := r.Register(TunnelEntry{TunnelID: "t1", ConnectSocketID: "c"}); ok {
		t.Fatal("registered tunnel without runner socket")
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0", r.Len())
	}
}

func TestTunnelRemoveByConnectSocket(t *testing.T) {
	t.Parallel()

	r := NewTunnelRegistry(TunnelOptions{Clock: clock.Fake(time.Unix(0, 0))})
	r.Register(TunnelEntry{TunnelID: "t1", MachineID: "m1", Port: 22, ConnectSocketID: "c1", RunnerSocketID: "r1"})
	r.Register(TunnelEntry{TunnelID: "t2", MachineID: "m1", Port: 80, ConnectSocketID: "c1", RunnerSocketID: "r1"})
	r.Register(TunnelEntry{TunnelID: "t3", MachineID: "m2", Port: 80, ConnectSocketID: "c2", RunnerSocketID: "r2"})

	removed := r.RemoveByConnectSocket("c1")
	if len(removed) != 2 || removed[0].TunnelID != "t1" || removed[1].TunnelID != "t2" {
		t.Fatalf("removed = %+v", removed)
	}
	if r.HasConnectSocket("c1") {
		t.Fatal("connect bucket c1 survived")
	}
	if r.HasRunnerSocket("r1") {
		t.Fatal("runner bucket r1 survived")
	}
	if !r.HasRunnerSocket("r2") {
		t.Fatal("unrelated runner bucket removed")
	}
}

func TestTunnelAdvanceNeverDemotes(t *testing.T) {
	t.Parallel()

	r := NewTunnelRegistry(TunnelOptions{Clock: clock.Fake(time.Unix(0, 0))})
	r.Register(TunnelEntry{TunnelID: "t1", ConnectSocketID: "c1", RunnerSocketID: "r1"})
	r.Advance("t1", TunnelRelaying)
	e, _ := r.Advance("t1", TunnelReady)
	if e.State != TunnelRelaying {
		t.Fatalf("state = %s, want relaying", e.State)
	}
}

func TestTunnelIdleEviction(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(time.Unix(0, 0))
	var idle []string
	r := NewTunnelRegistry(TunnelOptions{
		Clock:       fc,
		IdleTimeout: 10 * time.Minute,
		OnIdle:      func(e TunnelEntry) { idle = append(idle, e.TunnelID) },
	})
	r.Register(TunnelEntry{TunnelID: "t1", ConnectSocketID: "c1", RunnerSocketID: "r1"})
	fc.Advance(10 * time.Minute)
	if len(idle) != 1 || idle[0] != "t1" {
		t.Fatalf("idle = %v, want [t1]", idle)
	}
	if r.HasConnectSocket("c1") || r.HasRunnerSocket("r1") {
		t.Fatal("indexes survived idle eviction")
	}
}
