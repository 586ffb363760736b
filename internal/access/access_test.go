package access

import (
	"context"
	"errors"
	"testing"

	"github.com/koltyakov/relayhub/internal/domain"
)

type fakeStore struct {
	machines map[string]domain.Machine
	sessions map[string]domain.Session
	err      error
}

func (s *fakeStore) GetMachine(_ context.Context, id string) (domain.Machine, error) {
	if s.err != nil {
		return domain.Machine{}, s.err
	}
	m, ok := s.machines[id]
	if !ok {
		return domain.Machine{}, domain.ErrMachineNotFound
	}
	return m, nil
}

func (s *fakeStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	if s.err != nil {
		return domain.Session{}, s.err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return sess, nil
}

func TestStoreResolverDecisions(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		machines: map[string]domain.Machine{"m1": {ID: "m1", Namespace: "team-a"}},
		sessions: map[string]domain.Session{"s1": {ID: "s1", Namespace: "team-a"}},
	}
	r := NewStoreResolver(store, nil)
	alice := domain.Principal{Namespace: "team-a"}
	bob := domain.Principal{Namespace: "team-b"}
	ctx := context.Background()

	cases := []struct {
		name string
		got  Decision
		want Decision
	}{
		{"machine_owned", r.ResolveMachine(ctx, alice, "m1"), Allow()},
		{"machine_other_namespace", r.ResolveMachine(ctx, bob, "m1"), Deny(ReasonDenied)},
		{"machine_missing", r.ResolveMachine(ctx, alice, "m2"), Deny(ReasonMachineNotFound)},
		{"session_owned", r.ResolveSession(ctx, alice, "s1"), Allow()},
		{"session_other_namespace", r.ResolveSession(ctx, bob, "s1"), Deny(ReasonDenied)},
		{"session_missing", r.ResolveSession(ctx, alice, "s2"), Deny(ReasonSessionNotFound)},
		{"empty_namespace", r.ResolveSession(ctx, domain.Principal{}, "s1"), Deny(ReasonDenied)},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s: got %+v, want %+v", tc.name, tc.got, tc.want)
		}
	}
}

func TestStoreResolverStoreError(t *testing.T) {
	t.Parallel()

	r := NewStoreResolver(&fakeStore{err: errors.New("disk on fire")}, nil)
	got := r.ResolveMachine(context.Background(), domain.Principal{Namespace: "a"}, "m1")
	if got.OK || got.Reason != ReasonCheckFailed {
		t.Fatalf("got %+v, want check failed", got)
	}
}

func TestNormalizeClientType(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                "user",
		"USER":            "user",
		" machine-scoped": "machine-scoped",
		"session-scoped":  "session-scoped",
	}
	for in, want := range cases {
		got, err := NormalizeClientType(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeClientType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := NormalizeClientType("admin"); err == nil {
		t.Fatal("expected error for unknown client type")
	}
}
