package identity

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var alice = Identity{ID: "u1", DisplayName: "alice", Role: RoleAdmin}

func TestRegistryCreateResolve(t *testing.T) {
	r := NewRegistry()

	sess := r.Create(alice)
	if sess.Token == "" {
		t.Fatal("expected non-empty token")
	}
	if sess.CreatedAt.IsZero() {
		t.Fatal("expected non-zero created_at")
	}

	got, ok := r.Resolve(sess.Token)
	if !ok {
		t.Fatal("expected to resolve session by token")
	}
	if got != alice {
		t.Errorf("expected %+v, got %+v", alice, got)
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Resolve("nonexistent"); ok {
		t.Error("expected unknown token to fail")
	}
	if _, ok := r.Resolve(""); ok {
		t.Error("expected empty token to fail")
	}
}

func TestRegistryUniqueTokens(t *testing.T) {
	r := NewRegistry()
	s1 := r.Create(alice)
	s2 := r.Create(alice)
	if s1.Token == s2.Token {
		t.Error("expected unique tokens")
	}
	if n := r.SessionCount(alice.ID); n != 2 {
		t.Errorf("expected 2 sessions for alice, got %d", n)
	}
}

func TestRegistryEndNotifiesOnce(t *testing.T) {
	r := NewRegistry()
	var ended []EndReason
	r.OnEnd(func(sess Session, reason EndReason) {
		if sess.Identity.ID != alice.ID {
			t.Errorf("unexpected identity %q", sess.Identity.ID)
		}
		ended = append(ended, reason)
	})

	sess := r.Create(alice)
	if !r.Valid(sess.Token) {
		t.Fatal("expected session to be valid before End")
	}
	if _, ok := r.End(sess.Token); !ok {
		t.Fatal("expected End to find the session")
	}
	if _, ok := r.End(sess.Token); ok {
		t.Fatal("second End should report false")
	}
	if len(ended) != 1 || ended[0] != EndLogout {
		t.Fatalf("expected one logout notification, got %v", ended)
	}
	if _, ok := r.Resolve(sess.Token); ok {
		t.Fatal("ended session must not resolve")
	}
	if r.Valid(sess.Token) {
		t.Fatal("ended session must not be valid")
	}
}

func TestRegistryExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithTTL(time.Hour), WithClock(clock.Now))

	var expired int
	r.OnEnd(func(_ Session, reason EndReason) {
		if reason == EndExpired {
			expired++
		}
	})

	sess := r.Create(alice)
	clock.Advance(30 * time.Minute)
	if _, ok := r.Resolve(sess.Token); !ok {
		t.Fatal("session should still be live")
	}

	// Resolve slid the expiry forward by a full TTL.
	clock.Advance(50 * time.Minute)
	if n := r.Reap(); n != 0 {
		t.Fatalf("expected nothing reaped, got %d", n)
	}

	clock.Advance(11 * time.Minute)
	if _, ok := r.Resolve(sess.Token); ok {
		t.Fatal("expired session must not resolve")
	}
	if n := r.SessionCount(alice.ID); n != 0 {
		t.Fatalf("expired session must not be counted, got %d", n)
	}
	if n := r.Reap(); n != 1 {
		t.Fatalf("expected 1 session reaped, got %d", n)
	}
	if expired != 1 {
		t.Fatalf("expected one expiry notification, got %d", expired)
	}
	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Count())
	}
}

func TestParseRole(t *testing.T) {
	if ParseRole("admin") != RoleAdmin {
		t.Error("expected admin")
	}
	if ParseRole("root") != RoleUser {
		t.Error("unknown roles default to user")
	}
}
