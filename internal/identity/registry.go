package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultTTL is how long a session survives without being resolved.
const DefaultTTL = 24 * time.Hour

// EndReason says why a session ended.
type EndReason string

const (
	EndLogout  EndReason = "logout"
	EndExpired EndReason = "expired"
)

// EndFunc is notified once per terminated session, outside the registry lock.
type EndFunc func(sess Session, reason EndReason)

// Registry maps session tokens to identities. Sessions slide forward on
// every Resolve and are reaped once their TTL passes.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	onEnd    []EndFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL sets the sliding session lifetime.
func WithTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnEnd subscribes fn to session terminations. Subscribe before serving.
func (r *Registry) OnEnd(fn EndFunc) {
	r.mu.Lock()
	r.onEnd = append(r.onEnd, fn)
	r.mu.Unlock()
}

// Create opens a new session for id.
func (r *Registry) Create(id Identity) *Session {
	now := r.now()
	sess := &Session{
		Token:     generateToken(),
		Identity:  id,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	r.mu.Lock()
	r.sessions[sess.Token] = sess
	r.mu.Unlock()
	return sess
}

// Resolve returns the identity behind token and extends the session.
// Unknown and expired tokens resolve to false.
func (r *Registry) Resolve(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[token]
	if !ok {
		return Identity{}, false
	}
	now := r.now()
	if !now.Before(sess.ExpiresAt) {
		return Identity{}, false
	}
	sess.ExpiresAt = now.Add(r.ttl)
	return sess.Identity, true
}

// Valid reports whether token names a live session without extending it.
func (r *Registry) Valid(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[token]
	return ok && r.now().Before(sess.ExpiresAt)
}

// Get returns a copy of the session for token.
func (r *Registry) Get(token string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[token]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// End terminates the session for token and notifies subscribers. Ending an
// unknown token returns false and notifies nobody.
func (r *Registry) End(token string) (Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[token]
	if ok {
		delete(r.sessions, token)
	}
	subs := r.onEnd
	r.mu.Unlock()

	if !ok {
		return Session{}, false
	}
	for _, fn := range subs {
		fn(*sess, EndLogout)
	}
	return *sess, true
}

// SessionCount returns the number of live sessions for an identity.
func (r *Registry) SessionCount(identityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, s := range r.sessions {
		if s.Identity.ID == identityID && now.Before(s.ExpiresAt) {
			n++
		}
	}
	return n
}

// Count returns the number of stored sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run reaps expired sessions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Reap removes expired sessions and notifies subscribers. It returns the
// number of sessions removed.
func (r *Registry) Reap() int {
	r.mu.Lock()
	now := r.now()
	var expired []Session
	for token, s := range r.sessions {
		if !now.Before(s.ExpiresAt) {
			expired = append(expired, *s)
			delete(r.sessions, token)
		}
	}
	subs := r.onEnd
	r.mu.Unlock()

	for _, sess := range expired {
		for _, fn := range subs {
			fn(sess, EndExpired)
		}
	}
	return len(expired)
}

func generateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
