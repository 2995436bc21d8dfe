// Package presence tracks which identities are connected and through which
// channels.
//
// An entry exists for an identity exactly while it has at least one
// registered channel. All mutations go through one mutex that is never held
// across network I/O: senders receive copies of the channel sets.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/christopherjohns/noticeboard/internal/identity"
)

// Channel is the handle the table stores for an open connection.
type Channel interface {
	ID() string
	Send(payload []byte) error
}

// Presence is one row of a snapshot.
type Presence struct {
	IdentityID   string
	DisplayName  string
	Role         identity.Role
	Channels     int
	FirstConnect time.Time
}

// Filter selects entries for ChannelsFor.
type Filter func(identityID string, role identity.Role) bool

// All selects every entry.
func All() Filter {
	return func(string, identity.Role) bool { return true }
}

// Admins selects entries with the admin role.
func Admins() Filter {
	return func(_ string, role identity.Role) bool { return role == identity.RoleAdmin }
}

// ForIdentity selects the entry of a single identity.
func ForIdentity(id string) Filter {
	return func(identityID string, _ identity.Role) bool { return identityID == id }
}

type entry struct {
	identityID   string
	displayName  string
	role         identity.Role
	firstConnect time.Time
	channels     map[string]Channel
}

// Table maps identity IDs to their live channels.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register adds ch under id, creating the entry on first use. It returns
// false if ch was already registered.
func (t *Table) Register(id identity.Identity, ch Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id.ID]
	if !ok {
		e = &entry{
			identityID:   id.ID,
			displayName:  id.DisplayName,
			role:         id.Role,
			firstConnect: t.now(),
			channels:     make(map[string]Channel),
		}
		t.entries[id.ID] = e
	}
	if _, dup := e.channels[ch.ID()]; dup {
		return false
	}
	e.channels[ch.ID()] = ch
	return true
}

// Unregister removes ch from the entry of identityID. The entry is deleted
// when its last channel goes. Unknown identities and channels are no-ops.
func (t *Table) Unregister(identityID string, ch Channel) (removed, identityGone bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[identityID]
	if !ok {
		return false, false
	}
	if _, ok := e.channels[ch.ID()]; !ok {
		return false, false
	}
	delete(e.channels, ch.ID())
	if len(e.channels) == 0 {
		delete(t.entries, identityID)
		return true, true
	}
	return true, false
}

// Snapshot returns every entry ordered by display name, then identity ID.
func (t *Table) Snapshot() []Presence {
	t.mu.RLock()
	out := make([]Presence, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, Presence{
			IdentityID:   e.identityID,
			DisplayName:  e.displayName,
			Role:         e.role,
			Channels:     len(e.channels),
			FirstConnect: e.firstConnect,
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	return out
}

// ChannelsFor returns a copy of the channels of every entry matching f.
func (t *Table) ChannelsFor(f Filter) []Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Channel
	for _, e := range t.entries {
		if !f(e.identityID, e.role) {
			continue
		}
		for _, ch := range e.channels {
			out = append(out, ch)
		}
	}
	return out
}

// Lookup returns the presence row for one identity.
func (t *Table) Lookup(identityID string) (Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[identityID]
	if !ok {
		return Presence{}, false
	}
	return Presence{
		IdentityID:   e.identityID,
		DisplayName:  e.displayName,
		Role:         e.role,
		Channels:     len(e.channels),
		FirstConnect: e.firstConnect,
	}, true
}

// Counts returns the number of present identities and open channels.
func (t *Table) Counts() (identities, channels int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		channels += len(e.channels)
	}
	return len(t.entries), channels
}
