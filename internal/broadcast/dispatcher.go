// Package broadcast fans presence updates and notifications out to channels
// selected from the presence table.
package broadcast

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/christopherjohns/noticeboard/internal/metrics"
	"github.com/christopherjohns/noticeboard/internal/notification"
	"github.com/christopherjohns/noticeboard/internal/presence"
)

const (
	TypeUsers        = "users"
	TypeNotification = "notification"
)

// UserPayload is one row of a presence update.
type UserPayload struct {
	Username     string `json:"username"`
	Role         string `json:"role"`
	Count        int    `json:"count"`
	SessionCount int    `json:"session_count"`
}

// PresencePayload is pushed to admin channels when presence changes.
type PresencePayload struct {
	Type  string        `json:"type"`
	Users []UserPayload `json:"users"`
}

// NotificationPayload is pushed to every channel for a new notification.
type NotificationPayload struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
}

// SessionCounter reports live sessions per identity.
type SessionCounter interface {
	SessionCount(identityID string) int
}

// Dispatcher selects targets from the table and queues payloads on them.
// It never returns errors to the caller; failed sends are logged and counted.
type Dispatcher struct {
	table    *presence.Table
	sessions SessionCounter
	log      zerolog.Logger
	metrics  *metrics.Metrics

	presenceMu sync.Mutex
	notifyMu   sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSessions fills session_count in presence updates.
func WithSessions(s SessionCounter) Option {
	return func(d *Dispatcher) { d.sessions = s }
}

// WithMetrics records broadcast outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher over table.
func New(table *presence.Table, log zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{table: table, log: log}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Users builds the current presence payload.
func (d *Dispatcher) Users() PresencePayload {
	snap := d.table.Snapshot()
	users := make([]UserPayload, 0, len(snap))
	for _, p := range snap {
		u := UserPayload{
			Username: p.DisplayName,
			Role:     string(p.Role),
			Count:    p.Channels,
		}
		if d.sessions != nil {
			u.SessionCount = d.sessions.SessionCount(p.IdentityID)
		}
		users = append(users, u)
	}
	return PresencePayload{Type: TypeUsers, Users: users}
}

// Presence pushes the presence snapshot to every admin channel. The
// snapshot is taken under the same lock as the enqueue, so the last payload
// a channel receives reflects the latest table state.
func (d *Dispatcher) Presence() {
	defer d.recover(TypeUsers)

	d.presenceMu.Lock()
	defer d.presenceMu.Unlock()

	targets := d.table.ChannelsFor(presence.Admins())
	if len(targets) == 0 {
		d.metrics.Broadcast(TypeUsers, 0, 0)
		return
	}
	data, err := json.Marshal(d.Users())
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal presence payload")
		return
	}
	d.fanout(TypeUsers, data, targets)
}

// Notify pushes rec to every open channel. Calls are serialized so each
// channel's queue receives notifications in call order.
func (d *Dispatcher) Notify(rec notification.Record) {
	defer d.recover(TypeNotification)

	data, err := json.Marshal(NotificationPayload{
		Type:      TypeNotification,
		Content:   rec.Content,
		Username:  rec.AuthorName,
		Role:      string(rec.AuthorRole),
		Timestamp: notification.FormatTimestamp(rec.SentAt),
	})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal notification payload")
		return
	}

	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	d.fanout(TypeNotification, data, d.table.ChannelsFor(presence.All()))
}

func (d *Dispatcher) fanout(kind string, data []byte, targets []presence.Channel) {
	delivered, failed := 0, 0
	for _, ch := range targets {
		if err := ch.Send(data); err != nil {
			failed++
			d.log.Warn().Err(err).Str("kind", kind).Str("channel", ch.ID()).Msg("send failed")
			continue
		}
		delivered++
	}
	d.metrics.Broadcast(kind, delivered, failed)
	d.log.Debug().Str("kind", kind).Int("delivered", delivered).Int("failed", failed).Msg("broadcast")
}

func (d *Dispatcher) recover(kind string) {
	if r := recover(); r != nil {
		d.log.Error().
			Str("kind", kind).
			Str("panic", fmt.Sprint(r)).
			Str("stack", string(debug.Stack())).
			Msg("broadcast panicked")
	}
}
