// Package ws runs the lifecycle of WebSocket channels: opening them against
// a resolved session, registering them in the presence table, and closing
// them exactly once whatever the trigger.
package ws

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/christopherjohns/noticeboard/internal/apperr"
	"github.com/christopherjohns/noticeboard/internal/broadcast"
	"github.com/christopherjohns/noticeboard/internal/identity"
	"github.com/christopherjohns/noticeboard/internal/metrics"
	"github.com/christopherjohns/noticeboard/internal/presence"
)

// SessionValidator reports whether a session token is still live.
type SessionValidator interface {
	Valid(token string) bool
}

// Hub is the channel lifecycle manager.
type Hub struct {
	table    *presence.Table
	conns    *ConnManager
	dispatch *broadcast.Dispatcher
	sessions SessionValidator
	log      zerolog.Logger
	metrics  *metrics.Metrics
	refresh  time.Duration
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSessionValidator re-checks the session after registering, so a
// channel opened while its session is being terminated does not linger.
func WithSessionValidator(v SessionValidator) HubOption {
	return func(h *Hub) { h.sessions = v }
}

// WithHubMetrics records opens, rejections and closes.
func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithRefreshInterval makes Run re-broadcast presence every d.
func WithRefreshInterval(d time.Duration) HubOption {
	return func(h *Hub) { h.refresh = d }
}

// NewHub wires the lifecycle manager over table, taking over eviction
// requests from conns.
func NewHub(table *presence.Table, conns *ConnManager, dispatch *broadcast.Dispatcher, log zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		table:    table,
		conns:    conns,
		dispatch: dispatch,
		log:      log,
	}
	for _, opt := range opts {
		opt(h)
	}
	conns.OnEvict(func(c *Channel, reason CloseReason) { h.Close(c, reason) })
	return h
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Open moves c from CONNECTING to OPEN, registers it and broadcasts the new
// presence. A channel without a resolved identity is closed with
// Unauthorized and never touches the table.
func (h *Hub) Open(c *Channel) (err error) {
	defer h.recover("open", &err)

	if c.identity.IsZero() {
		h.reject(c, ReasonUnauthorized)
		return apperr.New(apperr.KindUnauthorized, "Unauthorized access: session expired. Please, log in again.")
	}
	if err := h.conns.Add(c); err != nil {
		reason := ReasonShutdown
		if errors.Is(err, ErrAtCapacity) {
			reason = ReasonCapacity
		}
		h.reject(c, reason)
		return err
	}
	if _, ok := c.transition(StateOpen); !ok {
		h.conns.Remove(c, ReasonShutdown)
		return apperr.New(apperr.KindTransport, "channel closed while opening")
	}

	h.table.Register(c.identity, c)
	if h.sessions != nil && !h.sessions.Valid(c.session) {
		h.Close(c, ReasonSessionEnded)
		return apperr.New(apperr.KindUnauthorized, "Unauthorized access: session expired. Please, log in again.")
	}

	h.log.Info().
		Str("channel", c.id).
		Str("identity", c.identity.ID).
		Str("username", c.identity.DisplayName).
		Msg("channel opened")
	h.dispatch.Presence()
	return nil
}

// Close moves c to CLOSED. Only the first call for a channel unregisters it
// and broadcasts presence; later calls return false.
func (h *Hub) Close(c *Channel, reason CloseReason) (closed bool) {
	defer h.recover("close", nil)

	wasOpen, ok := h.release(c, reason)
	if !ok {
		return false
	}
	if wasOpen {
		h.dispatch.Presence()
	}
	return true
}

// CloseSession closes every channel opened with sess as one batch and
// broadcasts presence once if any channel closed.
func (h *Hub) CloseSession(sess identity.Session) (n int) {
	defer h.recover("close_session", nil)

	for _, ch := range h.table.ChannelsFor(presence.ForIdentity(sess.Identity.ID)) {
		c, ok := ch.(*Channel)
		if !ok || c.session != sess.Token {
			continue
		}
		if wasOpen, ok := h.release(c, ReasonSessionEnded); ok && wasOpen {
			n++
		}
	}
	if n > 0 {
		h.log.Info().Str("identity", sess.Identity.ID).Int("channels", n).Msg("session channels closed")
		h.dispatch.Presence()
	}
	return n
}

// Shutdown closes every channel with GoingAway and refuses new ones. No
// presence broadcast is sent; every admin is being disconnected too.
func (h *Hub) Shutdown() int {
	n := 0
	for _, c := range h.conns.Drain() {
		if _, ok := h.release(c, ReasonShutdown); ok {
			n++
		}
	}
	h.log.Info().Int("channels", n).Msg("hub shut down")
	return n
}

// Run re-broadcasts presence on the refresh interval until ctx is done.
// It returns immediately when no interval is configured.
func (h *Hub) Run(ctx context.Context) {
	if h.refresh <= 0 {
		return
	}
	ticker := time.NewTicker(h.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.dispatch.Presence()
		}
	}
}

// release performs the CLOSED transition and its side effects. ok is false
// when another caller already closed c.
func (h *Hub) release(c *Channel, reason CloseReason) (wasOpen, ok bool) {
	from, ok := c.transition(StateClosed)
	if !ok {
		return false, false
	}
	wasOpen = from == StateOpen
	if wasOpen {
		h.table.Unregister(c.identity.ID, c)
	}
	if !h.conns.Remove(c, reason) {
		h.conns.closeConn(c, reason)
	}
	h.metrics.ChannelClosed(string(reason))
	h.log.Info().
		Str("channel", c.id).
		Str("identity", c.identity.ID).
		Str("reason", string(reason)).
		Msg("channel closed")
	return wasOpen, true
}

func (h *Hub) reject(c *Channel, reason CloseReason) {
	c.transition(StateClosed)
	h.conns.closeConn(c, reason)
	h.metrics.ChannelRejected()
	h.log.Debug().Str("channel", c.id).Str("reason", string(reason)).Msg("channel rejected")
}

func (h *Hub) recover(event string, err *error) {
	if r := recover(); r != nil {
		h.log.Error().
			Str("event", event).
			Str("panic", fmt.Sprint(r)).
			Str("stack", string(debug.Stack())).
			Msg("lifecycle event panicked")
		if err != nil {
			*err = apperr.New(apperr.KindTransport, "internal error")
		}
	}
}
