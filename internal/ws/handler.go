package ws

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/noticeboard/internal/identity"
)

// readLimit caps inbound frames. Clients only send keepalive traffic.
const readLimit = 4096

// Authenticator resolves a session token to its identity.
type Authenticator interface {
	Resolve(token string) (identity.Identity, bool)
}

// Handler upgrades requests to channels and keeps them open until the peer
// leaves or the hub closes them.
type Handler struct {
	hub        *Hub
	auth       Authenticator
	cookieName string
	accept     websocket.AcceptOptions
	log        zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCookieName sets the session cookie read on upgrade.
func WithCookieName(name string) HandlerOption {
	return func(h *Handler) { h.cookieName = name }
}

// WithInsecureOrigins disables the same-origin check on upgrade.
func WithInsecureOrigins(ok bool) HandlerOption {
	return func(h *Handler) { h.accept.InsecureSkipVerify = ok }
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(hub *Hub, auth Authenticator, log zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:        hub,
		auth:       auth,
		cookieName: identity.DefaultCookieName,
		log:        log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the connection and runs the read loop. A missing or
// invalid session is closed with a policy violation before any payload.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &h.accept)
	if err != nil {
		h.log.Warn().Err(err).Msg("accept failed")
		return
	}
	conn.SetReadLimit(readLimit)

	token := identity.TokenFromRequest(r, h.cookieName)
	var id identity.Identity
	if token != "" {
		id, _ = h.auth.Resolve(token)
	}

	c := NewChannel(conn, id, token)
	if err := h.hub.Open(c); err != nil {
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("channel refused")
		return
	}
	defer h.hub.Close(c, ReasonPeer)

	h.readLoop(r.Context(), conn, c)
}

// readLoop discards client frames, counting them as activity. It returns
// when the socket is closed from either side.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, c *Channel) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		h.hub.conns.TouchActivity(c)
	}
}
