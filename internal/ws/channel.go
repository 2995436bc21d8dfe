package ws

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/noticeboard/internal/apperr"
	"github.com/christopherjohns/noticeboard/internal/identity"
)

// State is the lifecycle state of a channel.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// transitions lists the legal next states. CLOSED is terminal.
var transitions = map[State][]State{
	StateConnecting: {StateOpen, StateClosed},
	StateOpen:       {StateClosed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CloseReason says why a channel was closed.
type CloseReason string

const (
	ReasonPeer         CloseReason = "peer"
	ReasonUnauthorized CloseReason = "unauthorized"
	ReasonSessionEnded CloseReason = "session_ended"
	ReasonIdle         CloseReason = "idle"
	ReasonSendFailure  CloseReason = "send_failure"
	ReasonShutdown     CloseReason = "shutdown"
	ReasonCapacity     CloseReason = "capacity"
)

// status maps a close reason to the WebSocket close code and text sent to
// the peer.
func (r CloseReason) status() (websocket.StatusCode, string) {
	switch r {
	case ReasonUnauthorized:
		return websocket.StatusPolicyViolation, "unauthorized"
	case ReasonSessionEnded:
		return websocket.StatusPolicyViolation, "session ended"
	case ReasonIdle:
		return websocket.StatusPolicyViolation, "idle timeout"
	case ReasonSendFailure:
		return websocket.StatusPolicyViolation, "slow consumer"
	case ReasonShutdown:
		return websocket.StatusGoingAway, "server shutting down"
	case ReasonCapacity:
		return websocket.StatusTryAgainLater, "server at capacity"
	}
	return websocket.StatusNormalClosure, ""
}

// Conn is the part of *websocket.Conn a channel writes to.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Channel is one open connection bound to a session. It satisfies
// presence.Channel.
type Channel struct {
	id       string
	conn     Conn
	identity identity.Identity
	session  string

	state    atomic.Int32
	send     chan []byte
	mgr      *ConnManager
	failures atomic.Int32
}

// NewChannel wraps conn for the identity resolved from session. A zero
// identity means the session did not resolve; the hub refuses to open it.
func NewChannel(conn Conn, id identity.Identity, session string) *Channel {
	return &Channel{
		id:       uuid.NewString(),
		conn:     conn,
		identity: id,
		session:  session,
	}
}

func (c *Channel) ID() string                  { return c.id }
func (c *Channel) Identity() identity.Identity { return c.identity }
func (c *Channel) SessionToken() string        { return c.session }
func (c *Channel) State() State                { return State(c.state.Load()) }

// Send queues payload on the channel's outbound queue. It never blocks.
func (c *Channel) Send(payload []byte) error {
	if c.State() != StateOpen || c.mgr == nil {
		return apperr.New(apperr.KindTransport, "channel is not open")
	}
	return c.mgr.deliver(c, payload)
}

// transition moves the channel to `to` if the table allows it from the
// current state. Only one caller wins a given transition.
func (c *Channel) transition(to State) (State, bool) {
	for {
		from := State(c.state.Load())
		if !canTransition(from, to) {
			return from, false
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			return from, true
		}
	}
}
