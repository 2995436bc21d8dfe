package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/noticeboard/internal/apperr"
)

const (
	// DefaultSendBuffer is the number of payloads that can be queued per channel.
	DefaultSendBuffer = 16

	// DefaultFailureLimit is how many consecutive failed enqueues close a channel.
	DefaultFailureLimit = 3

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var (
	ErrShuttingDown = apperr.New(apperr.KindTransport, "server shutting down")
	ErrAtCapacity   = apperr.New(apperr.KindTransport, "server at capacity")
	ErrQueueFull    = apperr.New(apperr.KindTransport, "send buffer full")
)

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	WriteFailures   int64 `json:"write_failures"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// EvictFunc is called when the transport wants a channel closed: it went
// idle, or sends to it kept failing.
type EvictFunc func(c *Channel, reason CloseReason)

// ConnManager owns the transport side of channels: the outbound queue and
// write pump of each one, the connection limit and idle detection. Closing
// a channel for lifecycle reasons goes through the hub, which calls Remove.
type ConnManager struct {
	mu           sync.Mutex
	clients      map[*Channel]*connEntry
	closed       bool
	maxConns     int
	idleTTL      time.Duration
	idleCheck    time.Duration
	sendBuffer   int
	failureLimit int
	stopIdle     context.CancelFunc
	evict        EvictFunc
	log          zerolog.Logger

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	writeFailures   atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent channels.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a channel can go without client traffic
// before it is evicted. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithSendBuffer sets the per-channel queue length.
func WithSendBuffer(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		if n > 0 {
			cm.sendBuffer = n
		}
	}
}

// WithFailureLimit sets how many consecutive failed enqueues evict a
// channel. A value of 0 never evicts for queue overflow.
func WithFailureLimit(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.failureLimit = n
	}
}

// WithConnLogger sets the logger.
func WithConnLogger(l zerolog.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.log = l
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:      make(map[*Channel]*connEntry),
		idleCheck:    idleCheckInterval,
		sendBuffer:   DefaultSendBuffer,
		failureLimit: DefaultFailureLimit,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		if cm.idleTTL < cm.idleCheck {
			cm.idleCheck = cm.idleTTL
		}
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// OnEvict sets the function called when the transport gives up on a channel.
func (cm *ConnManager) OnEvict(fn EvictFunc) {
	cm.mu.Lock()
	cm.evict = fn
	cm.mu.Unlock()
}

// Add takes ownership of c's transport and starts its write pump. It fails
// when the manager is draining or at capacity; the caller closes the
// socket in that case.
func (cm *ConnManager) Add(c *Channel) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrShuttingDown
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		return ErrAtCapacity
	}

	now := time.Now()
	c.send = make(chan []byte, cm.sendBuffer)
	c.mgr = cm
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}

	go cm.writePump(ctx, c)
	return nil
}

// Remove stops c's write pump and closes its socket with the status for
// reason. Removing an unknown channel is a no-op.
func (cm *ConnManager) Remove(c *Channel, reason CloseReason) bool {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if !ok {
		return false
	}
	entry.cancel()
	cm.closeConn(c, reason)
	return true
}

// closeConn sends the close frame off the caller's goroutine; the close
// handshake can take up to the peer's response time.
func (cm *ConnManager) closeConn(c *Channel, reason CloseReason) {
	if c.conn == nil {
		return
	}
	code, text := reason.status()
	go func() {
		if err := c.conn.Close(code, text); err != nil {
			cm.log.Debug().Err(err).Str("channel", c.id).Msg("close handshake")
		}
	}()
}

// deliver queues data for c without blocking. A full queue drops the
// payload and counts a failure.
func (cm *ConnManager) deliver(c *Channel, data []byte) error {
	select {
	case c.send <- data:
		c.failures.Store(0)
		return nil
	default:
	}

	cm.droppedMessages.Add(1)
	n := int(c.failures.Add(1))
	cm.log.Warn().
		Str("channel", c.id).
		Str("identity", c.identity.ID).
		Int("consecutive", n).
		Msg("send buffer full, dropping payload")
	if cm.failureLimit > 0 && n == cm.failureLimit {
		go cm.fireEvict(c, ReasonSendFailure)
	}
	return ErrQueueFull
}

func (cm *ConnManager) fireEvict(c *Channel, reason CloseReason) {
	cm.mu.Lock()
	fn := cm.evict
	cm.mu.Unlock()
	if fn != nil {
		fn(c, reason)
		return
	}
	cm.Remove(c, reason)
}

// TouchActivity updates the last-active timestamp for a channel.
// Call this when a client sends a message to prevent idle reaping.
func (cm *ConnManager) TouchActivity(c *Channel) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active channels.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		WriteFailures:   cm.writeFailures.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// Drain stops accepting channels and returns the ones still held, so the
// hub can close each through the lifecycle.
func (cm *ConnManager) Drain() []*Channel {
	cm.mu.Lock()
	cm.closed = true
	out := make([]*Channel, 0, len(cm.clients))
	for c := range cm.clients {
		out = append(out, c)
	}
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}
	return out
}

// idleReapLoop periodically checks for and evicts idle channels.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(cm.idleCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle evicts channels that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() int {
	cm.mu.Lock()
	now := time.Now()
	var stale []*Channel
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale = append(stale, c)
		}
	}
	cm.mu.Unlock()

	for _, c := range stale {
		cm.idleReaped.Add(1)
		cm.log.Info().Str("channel", c.id).Str("identity", c.identity.ID).Msg("reaping idle channel")
		cm.fireEvict(c, ReasonIdle)
	}
	return len(stale)
}

// writePump drains the channel's queue, writing each payload to the
// socket. It exits when ctx is cancelled or a write fails.
func (cm *ConnManager) writePump(ctx context.Context, c *Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				cm.writeFailures.Add(1)
				cm.log.Warn().Err(err).Str("channel", c.id).Str("identity", c.identity.ID).Msg("write failed")
				cm.fireEvict(c, ReasonSendFailure)
				return
			}
		}
	}
}
