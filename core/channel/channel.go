package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Channel is one logical bidirectional event channel to a collection
// endpoint. All methods are safe for concurrent use; errors surface as
// events, never as panics.
type Channel struct {
	cfg        Config
	dialer     *websocket.Dialer
	logger     *slog.Logger
	clock      func() time.Time
	sessionCtx func() (sessionID, visitorID string)

	mu               sync.Mutex
	conn             *websocket.Conn
	connGen          int
	state            State
	pendingPings     map[string]time.Time
	missedHeartbeats int
	reconnectTimer   *time.Timer
	fallbackActive   bool
	destroyed        bool

	queue   *messageQueue
	metrics *Metrics

	listeners    map[int]func(Event)
	nextListener int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a channel with the given configuration. The retry processor
// starts immediately; the channel stays disconnected until Connect.
func New(cfg Config, opts ...Option) *Channel {
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:          cfg,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:        time.Now,
		state:        State{Status: StatusDisconnected, URL: cfg.URL},
		pendingPings: make(map[string]time.Time),
		queue:        newMessageQueue(cfg.QueueSize),
		metrics:      newMetrics(),
		listeners:    make(map[int]func(Event)),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dialer = &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}

	c.wg.Add(1)
	go c.processorLoop()
	return c
}

// State returns a snapshot of the connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns the channel's cumulative counters.
func (c *Channel) Metrics() *Metrics {
	return c.metrics
}

// QueueLen returns the number of messages awaiting delivery.
func (c *Channel) QueueLen() int {
	return c.queue.len()
}

// Subscribe registers a listener for channel events. Listener panics are
// recovered so one listener cannot break the others. The returned
// function cancels the subscription.
func (c *Channel) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Connect opens the channel to url (or the configured URL when empty).
// Connecting to the URL the channel is already connected to is a no-op.
// The open handshake is bounded by the configured connect timeout; on
// timeout or failure the half-open attempt is aborted and the state is
// never left at connecting.
func (c *Channel) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if url == "" {
		url = c.cfg.URL
	}
	if url == "" {
		c.mu.Unlock()
		return ErrMissingURL
	}
	if c.state.Status == StatusConnected && c.state.URL == url {
		c.mu.Unlock()
		return nil
	}
	c.teardownConnLocked()
	c.state.Status = StatusConnecting
	c.state.URL = url
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.state.Status = StatusError
		c.state.LastError = err
		c.mu.Unlock()
		c.metrics.recordError()
		c.emit(Event{Type: EventError, Err: err})
		return errors.Join(ErrConnectFailed, err)
	}

	c.onOpen(conn)
	return nil
}

// Send stamps the message with its ID, timestamp and session context and
// writes it immediately when connected. On a write failure or while
// disconnected, retryable messages are queued instead of dropped. The
// boolean reports immediate delivery, not acknowledgement.
func (c *Channel) Send(msg Message) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	c.stampLocked(&msg)

	if c.state.Status == StatusConnected && c.conn != nil {
		err := c.writeLocked(msg)
		if err == nil {
			c.mu.Unlock()
			c.metrics.recordSent(c.clock())
			return true
		}
		c.state.LastError = err
		c.mu.Unlock()
		c.metrics.recordError()
		c.emit(Event{Type: EventError, Err: err})
		c.enqueue(msg)
		return false
	}
	c.mu.Unlock()

	c.enqueue(msg)
	return false
}

// Ack removes the queued message with the given ID, if present. Inbound
// ack frames route here; the batching fallback path may also call it for
// messages it delivered over HTTP.
func (c *Channel) Ack(messageID string) bool {
	return c.queue.removeByID(messageID)
}

// Disconnect closes the connection with a normal-closure frame and stops
// any scheduled reconnection. The channel can be reconnected afterwards.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.cancelReconnectLocked()
	c.teardownConnLocked()
	if c.state.Status != StatusClosed {
		c.state.Status = StatusDisconnected
		c.state.DisconnectedAt = c.clock()
	}
	c.mu.Unlock()
	c.metrics.recordDisconnected()
}

// Destroy tears the channel down for good: the connection is closed, all
// timers stop, and no further reconnection or sends happen. Idempotent.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.cancelReconnectLocked()
	c.teardownConnLocked()
	c.state.Status = StatusClosed
	c.state.DisconnectedAt = c.clock()
	c.listeners = make(map[int]func(Event))
	c.mu.Unlock()

	c.metrics.recordDisconnected()
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// onOpen installs the new connection and starts its read and heartbeat
// loops.
func (c *Channel) onOpen(conn *websocket.Conn) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	// Two dials can race here; the superseded socket must be closed so
	// its read loop unwinds instead of leaking into wg.Wait.
	c.teardownConnLocked()
	c.conn = conn
	c.connGen++
	gen := c.connGen
	now := c.clock()
	url := c.state.URL
	c.state.Status = StatusConnected
	c.state.ConnectedAt = now
	c.state.DisconnectedAt = time.Time{}
	c.state.LastError = nil
	c.state.ReconnectAttempts = 0
	c.missedHeartbeats = 0
	c.fallbackActive = false
	c.pendingPings = make(map[string]time.Time)
	c.mu.Unlock()

	c.metrics.recordConnected(now)
	c.logger.Debug("channel connected", slog.String("url", url))

	c.wg.Add(2)
	go c.readLoop(conn, gen)
	go c.heartbeatLoop(gen)

	c.flushQueue()
	c.emit(Event{Type: EventOpen})
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("channel: dropping malformed inbound frame", slog.Any("error", err))
			continue
		}
		c.handleMessage(msg)
	}
}

// handleMessage routes one inbound message: pongs feed liveness and
// latency, acks clear queue entries, everything else goes to listeners.
func (c *Channel) handleMessage(msg Message) {
	c.metrics.recordReceived(c.clock())

	switch msg.Type {
	case TypeHeartbeat:
		c.handlePong(dataString(msg.Data, "pingId"))
	case TypeAck:
		if id := dataString(msg.Data, "messageId"); id != "" {
			c.Ack(id)
		}
	default:
		c.emit(Event{Type: EventMessage, Message: &msg})
	}
}

func (c *Channel) handlePong(pingID string) {
	if pingID == "" {
		return
	}
	c.mu.Lock()
	sentAt, ok := c.pendingPings[pingID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pendingPings, pingID)
	c.missedHeartbeats = 0
	latency := c.clock().Sub(sentAt)
	c.state.Latency = latency
	c.mu.Unlock()

	c.metrics.observeLatency(latency)
}

// heartbeatLoop sends a ping with a unique ID every heartbeat interval
// while its connection generation is current. Pings bypass the queue.
func (c *Channel) heartbeatLoop(gen int) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendPing(gen) {
				return
			}
		}
	}
}

// sendPing writes one heartbeat and arms its timeout. Returns false when
// the loop's connection is gone.
func (c *Channel) sendPing(gen int) bool {
	c.mu.Lock()
	if c.destroyed || c.connGen != gen || c.conn == nil || c.state.Status != StatusConnected {
		c.mu.Unlock()
		return false
	}

	pingID := uuid.NewString()
	now := c.clock()
	msg := Message{
		Type:     TypeHeartbeat,
		Priority: PriorityCritical,
		Data: map[string]any{
			"pingId":    pingID,
			"timestamp": now.UnixMilli(),
		},
	}
	c.stampLocked(&msg)

	if err := c.writeLocked(msg); err != nil {
		c.mu.Unlock()
		c.logger.Debug("channel: heartbeat write failed", slog.Any("error", err))
		return true
	}
	c.pendingPings[pingID] = now
	c.mu.Unlock()

	c.metrics.recordSent(now)
	time.AfterFunc(c.cfg.HeartbeatTimeout, func() { c.expirePing(pingID, gen) })
	return true
}

// expirePing counts a missed heartbeat when its pong never arrived; past
// the miss budget the connection is treated as silently dead and closed,
// which triggers exactly one reconnect through the read loop.
func (c *Channel) expirePing(pingID string, gen int) {
	c.mu.Lock()
	if c.destroyed || c.connGen != gen {
		c.mu.Unlock()
		return
	}
	if _, pending := c.pendingPings[pingID]; !pending {
		c.mu.Unlock()
		return
	}
	delete(c.pendingPings, pingID)
	c.missedHeartbeats++
	dead := c.missedHeartbeats >= c.cfg.MaxMissedHeartbeats
	var conn *websocket.Conn
	if dead {
		c.missedHeartbeats = 0
		conn = c.conn
	}
	c.mu.Unlock()

	if dead && conn != nil {
		c.logger.Debug("channel: heartbeat budget exhausted, forcing reconnect")
		_ = conn.Close()
	}
}

// handleDisconnect reacts to a read failure on the current connection.
func (c *Channel) handleDisconnect(gen int, err error) {
	c.mu.Lock()
	if c.destroyed || c.connGen != gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	wasConnected := c.state.Status == StatusConnected
	c.state.Status = StatusDisconnected
	c.state.DisconnectedAt = c.clock()
	c.state.LastError = err
	c.pendingPings = make(map[string]time.Time)
	shouldReconnect := c.cfg.Reconnect && wasConnected
	c.mu.Unlock()

	c.metrics.recordDisconnected()
	c.emit(Event{Type: EventClosed, Err: err})
	if shouldReconnect {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the next reconnection attempt with exponential
// backoff, or activates the fallback once the attempt budget is spent.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.destroyed || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	attempts := c.state.ReconnectAttempts
	if attempts >= c.cfg.MaxReconnectAttempts {
		if c.cfg.Fallback != nil && !c.fallbackActive {
			c.fallbackActive = true
			fallback := c.cfg.Fallback
			c.mu.Unlock()
			c.logger.Debug("channel: reconnect budget spent, activating fallback", slog.String("url", fallback.URL))
			c.emit(Event{Type: EventFallbackActivated, Fallback: fallback})
			return
		}
		c.state.Status = StatusError
		c.mu.Unlock()
		return
	}

	delay := c.reconnectDelay(attempts)
	c.state.Status = StatusReconnecting
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
	c.mu.Unlock()

	c.emit(Event{Type: EventReconnecting, Attempt: attempts + 1, Delay: delay})
}

func (c *Channel) attemptReconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.state.ReconnectAttempts++
	url := c.state.URL
	c.mu.Unlock()

	c.metrics.recordReconnection()
	if err := c.Connect(context.Background(), url); err != nil {
		c.scheduleReconnect()
	}
}

// reconnectDelay computes the backoff before the next attempt:
// reconnect interval × 1.5^attempts.
func (c *Channel) reconnectDelay(attempts int) time.Duration {
	return time.Duration(float64(c.cfg.ReconnectInterval) * math.Pow(1.5, float64(attempts)))
}

// processorLoop periodically re-attempts queued messages.
func (c *Channel) processorLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.QueueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.flushQueue()
		}
	}
}

// flushQueue drains due entries in (retry deadline, insertion) order.
// Failed writes reschedule with linear backoff until retries run out.
func (c *Channel) flushQueue() {
	now := c.clock()
	for _, entry := range c.queue.due(now) {
		c.mu.Lock()
		if c.destroyed || c.state.Status != StatusConnected || c.conn == nil {
			c.mu.Unlock()
			return
		}
		err := c.writeLocked(entry.Message)
		c.mu.Unlock()

		if err == nil {
			c.queue.remove(entry)
			c.metrics.recordSent(now)
			continue
		}

		c.metrics.recordError()
		if c.queue.fail(entry, c.cfg.RetryBackoff, now) {
			failed := entry.Message
			c.logger.Debug("channel: message exhausted retries", slog.String("id", failed.ID))
			c.emit(Event{Type: EventMessageFailed, Message: &failed, Err: err})
		}
	}
}

// enqueue adds a retryable message to the bounded queue, reporting the
// overflow eviction when one happens.
func (c *Channel) enqueue(msg Message) {
	if !msg.Retry {
		return
	}
	if dropped := c.queue.enqueue(msg, c.cfg.MaxRetries, c.clock()); dropped != nil {
		c.logger.Debug("channel: queue full, dropping oldest", slog.String("id", dropped.ID))
		c.emit(Event{Type: EventQueueFull, Message: dropped})
	}
}

// stampLocked fills in message identity and session context.
func (c *Channel) stampLocked(msg *Message) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = c.clock().UnixMilli()
	}
	if c.sessionCtx != nil && (msg.SessionID == "" || msg.VisitorID == "") {
		sessionID, visitorID := c.sessionCtx()
		if msg.SessionID == "" {
			msg.SessionID = sessionID
		}
		if msg.VisitorID == "" {
			msg.VisitorID = visitorID
		}
	}
}

// writeLocked writes one message on the current connection; callers must
// hold c.mu.
func (c *Channel) writeLocked(msg Message) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(c.clock().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(msg)
}

// cancelReconnectLocked stops any pending reconnection attempt; callers
// must hold c.mu.
func (c *Channel) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state.ReconnectAttempts = 0
}

// teardownConnLocked closes any existing connection with a normal-closure
// frame and invalidates its loops; callers must hold c.mu.
func (c *Channel) teardownConnLocked() {
	if c.conn == nil {
		return
	}
	c.connGen++
	deadline := c.clock().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
	c.conn = nil
	c.pendingPings = make(map[string]time.Time)
}

// emit fans an event out to subscribers, isolating listener panics.
func (c *Channel) emit(e Event) {
	c.mu.Lock()
	listeners := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("channel: event listener panicked", slog.Any("panic", r))
				}
			}()
			fn(e)
		}()
	}
}
