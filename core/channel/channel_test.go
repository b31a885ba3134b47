package channel_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightlab/beacon/core/channel"
)

// wsServer is a collection endpoint test double. It records every inbound
// message and can answer heartbeats or drop connections on demand.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []channel.Message
	conns    []*websocket.Conn

	answerPings bool
	dropAfter   int // close the first N connections right after upgrade
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{answerPings: true}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.close)
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.dropAfter > 0 {
		s.dropAfter--
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg channel.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		answer := s.answerPings
		s.mu.Unlock()

		if answer && msg.Type == channel.TypeHeartbeat {
			pong := channel.Message{
				Type: channel.TypeHeartbeat,
				Data: map[string]any{"pingId": pingID(msg)},
			}
			_ = conn.WriteJSON(pong)
		}
	}
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) messages() []channel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]channel.Message, len(s.received))
	copy(out, s.received)
	return out
}

// events returns received messages that are not heartbeats.
func (s *wsServer) events() []channel.Message {
	var out []channel.Message
	for _, m := range s.messages() {
		if m.Type != channel.TypeHeartbeat {
			out = append(out, m)
		}
	}
	return out
}

func (s *wsServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *wsServer) close() {
	s.dropConnections()
	s.srv.Close()
}

func pingID(msg channel.Message) string {
	m, ok := msg.Data.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["pingId"].(string)
	return id
}

// recorder collects channel events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []channel.Event
}

func (r *recorder) record(e channel.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(typ channel.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) first(typ channel.EventType) (channel.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return e, true
		}
	}
	return channel.Event{}, false
}

func TestChannelSendWhileConnected(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{URL: srv.url()}, channel.WithSessionContext(func() (string, string) {
		return "sess-1", "vis-1"
	}))
	defer ch.Destroy()

	require.NoError(t, ch.Connect(context.Background(), ""))
	assert.Equal(t, channel.StatusConnected, ch.State().Status)

	ok := ch.Send(channel.Message{Type: channel.TypeEvent, Data: map[string]any{"name": "page_view"}})
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		return len(srv.events()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := srv.events()[0]
	assert.NotEmpty(t, got.ID)
	assert.NotZero(t, got.Timestamp)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "vis-1", got.VisitorID)
}

func TestChannelConnectIdempotent(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{URL: srv.url()})
	defer ch.Destroy()

	require.NoError(t, ch.Connect(context.Background(), ""))
	connectedAt := ch.State().ConnectedAt
	require.NoError(t, ch.Connect(context.Background(), ""))
	assert.Equal(t, connectedAt, ch.State().ConnectedAt)
}

func TestChannelQueuesWhileDisconnected(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{URL: srv.url(), QueueInterval: 20 * time.Millisecond})
	defer ch.Destroy()

	for _, id := range []string{"m1", "m2", "m3"} {
		ok := ch.Send(channel.Message{ID: id, Type: channel.TypeEvent, Retry: true})
		assert.False(t, ok)
	}
	require.Equal(t, 3, ch.QueueLen())

	require.NoError(t, ch.Connect(context.Background(), ""))

	assert.Eventually(t, func() bool {
		return len(srv.events()) == 3 && ch.QueueLen() == 0
	}, 2*time.Second, 10*time.Millisecond)

	events := srv.events()
	assert.Equal(t, "m1", events[0].ID)
	assert.Equal(t, "m2", events[1].ID)
	assert.Equal(t, "m3", events[2].ID)
}

func TestChannelNonRetryableMessageIsDropped(t *testing.T) {
	t.Parallel()

	ch := channel.New(channel.Config{URL: "ws://127.0.0.1:1/ws"})
	defer ch.Destroy()

	ok := ch.Send(channel.Message{Type: channel.TypeEvent})
	assert.False(t, ok)
	assert.Equal(t, 0, ch.QueueLen())
}

func TestChannelQueueOverflowEvictsOldest(t *testing.T) {
	t.Parallel()

	ch := channel.New(channel.Config{URL: "ws://127.0.0.1:1/ws", QueueSize: 2})
	defer ch.Destroy()

	rec := &recorder{}
	cancel := ch.Subscribe(rec.record)
	defer cancel()

	for _, id := range []string{"m1", "m2", "m3"} {
		ch.Send(channel.Message{ID: id, Type: channel.TypeEvent, Retry: true})
	}

	assert.Equal(t, 2, ch.QueueLen())
	dropped, ok := rec.first(channel.EventQueueFull)
	require.True(t, ok)
	require.NotNil(t, dropped.Message)
	assert.Equal(t, "m1", dropped.Message.ID)
}

func TestChannelAutoReconnect(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{
		URL:               srv.url(),
		Reconnect:         true,
		ReconnectInterval: 20 * time.Millisecond,
	})
	defer ch.Destroy()

	rec := &recorder{}
	cancel := ch.Subscribe(rec.record)
	defer cancel()

	require.NoError(t, ch.Connect(context.Background(), ""))
	srv.dropConnections()

	assert.Eventually(t, func() bool {
		return rec.count(channel.EventClosed) >= 1 &&
			rec.count(channel.EventReconnecting) >= 1 &&
			rec.count(channel.EventOpen) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, channel.StatusConnected, ch.State().Status)
}

func TestChannelFallbackActivation(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{
		URL:                  srv.url(),
		Reconnect:            true,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
		Fallback:             &channel.Fallback{URL: "https://collect.example.com/batch", RetryInterval: time.Second},
	})
	defer ch.Destroy()

	rec := &recorder{}
	cancel := ch.Subscribe(rec.record)
	defer cancel()

	require.NoError(t, ch.Connect(context.Background(), ""))
	srv.close()

	assert.Eventually(t, func() bool {
		return rec.count(channel.EventFallbackActivated) == 1
	}, 3*time.Second, 10*time.Millisecond)

	fb, ok := rec.first(channel.EventFallbackActivated)
	require.True(t, ok)
	require.NotNil(t, fb.Fallback)
	assert.Equal(t, "https://collect.example.com/batch", fb.Fallback.URL)
	assert.GreaterOrEqual(t, rec.count(channel.EventReconnecting), 2)
}

func TestChannelConnectTimeout(t *testing.T) {
	t.Parallel()

	// A listener that accepts but never answers the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	ch := channel.New(channel.Config{ConnectTimeout: 100 * time.Millisecond})
	defer ch.Destroy()

	start := time.Now()
	err = ch.Connect(context.Background(), "ws://"+ln.Addr().String()+"/ws")
	require.ErrorIs(t, err, channel.ErrConnectFailed)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, channel.StatusError, ch.State().Status)
}

func TestChannelHeartbeatKeepsConnectionAlive(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{
		URL:                 srv.url(),
		HeartbeatInterval:   30 * time.Millisecond,
		HeartbeatTimeout:    200 * time.Millisecond,
		MaxMissedHeartbeats: 1,
	})
	defer ch.Destroy()

	require.NoError(t, ch.Connect(context.Background(), ""))

	assert.Eventually(t, func() bool {
		return ch.State().Latency > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, channel.StatusConnected, ch.State().Status)
}

func TestChannelMissedHeartbeatsForceReconnect(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	srv.mu.Lock()
	srv.answerPings = false
	srv.mu.Unlock()

	ch := channel.New(channel.Config{
		URL:                 srv.url(),
		Reconnect:           true,
		ReconnectInterval:   20 * time.Millisecond,
		HeartbeatInterval:   20 * time.Millisecond,
		HeartbeatTimeout:    20 * time.Millisecond,
		MaxMissedHeartbeats: 2,
	})
	defer ch.Destroy()

	rec := &recorder{}
	cancel := ch.Subscribe(rec.record)
	defer cancel()

	require.NoError(t, ch.Connect(context.Background(), ""))

	assert.Eventually(t, func() bool {
		return rec.count(channel.EventClosed) >= 1 && rec.count(channel.EventOpen) >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestChannelInboundMessageReachesListeners(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{URL: srv.url()})
	defer ch.Destroy()

	rec := &recorder{}
	cancel := ch.Subscribe(rec.record)
	defer cancel()

	require.NoError(t, ch.Connect(context.Background(), ""))

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)
	srv.mu.Lock()
	conn := srv.conns[0]
	srv.mu.Unlock()
	require.NoError(t, conn.WriteJSON(channel.Message{
		Type: channel.TypeCommand,
		Data: map[string]any{"action": "reload"},
	}))

	assert.Eventually(t, func() bool {
		return rec.count(channel.EventMessage) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg, ok := rec.first(channel.EventMessage)
	require.True(t, ok)
	require.NotNil(t, msg.Message)
	assert.Equal(t, channel.TypeCommand, msg.Message.Type)
}

func TestChannelListenerPanicIsolated(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{URL: srv.url()})
	defer ch.Destroy()

	var mu sync.Mutex
	var got []channel.EventType
	cancelBad := ch.Subscribe(func(channel.Event) { panic("boom") })
	defer cancelBad()
	cancelGood := ch.Subscribe(func(e channel.Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})
	defer cancelGood()

	require.NoError(t, ch.Connect(context.Background(), ""))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelDisconnectStopsReconnection(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{
		URL:               srv.url(),
		Reconnect:         true,
		ReconnectInterval: 20 * time.Millisecond,
	})
	defer ch.Destroy()

	require.NoError(t, ch.Connect(context.Background(), ""))
	ch.Disconnect()

	assert.Equal(t, channel.StatusDisconnected, ch.State().Status)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, channel.StatusDisconnected, ch.State().Status)
}

func TestChannelDestroy(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{URL: srv.url()})
	require.NoError(t, ch.Connect(context.Background(), ""))

	ch.Destroy()
	ch.Destroy()

	assert.Equal(t, channel.StatusClosed, ch.State().Status)
	assert.False(t, ch.Send(channel.Message{Type: channel.TypeEvent, Retry: true}))
	assert.ErrorIs(t, ch.Connect(context.Background(), ""), channel.ErrDestroyed)
}

func TestChannelMetrics(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	ch := channel.New(channel.Config{URL: srv.url()})
	defer ch.Destroy()

	require.NoError(t, ch.Connect(context.Background(), ""))
	require.True(t, ch.Send(channel.Message{Type: channel.TypeEvent}))

	assert.Eventually(t, func() bool {
		snap := ch.Metrics().Snapshot(time.Now())
		return snap.MessagesSent >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
