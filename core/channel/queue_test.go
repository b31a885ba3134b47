package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageQueueOrdering(t *testing.T) {
	t.Parallel()

	now := time.Now()
	q := newMessageQueue(10)
	q.enqueue(Message{ID: "a"}, 3, now)
	q.enqueue(Message{ID: "b"}, 3, now)
	q.enqueue(Message{ID: "c"}, 3, now)

	due := q.due(now)
	require.Len(t, due, 3)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)
	assert.Equal(t, "c", due[2].ID)
}

func TestMessageQueueOverflowEvictsOldest(t *testing.T) {
	t.Parallel()

	now := time.Now()
	q := newMessageQueue(2)
	require.Nil(t, q.enqueue(Message{ID: "a"}, 3, now))
	require.Nil(t, q.enqueue(Message{ID: "b"}, 3, now))

	dropped := q.enqueue(Message{ID: "c"}, 3, now)
	require.NotNil(t, dropped)
	assert.Equal(t, "a", dropped.ID)
	assert.Equal(t, 2, q.len())

	due := q.due(now)
	require.Len(t, due, 2)
	assert.Equal(t, "b", due[0].ID)
	assert.Equal(t, "c", due[1].ID)
}

func TestMessageQueueFailBacksOffLinearly(t *testing.T) {
	t.Parallel()

	now := time.Now()
	q := newMessageQueue(10)
	q.enqueue(Message{ID: "a"}, 3, now)
	entry := q.due(now)[0]

	assert.False(t, q.fail(entry, time.Second, now))
	assert.Equal(t, now.Add(time.Second), entry.NextRetry)
	assert.Empty(t, q.due(now))
	assert.Len(t, q.due(now.Add(time.Second)), 1)

	assert.False(t, q.fail(entry, time.Second, now))
	assert.Equal(t, now.Add(2*time.Second), entry.NextRetry)
}

func TestMessageQueueFailExhaustionRemoves(t *testing.T) {
	t.Parallel()

	now := time.Now()
	q := newMessageQueue(10)
	q.enqueue(Message{ID: "a"}, 2, now)
	entry := q.due(now)[0]

	assert.False(t, q.fail(entry, time.Second, now))
	assert.True(t, q.fail(entry, time.Second, now))
	assert.Equal(t, 0, q.len())
}

func TestMessageQueueRemoveByID(t *testing.T) {
	t.Parallel()

	now := time.Now()
	q := newMessageQueue(10)
	q.enqueue(Message{ID: "a"}, 3, now)
	q.enqueue(Message{ID: "b"}, 3, now)

	assert.True(t, q.removeByID("a"))
	assert.False(t, q.removeByID("a"))
	assert.Equal(t, 1, q.len())
}

func TestReconnectDelayCurve(t *testing.T) {
	t.Parallel()

	c := New(Config{ReconnectInterval: time.Second})
	defer c.Destroy()

	assert.Equal(t, time.Second, c.reconnectDelay(0))
	assert.Equal(t, 1500*time.Millisecond, c.reconnectDelay(1))
	assert.Equal(t, 2250*time.Millisecond, c.reconnectDelay(2))
	assert.Equal(t, 3375*time.Millisecond, c.reconnectDelay(3))
}

func TestDataString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "x", dataString(map[string]any{"pingId": "x"}, "pingId"))
	assert.Empty(t, dataString(map[string]any{"pingId": 7}, "pingId"))
	assert.Empty(t, dataString("not a map", "pingId"))
	assert.Empty(t, dataString(nil, "pingId"))
}

func TestHandleMessageAckClearsQueue(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	defer c.Destroy()

	c.enqueue(Message{ID: "m1", Retry: true})
	require.Equal(t, 1, c.QueueLen())

	c.handleMessage(Message{Type: TypeAck, Data: map[string]any{"messageId": "m1"}})
	assert.Equal(t, 0, c.QueueLen())
}

func TestStampFillsIdentityAndSessionContext(t *testing.T) {
	t.Parallel()

	c := New(Config{}, WithSessionContext(func() (string, string) {
		return "sess-1", "vis-1"
	}))
	defer c.Destroy()

	msg := Message{Type: TypeEvent}
	c.mu.Lock()
	c.stampLocked(&msg)
	c.mu.Unlock()

	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.Timestamp)
	assert.Equal(t, "sess-1", msg.SessionID)
	assert.Equal(t, "vis-1", msg.VisitorID)

	preset := Message{ID: "fixed", SessionID: "other"}
	c.mu.Lock()
	c.stampLocked(&preset)
	c.mu.Unlock()

	assert.Equal(t, "fixed", preset.ID)
	assert.Equal(t, "other", preset.SessionID)
	assert.Equal(t, "vis-1", preset.VisitorID)
}
