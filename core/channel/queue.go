package channel

import (
	"sort"
	"sync"
	"time"
)

// queuedMessage is one outbound message awaiting delivery.
type queuedMessage struct {
	Message
	Attempts   int
	NextRetry  time.Time
	MaxRetries int
	seq        uint64
}

// messageQueue is the bounded outbound queue. Overflow evicts the oldest
// entry; draining order is (NextRetry ascending, insertion order), so
// fresh entries go out in the order they were queued and retried entries
// wait out their backoff.
type messageQueue struct {
	mu       sync.Mutex
	entries  []*queuedMessage
	capacity int
	seq      uint64
}

func newMessageQueue(capacity int) *messageQueue {
	return &messageQueue{capacity: capacity}
}

// enqueue adds a message, returning the evicted oldest message when the
// queue was full.
func (q *messageQueue) enqueue(msg Message, maxRetries int, now time.Time) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped *Message
	if len(q.entries) >= q.capacity {
		oldest := q.entries[0]
		q.entries = q.entries[1:]
		dropped = &oldest.Message
	}

	q.seq++
	q.entries = append(q.entries, &queuedMessage{
		Message:    msg,
		NextRetry:  now,
		MaxRetries: maxRetries,
		seq:        q.seq,
	})
	return dropped
}

// due returns entries ready for delivery, ordered by (NextRetry, seq).
func (q *messageQueue) due(now time.Time) []*queuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*queuedMessage
	for _, e := range q.entries {
		if !e.NextRetry.After(now) {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].NextRetry.Equal(due[j].NextRetry) {
			return due[i].NextRetry.Before(due[j].NextRetry)
		}
		return due[i].seq < due[j].seq
	})
	return due
}

// remove deletes a specific entry, returning whether it was present.
func (q *messageQueue) remove(target *queuedMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e == target {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// removeByID deletes the entry with the given message ID, if any.
func (q *messageQueue) removeByID(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// fail records a delivery failure with linear backoff and reports whether
// the entry exhausted its retries (in which case it is removed).
func (q *messageQueue) fail(target *queuedMessage, backoff time.Duration, now time.Time) (exhausted bool) {
	q.mu.Lock()
	target.Attempts++
	target.NextRetry = now.Add(time.Duration(target.Attempts) * backoff)
	exhausted = target.Attempts >= target.MaxRetries
	q.mu.Unlock()

	if exhausted {
		q.remove(target)
	}
	return exhausted
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
