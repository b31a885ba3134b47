// Package channel maintains one logical bidirectional event channel to a
// collection endpoint over WebSocket: a connect/reconnect state machine,
// heartbeat liveness detection, a bounded outbound queue with retry and
// priority, and HTTP fallback activation after reconnection attempts are
// exhausted.
//
// # State Machine
//
// A channel moves through disconnected, connecting, connected,
// reconnecting, error and closed states. Reconnection uses exponential
// backoff (reconnect interval × 1.5^attempts); once the attempt budget is
// spent the channel activates the configured fallback transport instead of
// retrying further. Actual fallback delivery belongs to the batching flush
// path, not this package.
//
// # Liveness
//
// While connected, the channel sends a ping with a unique ID every
// heartbeat interval. A pong must echo the ID within the heartbeat
// timeout; consecutive misses beyond the budget mean the connection is
// silently dead and trigger exactly one proactive reconnect. Pings bypass
// the outbound queue.
//
// # Backpressure
//
// Send never blocks and never drops silently: when disconnected or on a
// write failure, retryable messages are queued. The queue is bounded;
// overflow evicts the oldest entry and reports it through EventQueueFull,
// favoring newer events over strict FIFO fairness. Queued messages are
// retried with linear backoff until acknowledged, delivered, or out of
// retries.
//
// # Error Surface
//
// Nothing here panics into or throws at the caller. Transport failures,
// delivery exhaustion and backpressure drops surface as events; Send
// returns a best-effort boolean, not a delivery guarantee.
package channel
