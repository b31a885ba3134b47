package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencySmoothing is the exponential moving average weight for new
// latency samples.
const latencySmoothing = 0.2

// Metrics holds cumulative channel counters. All counters are monotonic;
// uptime is recomputed from the connect timestamp.
type Metrics struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	reconnections    atomic.Int64
	errors           atomic.Int64

	mu             sync.Mutex
	averageLatency time.Duration
	lastActivity   time.Time
	connectedAt    time.Time
}

// MetricsSnapshot is a point-in-time copy of the channel counters.
type MetricsSnapshot struct {
	MessagesSent     int64
	MessagesReceived int64
	Reconnections    int64
	Errors           int64
	AverageLatency   time.Duration
	Uptime           time.Duration
	LastActivity     time.Time
}

func newMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot returns the current counter values as of now.
func (m *Metrics) Snapshot(now time.Time) MetricsSnapshot {
	m.mu.Lock()
	avg := m.averageLatency
	last := m.lastActivity
	connectedAt := m.connectedAt
	m.mu.Unlock()

	var uptime time.Duration
	if !connectedAt.IsZero() {
		uptime = now.Sub(connectedAt)
	}

	return MetricsSnapshot{
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesReceived.Load(),
		Reconnections:    m.reconnections.Load(),
		Errors:           m.errors.Load(),
		AverageLatency:   avg,
		Uptime:           uptime,
		LastActivity:     last,
	}
}

func (m *Metrics) recordSent(now time.Time) {
	m.messagesSent.Add(1)
	m.touch(now)
}

func (m *Metrics) recordReceived(now time.Time) {
	m.messagesReceived.Add(1)
	m.touch(now)
}

func (m *Metrics) recordError() {
	m.errors.Add(1)
}

func (m *Metrics) recordReconnection() {
	m.reconnections.Add(1)
}

func (m *Metrics) recordConnected(now time.Time) {
	m.mu.Lock()
	m.connectedAt = now
	m.mu.Unlock()
}

func (m *Metrics) recordDisconnected() {
	m.mu.Lock()
	m.connectedAt = time.Time{}
	m.mu.Unlock()
}

// observeLatency folds a heartbeat round-trip sample into the moving
// average.
func (m *Metrics) observeLatency(sample time.Duration) {
	m.mu.Lock()
	if m.averageLatency == 0 {
		m.averageLatency = sample
	} else {
		m.averageLatency = time.Duration(float64(m.averageLatency)*(1-latencySmoothing) + float64(sample)*latencySmoothing)
	}
	m.mu.Unlock()
}

func (m *Metrics) touch(now time.Time) {
	m.mu.Lock()
	m.lastActivity = now
	m.mu.Unlock()
}

// Collector adapts the metrics to a prometheus.Collector so the embedding
// application can register channel health with its own registry.
func (m *Metrics) Collector() prometheus.Collector {
	return &metricsCollector{metrics: m}
}

type metricsCollector struct {
	metrics *Metrics
}

var (
	descMessagesSent = prometheus.NewDesc(
		"beacon_channel_messages_sent_total",
		"Messages successfully written to the event channel.",
		nil, nil,
	)
	descMessagesReceived = prometheus.NewDesc(
		"beacon_channel_messages_received_total",
		"Messages received from the event channel.",
		nil, nil,
	)
	descReconnections = prometheus.NewDesc(
		"beacon_channel_reconnections_total",
		"Reconnection attempts made by the event channel.",
		nil, nil,
	)
	descErrors = prometheus.NewDesc(
		"beacon_channel_errors_total",
		"Transport errors observed on the event channel.",
		nil, nil,
	)
	descLatency = prometheus.NewDesc(
		"beacon_channel_latency_seconds",
		"Exponential moving average of heartbeat round-trip latency.",
		nil, nil,
	)
	descUptime = prometheus.NewDesc(
		"beacon_channel_uptime_seconds",
		"Time since the current connection was established.",
		nil, nil,
	)
)

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descMessagesSent
	ch <- descMessagesReceived
	ch <- descReconnections
	ch <- descErrors
	ch <- descLatency
	ch <- descUptime
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot(time.Now())
	ch <- prometheus.MustNewConstMetric(descMessagesSent, prometheus.CounterValue, float64(snap.MessagesSent))
	ch <- prometheus.MustNewConstMetric(descMessagesReceived, prometheus.CounterValue, float64(snap.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(descReconnections, prometheus.CounterValue, float64(snap.Reconnections))
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(snap.Errors))
	ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, snap.AverageLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(descUptime, prometheus.GaugeValue, snap.Uptime.Seconds())
}
