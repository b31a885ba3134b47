// Package beacon is the client-side analytics core: it establishes a
// durable visitor identity, maintains a session across process instances,
// and delivers behavioral events to a collection endpoint over WebSocket
// with an HTTP batch fallback.
//
// The Tracker facade wires the underlying packages together:
//
//   - core/kvstore: layered persistence (Redis, file, bounded memory)
//     with cross-instance change notification
//   - core/session: session lifecycle, visitor identity, instance
//     registry, fingerprint validation
//   - core/channel: WebSocket connection management with reconnection,
//     heartbeats, and a bounded retry queue
//   - pkg/fingerprint: host environment signatures
//
// Basic usage:
//
//	tracker, err := beacon.New(beacon.Config{
//		APIURL:    "https://collect.example.com",
//		ProjectID: "proj-123",
//		WebSocket: beacon.WebSocketConfig{
//			URL:       "wss://collect.example.com/ws",
//			Reconnect: true,
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	tracker.Init()
//	defer tracker.Destroy(context.Background())
//
//	tracker.PageView(map[string]any{"url": "/pricing", "title": "Pricing"})
//	tracker.Track("cta_clicked", map[string]any{"variant": "b"})
//
// Event delivery is asynchronous and loss-tolerant: Track and PageView
// never block and never return errors. Delivery failures surface as
// events through Subscribe.
package beacon
