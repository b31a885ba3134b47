// Package kvstore provides a durable, best-effort key/value store with a
// chain of pluggable backends ordered by durability preference.
//
// The store tries backends in order (Redis, file, in-memory) and silently
// falls through on any backend failure. No operation surfaces an error to
// the caller; a fully unavailable chain degrades to misses and no-ops so
// the embedding application never breaks on storage trouble.
//
// Values are wrapped in an expiry envelope. Reads of expired entries
// return a miss and best-effort delete the stale record.
//
// # Usage
//
//	store := kvstore.New("proj_123", []kvstore.Backend{
//		kvstore.NewRedisBackend(client),
//		fileBackend,
//		kvstore.NewMemoryBackend(100),
//	})
//	defer store.Close()
//
//	store.Set("session", payload, 30*time.Minute)
//	if v, ok := store.Get("session"); ok {
//		// ...
//	}
//
// # Change Notifications
//
// Watch registers a callback invoked when another process sharing the same
// backend writes a key under this store's prefix. Backends that implement
// the Notifier interface (Redis via pub/sub, file via modification-time
// polling, in-memory via in-process fan-out) feed these notifications;
// backends without notification support simply never fire.
package kvstore
