// Package session owns the visitor/session identity lifecycle for the
// beacon SDK: restore-or-create initialization, activity tracking,
// timeout and fingerprint validation, and cross-instance convergence.
//
// # Identity Model
//
// A Session pairs a durable visitor ID (UUID, persisted until explicitly
// reset) with a rotating session ID (ULID, time-sortable, regenerated when
// the session expires or fails validation). Exactly one session is
// authoritative per shared storage namespace; every SDK instance sharing
// the same store converges on it.
//
// # Cross-Instance Synchronization
//
// There is no central coordinator. The shared key/value store doubles as
// the broadcast medium: when another instance writes a different session,
// the local in-memory session is replaced and an EventSynchronized is
// emitted. A periodic reconciliation tick re-reads the store in case a
// change notification was missed, so instances converge within one
// reconciliation interval even over notification-free backends.
//
// # Liveness
//
// Each instance heartbeats into a shared registry and prunes entries whose
// heartbeat is stale, bounding registry growth and exposing which
// instances still own the session.
//
// # Failure Semantics
//
// Storage and fingerprinting failures degrade to a basic in-memory
// session; nothing in this package panics into or throws at the embedding
// application. Event listener panics are recovered so one listener cannot
// break the others.
package session
