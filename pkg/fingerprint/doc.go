// Package fingerprint derives a low-entropy device signature from the host
// environment and reduces it to a stable, comparable hash.
//
// The fingerprint is a soft signal for session validation, not a security
// mechanism: it answers "does this still look like the same device" with
// tolerance for benign drift. Individual fields are kept alongside the
// combined hash so callers can distinguish critical drift (platform,
// architecture, client identity) from non-critical drift (locale, timezone).
//
// # Usage
//
//	env := fingerprint.CaptureEnvironment()
//	fp := fingerprint.Generate(env)
//
//	// Later, compare against a stored fingerprint:
//	drift := fingerprint.Diff(fp, stored)
//	if fingerprint.HasCritical(drift, fingerprint.DefaultCriticalFields...) {
//		// treat the session as belonging to a different device
//	}
//
// # Determinism
//
// Two Generate calls with the same environment and options produce the same
// hash. Optional hardware probes fail soft: a probe error contributes a
// sentinel value instead of an error so fingerprinting never breaks the
// caller.
package fingerprint
