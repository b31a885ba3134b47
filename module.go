package beacon

// Module is a pluggable instrumentation unit. Registered modules start
// when the tracker initializes and stop when it is destroyed. A module
// whose Start fails is skipped; the tracker keeps running.
type Module interface {
	// Name identifies the module in logs.
	Name() string
	// Start begins observation. The tracker is initialized when called.
	Start(t *Tracker) error
	// Stop ends observation and releases resources.
	Stop()
}
