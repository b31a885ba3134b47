package fingerprint

// options configures fingerprint generation.
type options struct {
	// includeHostname folds the machine hostname into the hash.
	// Hostnames are stable per device but can be renamed by the user.
	// Default: true
	includeHostname bool

	// includeTimezone folds the UTC offset into the hash. Changes when
	// the user travels, which is why timezone is non-critical drift.
	// Default: true
	includeTimezone bool

	// includeLocale folds the POSIX locale into the hash.
	// Default: true
	includeLocale bool

	// includeCPUCount folds the logical CPU count into the hash.
	// Default: true
	includeCPUCount bool

	// probe is an optional extra entropy source (hardware serial, GPU
	// identifier). Probes must fail soft; see ProbeUnavailable.
	probe func() (string, error)
}

// Option is a functional option for configuring fingerprint generation.
type Option func(*options)

// WithoutHostname excludes the machine hostname from the fingerprint.
func WithoutHostname() Option {
	return func(o *options) {
		o.includeHostname = false
	}
}

// WithoutTimezone excludes the UTC offset from the fingerprint.
func WithoutTimezone() Option {
	return func(o *options) {
		o.includeTimezone = false
	}
}

// WithoutLocale excludes the locale from the fingerprint.
func WithoutLocale() Option {
	return func(o *options) {
		o.includeLocale = false
	}
}

// WithoutCPUCount excludes the logical CPU count from the fingerprint.
func WithoutCPUCount() Option {
	return func(o *options) {
		o.includeCPUCount = false
	}
}

// WithProbe registers an optional extra entropy source. A probe returning
// an error or an empty string contributes ProbeUnavailable instead; it is
// never allowed to break generation.
func WithProbe(probe func() (string, error)) Option {
	return func(o *options) {
		o.probe = probe
	}
}

func defaultOptions() *options {
	return &options{
		includeHostname: true,
		includeTimezone: true,
		includeLocale:   true,
		includeCPUCount: true,
	}
}

func applyOptions(opts ...Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
