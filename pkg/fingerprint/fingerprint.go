package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	fingerprintVersion = "v1:"
	// fingerprintHashLen uses 16 bytes (128 bits): plenty for a soft
	// device signal at half the storage of a full SHA-256 digest.
	fingerprintHashLen = 16
	// fingerprintTotalLen is 3 bytes ("v1:") + 32 hex chars = 35 bytes.
	fingerprintTotalLen = 35

	// ProbeUnavailable is the sentinel contributed when an optional
	// hardware probe fails. Probes must never surface errors.
	ProbeUnavailable = "unavailable"
)

// Field identifies one fingerprint component.
type Field string

const (
	FieldPlatform Field = "platform"
	FieldArch     Field = "arch"
	FieldHostname Field = "hostname"
	FieldTimezone Field = "timezone"
	FieldLocale   Field = "locale"
	FieldCPUCount Field = "cpu_count"
	FieldClientID Field = "client_id"
	FieldProbe    Field = "probe"
)

// DefaultCriticalFields is the drift boundary used by session validation
// unless the caller configures its own: a platform, architecture, or client
// identity change means a different device; locale and timezone drift is
// expected from travelling users and system updates.
var DefaultCriticalFields = []Field{FieldPlatform, FieldArch, FieldClientID}

// Environment holds the raw signature components captured from the host.
type Environment struct {
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
	Hostname       string `json:"hostname"`
	TimezoneOffset int    `json:"timezone_offset"` // minutes east of UTC
	Locale         string `json:"locale"`
	NumCPU         int    `json:"num_cpu"`
	ClientID       string `json:"client_id"`
}

// Fingerprint is a comparable device signature: the component fields plus
// a combined versioned hash in the format "v1:<hex>".
type Fingerprint struct {
	Environment
	ProbeResult string `json:"probe_result,omitempty"`
	Hash        string `json:"hash"`
}

// CaptureEnvironment reads the signature components from the current host.
func CaptureEnvironment() Environment {
	hostname, _ := os.Hostname()
	_, offsetSeconds := time.Now().Zone()

	return Environment{
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		Hostname:       hostname,
		TimezoneOffset: offsetSeconds / 60,
		Locale:         localeFromEnv(),
		NumCPU:         runtime.NumCPU(),
	}
}

// Generate builds a fingerprint from the environment. Component selection
// and optional probes are controlled by functional options.
func Generate(env Environment, opts ...Option) Fingerprint {
	o := applyOptions(opts...)

	fp := Fingerprint{Environment: env}

	var components []string
	components = append(components, env.Platform, env.Arch)
	if o.includeHostname {
		components = append(components, env.Hostname)
	}
	if o.includeTimezone {
		components = append(components, strconv.Itoa(env.TimezoneOffset))
	}
	if o.includeLocale {
		components = append(components, env.Locale)
	}
	if o.includeCPUCount {
		components = append(components, strconv.Itoa(env.NumCPU))
	}
	components = append(components, env.ClientID)

	if o.probe != nil {
		result, err := o.probe()
		if err != nil || result == "" {
			result = ProbeUnavailable
		}
		fp.ProbeResult = result
		components = append(components, result)
	}

	// Filter empty components so a missing hostname or locale hashes the
	// same as an explicitly disabled one.
	filtered := make([]string, 0, len(components))
	for _, c := range components {
		if c != "" {
			filtered = append(filtered, c)
		}
	}

	// Pipe delimiter prevents ["ab","c"] and ["a","bc"] from colliding.
	combined := strings.Join(filtered, "|")
	sum := sha256.Sum256([]byte(combined))
	fp.Hash = fingerprintVersion + hex.EncodeToString(sum[:fingerprintHashLen])

	return fp
}

// ValidHash reports whether stored has the expected versioned format.
func ValidHash(stored string) bool {
	return strings.HasPrefix(stored, fingerprintVersion) && len(stored) == fingerprintTotalLen
}

// Diff returns every field on which the two fingerprints disagree.
func Diff(a, b Fingerprint) []Field {
	var drift []Field
	if a.Platform != b.Platform {
		drift = append(drift, FieldPlatform)
	}
	if a.Arch != b.Arch {
		drift = append(drift, FieldArch)
	}
	if a.Hostname != b.Hostname {
		drift = append(drift, FieldHostname)
	}
	if a.TimezoneOffset != b.TimezoneOffset {
		drift = append(drift, FieldTimezone)
	}
	if a.Locale != b.Locale {
		drift = append(drift, FieldLocale)
	}
	if a.NumCPU != b.NumCPU {
		drift = append(drift, FieldCPUCount)
	}
	if a.ClientID != b.ClientID {
		drift = append(drift, FieldClientID)
	}
	if a.ProbeResult != b.ProbeResult {
		drift = append(drift, FieldProbe)
	}
	return drift
}

// HasCritical reports whether drift contains any of the critical fields.
func HasCritical(drift []Field, critical ...Field) bool {
	for _, d := range drift {
		for _, c := range critical {
			if d == c {
				return true
			}
		}
	}
	return false
}

// localeFromEnv resolves the host locale from the usual POSIX variables.
func localeFromEnv() string {
	for _, name := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
