// Package config defines the typed edge configuration and its loader.
// A loaded Config is an immutable snapshot: it is compiled once (ACLs
// merged, A/B variants ordered) and shared read-only across all request
// handlers until the watcher produces a replacement.
package config

import (
	"time"

	"github.com/alphagov/govuk-edge/internal/acl"
)

// Config represents the complete edge configuration.
type Config struct {
	ACL                ACLConfig               `yaml:"acl"`
	BasicAuthorization string                  `yaml:"basic_authorization"`
	SpecialPaths       SpecialPathsConfig      `yaml:"special_paths"`
	Mirrors            map[string]MirrorConfig `yaml:"mirrors"`
	ABTests            map[string]*ABTest      `yaml:"ab_tests"`
	Backends           map[string]BackendConfig `yaml:"backends"`
	Listen             ListenConfig            `yaml:"listen"`
	Logging            LoggingConfig           `yaml:"logging"`
	Transport          TransportConfig         `yaml:"transport"`

	// Compiled access lists, built by the loader.
	PurgeACL *acl.List `yaml:"-"`
	AllowACL *acl.List `yaml:"-"`
	DenyACL  *acl.List `yaml:"-"`

	// A/B test names in sorted order, for deterministic evaluation.
	ABTestNames []string `yaml:"-"`
}

// ACLConfig holds the three access lists as CIDR strings.
type ACLConfig struct {
	// IPs which may purge the cache (empty = deny all).
	FastlyPurge []string `yaml:"fastlypurge"`
	// IPs which may make requests (empty = allow all).
	Allowlist []string `yaml:"allowlist"`
	// IPs which may not make requests (empty = deny no one).
	Denylist []string `yaml:"denylist"`
}

// SpecialPathsConfig defines paths answered synthetically.
type SpecialPathsConfig struct {
	// Exact paths to answer with a synthetic 404.
	NotFound []string `yaml:"not_found"`
	// Exact paths to answer with a 302 to the mapped destination.
	Redirect map[string]string `yaml:"redirect"`
}

// MirrorConfig defines a static mirror backend.
type MirrorConfig struct {
	// Prefix is prepended to the fallback path when fetching from this
	// mirror. Optional.
	Prefix string `yaml:"prefix"`
}

// ABTest defines a single A/B test.
type ABTest struct {
	Active bool `yaml:"active"`
	// Expires is the sticky cookie lifetime (= bucket re-assignment time)
	// in seconds.
	Expires int64 `yaml:"expires"`
	// Variants maps variant name to integer weight.
	Variants map[string]int64 `yaml:"variants"`
	// CrawlerVariant is the variant served to the crawler worker.
	// Defaults to "A" when unset and an "A" variant exists.
	CrawlerVariant string `yaml:"crawler_variant"`

	// Ordered holds the variants sorted by name, built by the loader.
	// The weighted draw walks this slice so boundary behaviour is stable
	// across runs.
	Ordered []Variant `yaml:"-"`
}

// Variant is a named weight in an A/B test.
type Variant struct {
	Name   string
	Weight int64
}

// TotalWeight returns the sum of all variant weights.
func (t *ABTest) TotalWeight() int64 {
	var total int64
	for _, v := range t.Ordered {
		total += v.Weight
	}
	return total
}

// HasVariant reports whether name is a configured variant of the test.
func (t *ABTest) HasVariant(name string) bool {
	_, ok := t.Variants[name]
	return ok
}

// BackendConfig defines how to reach a named backend.
type BackendConfig struct {
	// URL is the backend base URL, e.g. "https://origin.example".
	URL string `yaml:"url"`
	// TimeoutMS bounds a single attempt; a timeout is treated identically
	// to a transport error by the fallback chain. 0 means no bound.
	TimeoutMS int `yaml:"timeout_ms"`
}

// Timeout returns the attempt timeout as a duration.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

// ListenConfig defines listener addresses.
type ListenConfig struct {
	// Address for client traffic, e.g. ":8080".
	Address string `yaml:"address"`
	// AdminAddress serves metrics and health probes. Empty disables it.
	AdminAddress string `yaml:"admin_address"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// File, when set, sends log output to a rotating file instead of
	// stderr.
	File     string            `yaml:"file"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files
}

// TransportConfig defines shared upstream connection settings.
type TransportConfig struct {
	MaxIdleConns        int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`
	DialTimeoutMS       int `yaml:"dial_timeout_ms"`
	TLSHandshakeMS      int `yaml:"tls_handshake_ms"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
		Transport: TransportConfig{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			DialTimeoutMS:       10000,
			TLSHandshakeMS:      5000,
		},
	}
}

// Mirror returns the mirror configuration for a backend name.
func (c *Config) Mirror(name string) (MirrorConfig, bool) {
	m, ok := c.Mirrors[name]
	return m, ok
}
