package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/alphagov/govuk-edge/internal/acl"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads, parses and compiles a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults, validates
// and compiles the snapshot.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.compile(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// compile validates the configuration and builds the derived state: merged
// access lists and name-ordered A/B variants.
func (l *Loader) compile(cfg *Config) error {
	var err error
	if cfg.PurgeACL, err = acl.Parse(cfg.ACL.FastlyPurge); err != nil {
		return fmt.Errorf("acl.fastlypurge: %w", err)
	}
	if cfg.AllowACL, err = acl.Parse(cfg.ACL.Allowlist); err != nil {
		return fmt.Errorf("acl.allowlist: %w", err)
	}
	if cfg.DenyACL, err = acl.Parse(cfg.ACL.Denylist); err != nil {
		return fmt.Errorf("acl.denylist: %w", err)
	}

	for path, dest := range cfg.SpecialPaths.Redirect {
		if dest == "" {
			return fmt.Errorf("special_paths.redirect.%s: destination is required", path)
		}
	}

	cfg.ABTestNames = make([]string, 0, len(cfg.ABTests))
	for name, test := range cfg.ABTests {
		if test == nil {
			return fmt.Errorf("ab_tests.%s: test definition is required", name)
		}
		if err := compileABTest(name, test); err != nil {
			return err
		}
		cfg.ABTestNames = append(cfg.ABTestNames, name)
	}
	sort.Strings(cfg.ABTestNames)

	for name, backend := range cfg.Backends {
		if backend.URL == "" {
			return fmt.Errorf("backends.%s.url: is required", name)
		}
	}

	return nil
}

func compileABTest(name string, test *ABTest) error {
	if test.Expires <= 0 {
		return fmt.Errorf("ab_tests.%s.expires: is required", name)
	}
	if len(test.Variants) == 0 {
		return fmt.Errorf("ab_tests.%s.variants: is required", name)
	}
	for variant, weight := range test.Variants {
		if weight <= 0 {
			return fmt.Errorf("ab_tests.%s.variants.%s: weight must be positive", name, variant)
		}
	}

	if test.CrawlerVariant == "" {
		if _, ok := test.Variants["A"]; !ok {
			return fmt.Errorf("ab_tests.%s.crawler_variant: is required when no variant named \"A\" exists", name)
		}
		test.CrawlerVariant = "A"
	} else if !test.HasVariant(test.CrawlerVariant) {
		return fmt.Errorf("ab_tests.%s.crawler_variant: %q is not a configured variant", name, test.CrawlerVariant)
	}

	// Fix the draw order once so equal weights land in the same variant
	// regardless of map iteration order.
	test.Ordered = make([]Variant, 0, len(test.Variants))
	for variant, weight := range test.Variants {
		test.Ordered = append(test.Ordered, Variant{Name: variant, Weight: weight})
	}
	sort.Slice(test.Ordered, func(i, j int) bool {
		return test.Ordered[i].Name < test.Ordered[j].Name
	})

	return nil
}
