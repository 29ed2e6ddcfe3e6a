package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func parse(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func parseErr(t *testing.T, yaml string) error {
	t.Helper()
	_, err := NewLoader().Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	return err
}

func TestParseFull(t *testing.T) {
	cfg := parse(t, `
basic_authorization: c2VjcmV0

acl:
  fastlypurge:
    - 192.0.2.0/24
  denylist:
    - 198.51.100.7

special_paths:
  not_found: ["/autodiscover/autodiscover.xml"]
  redirect:
    "/favicon.ico": "https://assets.publishing.service.gov.uk/favicon.ico"

mirrors:
  mirrorS3:
    prefix: "/www.gov.uk"
  mirrorS3Replica:
    prefix: "/www.gov.uk"
  mirrorGCS: {}

ab_tests:
  Example:
    active: true
    expires: 86400
    variants:
      A: 1
      B: 2

backends:
  origin:
    url: https://origin.example
    timeout_ms: 15000
`)

	if cfg.BasicAuthorization != "c2VjcmV0" {
		t.Errorf("BasicAuthorization = %q", cfg.BasicAuthorization)
	}
	if !cfg.PurgeACL.Check(net.ParseIP("192.0.2.200"), false) {
		t.Error("purge ACL should match 192.0.2.0/24")
	}
	if !cfg.DenyACL.Check(net.ParseIP("198.51.100.7"), false) {
		t.Error("denylist should match the bare IP")
	}
	if cfg.AllowACL.Check(net.ParseIP("198.51.100.7"), false) {
		t.Error("empty allowlist should compile to an empty list")
	}

	test := cfg.ABTests["Example"]
	if test == nil {
		t.Fatal("Example test missing")
	}
	if test.CrawlerVariant != "A" {
		t.Errorf("CrawlerVariant = %q, want default A", test.CrawlerVariant)
	}
	if len(test.Ordered) != 2 || test.Ordered[0].Name != "A" || test.Ordered[1].Name != "B" {
		t.Errorf("Ordered = %v, want name-sorted", test.Ordered)
	}
	if test.TotalWeight() != 3 {
		t.Errorf("TotalWeight = %d", test.TotalWeight())
	}

	if got := cfg.Backends["origin"].Timeout().Milliseconds(); got != 15000 {
		t.Errorf("origin timeout = %dms", got)
	}
	// Defaults survive a partial document.
	if cfg.Listen.Address != ":8080" {
		t.Errorf("Listen.Address = %q", cfg.Listen.Address)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg := parse(t, "")
	if cfg.Logging.Level != "info" || cfg.Logging.Rotation.MaxSize != 100 {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if len(cfg.ABTestNames) != 0 {
		t.Errorf("ABTestNames = %v", cfg.ABTestNames)
	}
}

func TestABTestNamesSorted(t *testing.T) {
	cfg := parse(t, `
ab_tests:
  Zeta:
    expires: 1
    variants: {A: 1}
  Alpha:
    expires: 1
    variants: {A: 1}
`)
	if len(cfg.ABTestNames) != 2 || cfg.ABTestNames[0] != "Alpha" || cfg.ABTestNames[1] != "Zeta" {
		t.Errorf("ABTestNames = %v", cfg.ABTestNames)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"bad cidr",
			"acl:\n  allowlist: [\"not-a-cidr\"]\n",
			"acl.allowlist",
		},
		{
			"ipv6 rejected",
			"acl:\n  denylist: [\"2001:db8::/32\"]\n",
			"acl.denylist",
		},
		{
			"missing redirect destination",
			"special_paths:\n  redirect:\n    \"/x\": \"\"\n",
			"special_paths.redirect./x",
		},
		{
			"missing expires",
			"ab_tests:\n  T:\n    variants: {A: 1}\n",
			"ab_tests.T.expires",
		},
		{
			"no variants",
			"ab_tests:\n  T:\n    expires: 1\n",
			"ab_tests.T.variants",
		},
		{
			"non-positive weight",
			"ab_tests:\n  T:\n    expires: 1\n    variants: {A: 0}\n",
			"ab_tests.T.variants.A",
		},
		{
			"no crawler variant and no A",
			"ab_tests:\n  T:\n    expires: 1\n    variants: {B: 1}\n",
			"ab_tests.T.crawler_variant",
		},
		{
			"unknown crawler variant",
			"ab_tests:\n  T:\n    expires: 1\n    variants: {A: 1}\n    crawler_variant: Z\n",
			"ab_tests.T.crawler_variant",
		},
		{
			"backend without url",
			"backends:\n  origin: {}\n",
			"backends.origin.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseErr(t, tt.yaml)
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("EDGE_TEST_SECRET", "from-env")
	cfg := parse(t, "basic_authorization: ${EDGE_TEST_SECRET}\n")
	if cfg.BasicAuthorization != "from-env" {
		t.Errorf("BasicAuthorization = %q", cfg.BasicAuthorization)
	}
}

func TestEnvExpansionMissingVarLeftIntact(t *testing.T) {
	cfg := parse(t, "basic_authorization: ${EDGE_TEST_UNSET_VAR}\n")
	if cfg.BasicAuthorization != "${EDGE_TEST_UNSET_VAR}" {
		t.Errorf("BasicAuthorization = %q", cfg.BasicAuthorization)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edge.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  address: \":9999\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Address != ":9999" {
		t.Errorf("Listen.Address = %q", cfg.Listen.Address)
	}

	if _, err := NewLoader().Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
