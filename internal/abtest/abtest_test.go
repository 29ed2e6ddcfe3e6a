package abtest

import (
	"net/url"
	"sort"
	"testing"

	"github.com/alphagov/govuk-edge/config"
	"github.com/alphagov/govuk-edge/internal/backend"
	"github.com/alphagov/govuk-edge/internal/cookies"
)

const consentHeader = "cookies_policy={%22essential%22:true%2C%22usage%22:true}"

func testConfig(t *testing.T, tests map[string]*config.ABTest) *config.Config {
	t.Helper()
	cfg := &config.Config{ABTests: tests}
	for name, test := range tests {
		cfg.ABTestNames = append(cfg.ABTestNames, name)
		if test.CrawlerVariant == "" {
			test.CrawlerVariant = "A"
		}
		for variant, weight := range test.Variants {
			test.Ordered = append(test.Ordered, config.Variant{Name: variant, Weight: weight})
		}
		sort.Slice(test.Ordered, func(i, j int) bool {
			return test.Ordered[i].Name < test.Ordered[j].Name
		})
	}
	sort.Strings(cfg.ABTestNames)
	return cfg
}

func newRequest(t *testing.T, target string) *backend.Request {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatal(err)
	}
	return backend.NewRequest("GET", u)
}

// panicDraw fails the test if the random source is consulted.
func panicDraw(int64) int64 {
	panic("random draw should not be consulted")
}

func TestQueryOverrideIsDeterministic(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: true, Expires: 3600, Variants: map[string]int64{"A": 1, "B": 1}},
	})
	a := New(cfg)
	a.draw = panicDraw

	req := newRequest(t, "/page?ABTest-Banner=B")
	a.TransformRequest(cookies.Parse(consentHeader), req)

	if got := req.Header.Get("GOVUK-ABTest-Banner"); got != "B" {
		t.Errorf("assignment = %q, want B", got)
	}
}

func TestCookieOverride(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: true, Expires: 3600, Variants: map[string]int64{"A": 1, "B": 1}},
	})
	a := New(cfg)
	a.draw = panicDraw

	req := newRequest(t, "/page")
	jar := cookies.Parse(consentHeader + "; ABTest-Banner=B")
	a.TransformRequest(jar, req)

	if got := req.Header.Get("GOVUK-ABTest-Banner"); got != "B" {
		t.Errorf("assignment = %q, want B", got)
	}
}

func TestQueryOverrideBeatsCookie(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: true, Expires: 3600, Variants: map[string]int64{"A": 1, "B": 1}},
	})
	a := New(cfg)
	a.draw = panicDraw

	req := newRequest(t, "/page?ABTest-Banner=A")
	jar := cookies.Parse(consentHeader + "; ABTest-Banner=B")
	a.TransformRequest(jar, req)

	if got := req.Header.Get("GOVUK-ABTest-Banner"); got != "A" {
		t.Errorf("assignment = %q, want A", got)
	}
}

func TestInvalidOverrideFallsThroughToDraw(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: true, Expires: 3600, Variants: map[string]int64{"A": 1, "B": 1}},
	})
	a := New(cfg)
	a.draw = func(int64) int64 { return 0 }

	req := newRequest(t, "/page?ABTest-Banner=Z")
	a.TransformRequest(cookies.Parse(consentHeader), req)

	if got := req.Header.Get("GOVUK-ABTest-Banner"); got != "A" {
		t.Errorf("assignment = %q, want A from draw", got)
	}
}

func TestCrawlerGetsCrawlerVariant(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: true, Expires: 3600, Variants: map[string]int64{"A": 1, "B": 1}, CrawlerVariant: "B"},
	})
	a := New(cfg)
	a.draw = panicDraw

	req := newRequest(t, "/page?ABTest-Banner=A")
	req.Header.Set("User-Agent", CrawlerUserAgent)
	a.TransformRequest(cookies.Parse(consentHeader), req)

	if got := req.Header.Get("GOVUK-ABTest-Banner"); got != "B" {
		t.Errorf("crawler assignment = %q, want B", got)
	}
}

func TestNoConsentSkipsAssignment(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: true, Expires: 3600, Variants: map[string]int64{"A": 1, "B": 1}},
	})
	a := New(cfg)
	a.draw = panicDraw

	req := newRequest(t, "/page?ABTest-Banner=B")
	a.TransformRequest(cookies.Parse(""), req)

	if got := req.Header.Get("GOVUK-ABTest-Banner"); got != "" {
		t.Errorf("assignment without consent = %q, want none", got)
	}
}

func TestInactiveTestSkipped(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: false, Expires: 3600, Variants: map[string]int64{"A": 1}},
	})
	a := New(cfg)
	a.draw = panicDraw

	req := newRequest(t, "/page?ABTest-Banner=A")
	a.TransformRequest(cookies.Parse(consentHeader), req)

	if got := req.Header.Get("GOVUK-ABTest-Banner"); got != "" {
		t.Errorf("inactive test assigned %q", got)
	}
}

func TestExamplePathAssignsWithoutConsent(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Example": {Active: true, Expires: 86400, Variants: map[string]int64{"A": 1, "B": 1}},
	})
	a := New(cfg)
	a.draw = panicDraw

	req := newRequest(t, "/help/ab-testing?ABTest-Example=B")
	jar := cookies.Parse("")
	a.TransformRequest(jar, req)

	if got := req.Header.Get("GOVUK-ABTest-Example"); got != "B" {
		t.Fatalf("assignment = %q, want B", got)
	}

	resp := backend.NewResponse(200)
	a.TransformResponse(req, jar, resp)

	want := "ABTest-Example=B; secure; max-age=86400"
	if got := resp.Header.Get("Set-Cookie"); got != want {
		t.Errorf("Set-Cookie = %q, want %q", got, want)
	}
}

func TestWeightedDrawBoundary(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: true, Expires: 3600, Variants: map[string]int64{"A": 1, "B": 2}},
	})
	a := New(cfg)

	// The walk keeps the inclusive boundary (index <= weight) that
	// deployed configurations were tuned against: with weights A=1 B=2
	// the draw values map 0,1 to A and 2 to B.
	tests := []struct {
		draw int64
		want string
	}{
		{0, "A"},
		{1, "A"},
		{2, "B"},
	}

	for _, tt := range tests {
		a.draw = func(int64) int64 { return tt.draw }
		req := newRequest(t, "/page")
		a.TransformRequest(cookies.Parse(consentHeader), req)
		if got := req.Header.Get("GOVUK-ABTest-Banner"); got != tt.want {
			t.Errorf("draw %d → %q, want %q", tt.draw, got, tt.want)
		}
	}
}

func TestStickyCookieIncludesPath(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: true, Expires: 3600, Variants: map[string]int64{"A": 1, "B": 1}},
	})
	a := New(cfg)

	req := newRequest(t, "/page")
	req.Header.Set(HeaderName("Banner"), "B")
	jar := cookies.Parse(consentHeader)

	resp := backend.NewResponse(200)
	a.TransformResponse(req, jar, resp)

	want := "ABTest-Banner=B; secure; max-age=3600; path=/"
	if got := resp.Header.Get("Set-Cookie"); got != want {
		t.Errorf("Set-Cookie = %q, want %q", got, want)
	}
}

func TestCrawlerGetsNoStickyCookie(t *testing.T) {
	cfg := testConfig(t, map[string]*config.ABTest{
		"Banner": {Active: true, Expires: 3600, Variants: map[string]int64{"A": 1}},
	})
	a := New(cfg)

	req := newRequest(t, "/page")
	req.Header.Set("User-Agent", CrawlerUserAgent)
	req.Header.Set(HeaderName("Banner"), "A")

	resp := backend.NewResponse(200)
	a.TransformResponse(req, cookies.Parse(consentHeader), resp)

	if got := resp.Header.Get("Set-Cookie"); got != "" {
		t.Errorf("crawler received Set-Cookie %q", got)
	}
}

func TestHasConsented(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{consentHeader, true},
		{"cookies_policy={%22usage%22:false}", false},
		{"other=1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := HasConsented(cookies.Parse(tt.header)); got != tt.want {
			t.Errorf("HasConsented(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
