// Package abtest assigns requests to A/B test variants and keeps returning
// users in the same variant via sticky cookies.
package abtest

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/alphagov/govuk-edge/config"
	"github.com/alphagov/govuk-edge/internal/backend"
	"github.com/alphagov/govuk-edge/internal/cookies"
)

// CrawlerUserAgent identifies the crawler worker, which always receives a
// test's designated crawler variant.
const CrawlerUserAgent = "GOV.UK Crawler Worker"

const (
	// ExampleTestName is the always-on example test.
	ExampleTestName = "Example"
	// ExampleTestPath assigns the example test even without a consent
	// cookie.
	ExampleTestPath = "/help/ab-testing"
)

const (
	consentCookieName = "cookies_policy"
	consentMarker     = "%22usage%22:true"
	headerPrefix      = "GOVUK-ABTest-"
	overridePrefix    = "ABTest-"
)

// Assigner performs variant assignment over a configuration snapshot.
type Assigner struct {
	cfg *config.Config
	// draw returns a uniform integer in [0, n). Injectable for tests;
	// the default source is safe for concurrent callers.
	draw func(n int64) int64
}

// New creates an Assigner.
func New(cfg *config.Config) *Assigner {
	return &Assigner{cfg: cfg, draw: rand.Int64N}
}

// HeaderName returns the internal assignment header for a test.
func HeaderName(test string) string {
	return headerPrefix + test
}

// CookieName returns the sticky cookie (and override query param) name for
// a test.
func CookieName(test string) string {
	return overridePrefix + test
}

// TransformRequest stamps a GOVUK-ABTest-<Name> header on the backend
// request for every active test the request is eligible for. Precedence:
// crawler user-agent, query override, cookie override, weighted draw.
func (a *Assigner) TransformRequest(jar cookies.Jar, req *backend.Request) {
	consented := HasConsented(jar)

	for _, name := range a.cfg.ABTestNames {
		test := a.cfg.ABTests[name]
		if !test.Active {
			continue
		}
		if !eligible(consented, name, req.URL.Path) {
			continue
		}

		headerName := HeaderName(name)
		paramName := CookieName(name)

		if req.Header.Get("User-Agent") == CrawlerUserAgent {
			req.Header.Set(headerName, test.CrawlerVariant)
			continue
		}

		if variant := req.URL.Query().Get(paramName); variant != "" && test.HasVariant(variant) {
			req.Header.Set(headerName, variant)
			continue
		}

		if variant, ok := jar.Get(paramName); ok && test.HasVariant(variant) {
			req.Header.Set(headerName, variant)
			continue
		}

		req.Header.Set(headerName, a.weightedDraw(test))
	}
}

// weightedDraw picks a variant with probability proportional to its weight.
// Variants are walked in name order; the draw is consumed by subtraction
// and a variant wins on index <= weight. The boundary is inclusive to match
// existing deployments, so a weight's share is off by one draw value.
func (a *Assigner) weightedDraw(test *config.ABTest) string {
	index := a.draw(test.TotalWeight())
	for _, v := range test.Ordered {
		if index <= v.Weight {
			return v.Name
		}
		index -= v.Weight
	}
	// Unreachable with positive weights; fall back to the last variant.
	return test.Ordered[len(test.Ordered)-1].Name
}

// TransformResponse emits sticky Set-Cookie headers for every active test
// the request was eligible for and carried an assignment header for. The
// crawler never receives cookies.
func (a *Assigner) TransformResponse(req *backend.Request, jar cookies.Jar, resp *backend.Response) {
	consented := HasConsented(jar)

	for _, name := range a.cfg.ABTestNames {
		test := a.cfg.ABTests[name]
		if !test.Active {
			continue
		}
		if req.Header.Get("User-Agent") == CrawlerUserAgent {
			continue
		}
		if !eligible(consented, name, req.URL.Path) {
			continue
		}

		variant := req.Header.Get(HeaderName(name))
		if variant == "" {
			continue
		}

		cookie := fmt.Sprintf("%s=%s; secure; max-age=%d", CookieName(name), variant, test.Expires)
		if name != ExampleTestName {
			// The example test historically set its cookie without an
			// explicit path attribute; keep that shape for it.
			cookie += "; path=/"
		}
		resp.Header.Add("Set-Cookie", cookie)
	}
}

// eligible reports whether assignment may happen: the user consented to
// usage tracking, or this is the example test on its dedicated page.
func eligible(consented bool, test, path string) bool {
	return consented || (test == ExampleTestName && path == ExampleTestPath)
}

// HasConsented checks the cookies_policy cookie for a usage-tracking
// consent marker.
func HasConsented(jar cookies.Jar) bool {
	policy, ok := jar.Get(consentCookieName)
	return ok && strings.Contains(policy, consentMarker)
}
