// Package admission decides whether a request is answered synthetically
// before any backend is touched.
package admission

import (
	"net"
	"net/http"

	"github.com/alphagov/govuk-edge/config"
	"github.com/alphagov/govuk-edge/internal/backend"
)

// Synthetic backend names reported on short-circuit responses.
const (
	BackendForceSSL      = "force_ssl"
	BackendForceNotFound = "force_not_found"
)

// notFoundBody is the fixed HTML for the synthetic 404.
const notFoundBody = `<!DOCTYPE html>
<html>
  <head>
    <title>Welcome to GOV.UK</title>
    <style>
      body { font-family: Arial, sans-serif; margin: 0; }
      header { background: black; }
      h1 { color: white; font-size: 29px; margin: 0 auto; padding: 10px; max-width: 990px; }
      p { color: black; margin: 30px auto; max-width: 990px; }
    </style>
  </head>
  <body>
    <header><h1>GOV.UK</h1></header>
    <p>We cannot find the page you're looking for. Please try searching on <a href="https://www.gov.uk/">GOV.UK</a>.</p>
  </body>
</html>
`

// TLSIndicator reports whether a request arrived over TLS at the edge.
// The core never terminates TLS itself; the surrounding platform supplies
// the signal.
type TLSIndicator func(*http.Request) bool

// HeaderTLSIndicator trusts a marker header set by the edge terminator.
func HeaderTLSIndicator(name string) TLSIndicator {
	return func(r *http.Request) bool {
		_, ok := r.Header[http.CanonicalHeaderKey(name)]
		return ok
	}
}

// Filter evaluates the synthetic-response rules. It is a pure function of
// the configuration snapshot and the request; construction is cheap and a
// Filter may be shared across concurrent handlers.
type Filter struct {
	cfg *config.Config
	tls TLSIndicator
}

// New creates a Filter over a configuration snapshot.
func New(cfg *config.Config, tls TLSIndicator) *Filter {
	return &Filter{cfg: cfg, tls: tls}
}

// Synthetic returns a synthetic response for the request, or nil when the
// request should proceed to the backend request builder. Rules are
// evaluated in a fixed order and the first match is terminal.
func (f *Filter) Synthetic(r *http.Request, clientIP net.IP) *backend.Response {
	if clientIP != nil {
		// Empty allowlist admits everyone; empty denylist denies no one.
		if !f.cfg.AllowACL.Check(clientIP, true) {
			return backend.NewResponse(http.StatusForbidden)
		}
		if f.cfg.DenyACL.Check(clientIP, false) {
			return backend.NewResponse(http.StatusForbidden)
		}
	}

	if !f.authorized(r) {
		return backend.NewResponse(http.StatusUnauthorized).
			WithHeader("WWW-Authenticate", "Basic")
	}

	if !f.tls(r) {
		location := "https://" + r.Host + r.URL.RequestURI()
		return backend.NewResponse(http.StatusMovedPermanently).
			WithHeader("Location", location).
			WithHeader(backend.NameHeader, BackendForceSSL)
	}

	if f.isNotFoundPath(r.URL.Path) {
		return backend.NewResponse(http.StatusNotFound).
			WithHeader(backend.NameHeader, BackendForceNotFound).
			WithBody(notFoundBody)
	}

	if dest, ok := f.cfg.SpecialPaths.Redirect[r.URL.Path]; ok {
		return backend.NewResponse(http.StatusFound).
			WithHeader("Location", dest)
	}

	return nil
}

// authorized checks the shared Basic secret, when one is configured. The
// header must match "Basic <secret>" exactly.
func (f *Filter) authorized(r *http.Request) bool {
	secret := f.cfg.BasicAuthorization
	if secret == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Basic "+secret
}

func (f *Filter) isNotFoundPath(path string) bool {
	for _, p := range f.cfg.SpecialPaths.NotFound {
		if p == path {
			return true
		}
	}
	return false
}
