// Package fallback fetches the backend response, falling back to the
// static mirrors when the origin is unavailable.
package fallback

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alphagov/govuk-edge/config"
	"github.com/alphagov/govuk-edge/internal/backend"
	"github.com/alphagov/govuk-edge/internal/logging"
	"github.com/alphagov/govuk-edge/internal/metrics"
)

// serverErrorBody is the fixed HTML for the synthetic 503.
const serverErrorBody = `
<!DOCTYPE html>
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
    <p>We're experiencing technical difficulties. Please try again later.</p>
    <p>You can <a href="/coronavirus">find coronavirus information</a> on GOV.UK.</p>
  </body>
</html>
`

// BackendError is the synthetic backend name reported on the 503.
const BackendError = "error"

// mirrorSuffixes are the content-file suffixes known to exist on the
// mirrors. A fallback path ending in none of them gets ".html" appended.
var mirrorSuffixes = []string{
	"atom", "chm", "css", "csv", "diff", "doc", "docx", "dot", "dxf", "eps", "gif", "gml", "html",
	"ico", "ics", "jpeg", "jpg", "JPG", "js", "json", "kml", "odp", "ods", "odt", "pdf", "PDF",
	"png", "ppt", "pptx", "ps", "rdf", "rtf", "sch", "txt", "wsdl", "xls", "xlsm", "xlsx", "xlt",
	"xml", "xsd", "xslt", "zip",
}

// ErrExhausted signals that the origin and every mirror failed.
var ErrExhausted = errors.New("origin and all mirrors failed")

// errMirrorUnconfigured marks a mirror skipped without a network call.
var errMirrorUnconfigured = errors.New("mirror not configured")

// Chain sends a backend request to the origin, then to up to three mirrors
// in fixed order. Attempts are strictly sequential: each failure is the
// trigger for the next attempt.
type Chain struct {
	cfg        *config.Config
	dispatcher backend.Dispatcher
	collector  *metrics.Collector
	// now supplies the regenerated Date header on mirror attempts.
	now func() time.Time
}

// New creates a Chain.
func New(cfg *config.Config, dispatcher backend.Dispatcher, collector *metrics.Collector) *Chain {
	return &Chain{
		cfg:        cfg,
		dispatcher: dispatcher,
		collector:  collector,
		now:        time.Now,
	}
}

// Fetch sends the request to the origin and, on transport failure or 5xx,
// walks the mirror chain. Each backend gets exactly one attempt. The
// request is consumed; callers keep their own copy for the transformer.
func (c *Chain) Fetch(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	// Fetch uncompressed so the response transformer can read the body.
	req.Header.Del("Accept-Encoding")

	original := req.CloneWithoutBody()
	fallbackPath := collapsePath(req.URL.Path)

	resp, err := c.dispatcher.Send(ctx, backend.Origin, req)
	if err == nil && !resp.IsServerError() {
		c.collector.RecordAttempt(backend.Origin, metrics.OutcomeSuccess)
		return resp, nil
	}
	c.recordFailure(backend.Origin, resp, err)
	c.collector.RecordFailover()

	if !hasMirrorSuffix(fallbackPath) {
		fallbackPath += ".html"
	}

	for _, name := range []string{backend.Fallback1, backend.Fallback2, backend.Fallback3} {
		resp, err := c.fetchMirror(ctx, original, fallbackPath, name)
		if err == nil && !resp.IsServerError() {
			c.collector.RecordAttempt(name, metrics.OutcomeSuccess)
			// Mark the response so clients and caches can tell a mirror
			// copy from an origin one.
			resp.Header.Set(backend.FailoverHeader, "1")
			resp.Header.Set(backend.NameHeader, name)
			return resp, nil
		}
		c.recordFailure(name, resp, err)
	}

	return nil, ErrExhausted
}

// fetchMirror sends one attempt to a named mirror. An unconfigured mirror
// fails the attempt without a network call.
func (c *Chain) fetchMirror(ctx context.Context, original *backend.Request, path, name string) (*backend.Response, error) {
	mirror, ok := c.cfg.Mirror(name)
	if !ok {
		return nil, errMirrorUnconfigured
	}

	req := original.CloneWithoutBody()
	req.Header.Set(backend.FailoverHeader, "1")
	req.Header.Set(backend.NameHeader, name)
	req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))
	req.URL.Path = mirror.Prefix + path
	req.URL.RawPath = ""

	return c.dispatcher.Send(ctx, name, req)
}

func (c *Chain) recordFailure(name string, resp *backend.Response, err error) {
	switch {
	case errors.Is(err, errMirrorUnconfigured):
		c.collector.RecordAttempt(name, metrics.OutcomeUnconfigured)
	case err != nil:
		c.collector.RecordAttempt(name, metrics.OutcomeTransportError)
		logging.Warn("backend attempt failed", zap.String("backend", name), zap.Error(err))
	default:
		c.collector.RecordAttempt(name, metrics.OutcomeServerError)
		logging.Warn("backend returned server error",
			zap.String("backend", name), zap.Int("status", resp.StatusCode))
	}
}

// SyntheticError generates the synthetic 503 response. Used if all else
// fails; raw transport errors never reach the client.
func SyntheticError() *backend.Response {
	return backend.NewResponse(http.StatusServiceUnavailable).
		WithHeader(backend.NameHeader, BackendError).
		WithBody(serverErrorBody)
}

// collapsePath strips empty segments from a request path and rejoins the
// rest. An empty result becomes /index.html.
func collapsePath(path string) string {
	segments := make([]string, 0, 8)
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	joined := strings.Join(segments, "/")
	if joined == "" {
		return "/index.html"
	}
	return joined
}

func hasMirrorSuffix(path string) bool {
	for _, suffix := range mirrorSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
