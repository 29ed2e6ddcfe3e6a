// Package pipeline runs the per-request edge decision flow: admission,
// backend request building, origin/mirror fetch and response
// transformation.
package pipeline

import (
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/alphagov/govuk-edge/config"
	"github.com/alphagov/govuk-edge/internal/abtest"
	"github.com/alphagov/govuk-edge/internal/accounts"
	"github.com/alphagov/govuk-edge/internal/admission"
	"github.com/alphagov/govuk-edge/internal/backend"
	"github.com/alphagov/govuk-edge/internal/bereq"
	"github.com/alphagov/govuk-edge/internal/cookies"
	"github.com/alphagov/govuk-edge/internal/fallback"
	"github.com/alphagov/govuk-edge/internal/logging"
	"github.com/alphagov/govuk-edge/internal/metrics"
)

// Pipeline processes one inbound request per invocation. It is immutable
// after construction and safe for concurrent use; all per-request state
// lives on the stack of ServeHTTP.
type Pipeline struct {
	cfg       *config.Config
	filter    *admission.Filter
	builder   *bereq.Builder
	chain     *fallback.Chain
	assigner  *abtest.Assigner
	collector *metrics.Collector
}

// New builds a Pipeline over an immutable configuration snapshot. The
// dispatcher and TLS indicator are the two capabilities the surrounding
// platform must supply.
func New(cfg *config.Config, dispatcher backend.Dispatcher, tls admission.TLSIndicator, collector *metrics.Collector) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		filter:    admission.New(cfg, tls),
		builder:   bereq.New(cfg),
		chain:     fallback.New(cfg, dispatcher, collector),
		assigner:  abtest.New(cfg),
		collector: collector,
	}
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp := p.Process(r)
	resp.Write(w)
	p.collector.RecordRequest(r.Method, resp.StatusCode, time.Since(start))
}

// Process runs the full pipeline and always produces a response.
func (p *Pipeline) Process(r *http.Request) *backend.Response {
	clientIP := clientIP(r)
	jar := cookies.Parse(r.Header.Get("Cookie"))

	if resp := p.filter.Synthetic(r, clientIP); resp != nil {
		p.collector.RecordSynthetic(syntheticReason(resp))
		return resp
	}

	req, err := p.builder.Build(r, clientIP, jar)
	if err != nil {
		logging.Error("cannot build backend request", zap.Error(err))
		p.collector.RecordSynthetic(fallback.BackendError)
		return fallback.SyntheticError()
	}

	// The transformer reads the request as it was sent, not as the
	// chain mutated it.
	original := req.CloneWithoutBody()

	resp, err := p.chain.Fetch(r.Context(), req)
	if err != nil {
		logging.Error("all backends failed", zap.String("path", r.URL.Path), zap.Error(err))
		p.collector.RecordSynthetic(fallback.BackendError)
		return fallback.SyntheticError()
	}

	// CSS tokens and session headers first, sticky A/B cookies last.
	accounts.TransformResponse(original, resp)
	p.assigner.TransformResponse(original, jar, resp)

	return resp
}

// clientIP extracts the verified client address supplied by the transport
// layer. Nil when no address is attributable.
func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// syntheticReason names an admission short-circuit for metrics.
func syntheticReason(resp *backend.Response) string {
	switch resp.StatusCode {
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusMovedPermanently:
		return admission.BackendForceSSL
	case http.StatusNotFound:
		return admission.BackendForceNotFound
	case http.StatusFound:
		return "redirect"
	default:
		return "other"
	}
}
