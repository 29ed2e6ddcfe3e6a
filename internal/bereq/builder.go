// Package bereq derives the outbound backend request from an admitted
// client request.
package bereq

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/alphagov/govuk-edge/config"
	"github.com/alphagov/govuk-edge/internal/abtest"
	"github.com/alphagov/govuk-edge/internal/accounts"
	"github.com/alphagov/govuk-edge/internal/backend"
	"github.com/alphagov/govuk-edge/internal/cookies"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// Header names stamped by the builder.
const (
	RequestIDHeader    = "GOVUK-Request-Id"
	PurgeAuthHeader    = "Fastly-Purge-Requires-Auth"
	RelatedLinksHeader = "Govuk-Use-Recommended-Related-Links"
)

// postcodeOnlyPath keeps a single whitelisted query parameter.
const postcodeOnlyPath = "/find-coronavirus-local-restrictions"

// ErrNoClientIP signals a request with no attributable client IP. The
// caller treats it as a hard failure and produces the synthetic error
// response.
var ErrNoClientIP = errors.New("no client IP attributable to request")

// Builder constructs backend requests over a configuration snapshot.
type Builder struct {
	cfg      *config.Config
	assigner *abtest.Assigner
	// newID generates request correlation IDs. Injectable for tests.
	newID func() string
}

// New creates a Builder.
func New(cfg *config.Config) *Builder {
	return &Builder{
		cfg:      cfg,
		assigner: abtest.New(cfg),
		newID: func() string {
			return uuid.New().String()
		},
	}
}

// Build derives the outbound request. The inbound request is read but
// never retained; the returned request is owned by the caller.
func (b *Builder) Build(r *http.Request, clientIP net.IP, jar cookies.Jar) (*backend.Request, error) {
	if clientIP == nil {
		return nil, ErrNoClientIP
	}

	req := backend.NewRequest(r.Method, r.URL)
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		req.Body = body
	}

	ip := clientIP.String()
	req.Header.Del("Client-IP")
	req.Header.Set("Fastly-Client-IP", ip)
	req.Header.Set("True-Client-IP", ip)
	req.Header.Set("X-Forwarded-For", ip)

	// The purge ACL fails closed: an empty list authorizes no one. The
	// platform performs the actual credential check downstream.
	if r.Method == "PURGE" && !b.cfg.PurgeACL.Check(clientIP, false) {
		req.Header.Set(PurgeAuthHeader, "1")
	}

	req.URL.RawQuery = CanonicalQuery(req.URL.Path, req.URL.RawQuery)

	req.Header.Set(RelatedLinksHeader, "true")
	req.Header.Set(RequestIDHeader, b.newID())

	if b.cfg.BasicAuthorization != "" {
		// Origin receives credentials regardless of what the client sent.
		req.Header.Set("Authorization", "Basic "+b.cfg.BasicAuthorization)
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead, "PURGE":
	default:
		req.Pass = true
	}

	b.assigner.TransformRequest(jar, req)
	accounts.TransformRequest(jar, req)

	return req, nil
}

type queryParam struct {
	key   string
	value string
}

// CanonicalQuery normalizes a query string for cache-key stability. The
// root path drops every parameter, the postcode lookup page keeps only its
// postcode, and every other path drops utm_ tracking parameters. What
// remains is sorted by name; duplicates keep their relative order.
func CanonicalQuery(path, rawQuery string) string {
	params := parseQuery(rawQuery)

	switch path {
	case "/":
		params = nil
	case postcodeOnlyPath:
		params = retain(params, func(p queryParam) bool { return p.key == "postcode" })
	default:
		params = retain(params, func(p queryParam) bool { return !strings.HasPrefix(p.key, "utm_") })
	}

	sort.SliceStable(params, func(i, j int) bool { return params[i].key < params[j].key })

	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.value))
	}
	return sb.String()
}

// parseQuery splits a raw query into ordered key/value pairs, dropping
// fragments that fail to decode.
func parseQuery(rawQuery string) []queryParam {
	if rawQuery == "" {
		return nil
	}
	var params []queryParam
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			continue
		}
		params = append(params, queryParam{key: key, value: value})
	}
	return params
}

func retain(params []queryParam, keep func(queryParam) bool) []queryParam {
	kept := params[:0]
	for _, p := range params {
		if keep(p) {
			kept = append(kept, p)
		}
	}
	return kept
}
