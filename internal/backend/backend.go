// Package backend defines the request and response values exchanged with
// named backends, and the dispatcher the fetch chain sends through.
package backend

import (
	"context"
	"net/http"
	"net/url"
)

// Backend names. The fetch chain tries them strictly in this order.
const (
	Origin    = "origin"
	Fallback1 = "mirrorS3"
	Fallback2 = "mirrorS3Replica"
	Fallback3 = "mirrorGCS"
)

// Request is an outbound backend request derived from a client request.
// Each pipeline invocation owns its Request exclusively; nothing is shared
// across concurrent invocations.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	// Pass marks the request as cache-bypassing.
	Pass bool
}

// NewRequest creates a Request with an empty header map and a copy of the
// given URL.
func NewRequest(method string, u *url.URL) *Request {
	clone := *u
	return &Request{
		Method: method,
		URL:    &clone,
		Header: make(http.Header),
	}
}

// Clone returns a deep copy of the request, including the body.
func (r *Request) Clone() *Request {
	c := r.CloneWithoutBody()
	if r.Body != nil {
		c.Body = make([]byte, len(r.Body))
		copy(c.Body, r.Body)
	}
	return c
}

// CloneWithoutBody returns a deep copy of the request with a nil body.
func (r *Request) CloneWithoutBody() *Request {
	u := *r.URL
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		Pass:   r.Pass,
	}
}

// Response is a backend (or synthetic) response. Headers are multi-valued;
// per-key value order is preserved.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse creates a Response with the given status and an empty header
// map.
func NewResponse(status int) *Response {
	return &Response{
		StatusCode: status,
		Header:     make(http.Header),
	}
}

// WithHeader sets a header and returns the response.
func (r *Response) WithHeader(key, value string) *Response {
	r.Header.Set(key, value)
	return r
}

// WithBody sets the body and returns the response.
func (r *Response) WithBody(body string) *Response {
	r.Body = []byte(body)
	return r
}

// IsServerError reports whether the status is a 5xx.
func (r *Response) IsServerError() bool {
	return r.StatusCode >= 500 && r.StatusCode < 600
}

// Write writes the response to an http.ResponseWriter.
func (r *Response) Write(w http.ResponseWriter) {
	h := w.Header()
	for key, values := range r.Header {
		for _, v := range values {
			h.Add(key, v)
		}
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) > 0 {
		w.Write(r.Body)
	}
}

// Dispatcher sends a request to a named backend. Implementations own all
// transport concerns; the pipeline treats Send as a primitive that either
// produces a response or fails.
type Dispatcher interface {
	Send(ctx context.Context, name string, req *Request) (*Response, error)
}
