package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alphagov/govuk-edge/config"
	"github.com/alphagov/govuk-edge/internal/backend"
)

// target is one resolved backend endpoint.
type target struct {
	base    *url.URL
	timeout time.Duration
}

// Dispatcher sends backend requests to their configured base URLs over a
// shared transport. It implements backend.Dispatcher. A request to a name
// with no configured URL fails without a network call.
type Dispatcher struct {
	client  *http.Client
	targets map[string]target
}

// NewDispatcher creates a Dispatcher from the backends section of the
// configuration.
func NewDispatcher(cfg *config.Config) (*Dispatcher, error) {
	tc := DefaultTransportConfig
	if cfg.Transport.MaxIdleConns > 0 {
		tc.MaxIdleConns = cfg.Transport.MaxIdleConns
	}
	if cfg.Transport.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = cfg.Transport.MaxIdleConnsPerHost
	}
	if cfg.Transport.DialTimeoutMS > 0 {
		tc.DialTimeout = time.Duration(cfg.Transport.DialTimeoutMS) * time.Millisecond
	}
	if cfg.Transport.TLSHandshakeMS > 0 {
		tc.TLSHandshakeTimeout = time.Duration(cfg.Transport.TLSHandshakeMS) * time.Millisecond
	}

	d := &Dispatcher{
		client: &http.Client{
			Transport: NewTransport(tc),
			// Redirects are origin policy; pass them through untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		targets: make(map[string]target, len(cfg.Backends)),
	}

	for name, bc := range cfg.Backends {
		base, err := url.Parse(bc.URL)
		if err != nil {
			return nil, fmt.Errorf("backends.%s.url: %w", name, err)
		}
		if base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("backends.%s.url: %q is not absolute", name, bc.URL)
		}
		d.targets[name] = target{base: base, timeout: bc.Timeout()}
	}

	return d, nil
}

// Send dispatches a request to a named backend and reads the full
// response. A per-backend timeout, when configured, bounds the attempt;
// the caller treats a timeout like any other transport error.
func (d *Dispatcher) Send(ctx context.Context, name string, req *backend.Request) (*backend.Response, error) {
	t, ok := d.targets[name]
	if !ok {
		return nil, fmt.Errorf("backend %q has no configured URL", name)
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	u := *req.URL
	u.Scheme = t.base.Scheme
	u.Host = t.base.Host
	if t.base.Path != "" {
		u.Path = t.base.Path + u.Path
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Header.Clone()
	httpReq.Host = t.base.Host

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &backend.Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}
