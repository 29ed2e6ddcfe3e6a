// Package accounts handles the account session header lifecycle and the
// edge-evaluated CSS visibility tokens.
package accounts

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/alphagov/govuk-edge/internal/backend"
	"github.com/alphagov/govuk-edge/internal/cookies"
)

const (
	// SessionHeader carries the session ID between the edge and origin.
	SessionHeader = "GOVUK-Account-Session"
	// EndSessionHeader is set by origin to end the session.
	EndSessionHeader = "GOVUK-Account-End-Session"
	// SessionCookieName is the client-side session cookie.
	SessionCookieName = "govuk_account_session"
)

// CSS marker tokens consumed by the edge, and the terminal classes that
// implement visibility in the rendered page.
const (
	tokenShowIfMirrored  = "compute_at_edge--show-if-mirrored"
	tokenShowIfCookie    = "compute_at_edge--show-if-cookie"
	tokenShowIfNotCookie = "compute_at_edge--show-if-not-cookie"
	classShow            = "compute_at_edge--show"
	classHide            = "compute_at_edge--hide"
)

// TransformRequest propagates the session cookie to origin as the internal
// session header.
func TransformRequest(jar cookies.Jar, req *backend.Request) {
	if sessionID, ok := jar.Get(SessionCookieName); ok {
		req.Header.Set(SessionHeader, sessionID)
	}
}

// TransformResponse rewrites the body's CSS visibility tokens and then
// applies the session header lifecycle. The internal session headers never
// leave the pipeline.
func TransformResponse(req *backend.Request, resp *backend.Response) {
	transformCSS(req, resp)
	transformHeaders(resp)
}

// transformCSS substitutes the three visibility marker tokens, line by
// line, for text/html responses only. Responses reaching this stage came
// from a real fetch, so the "mirrored" marker is always hidden.
func transformCSS(req *backend.Request, resp *backend.Response) {
	if !hasMIMEType(resp, "text/html") {
		return
	}

	showIfCookie, showIfNotCookie := classHide, classShow
	if _, ok := req.Header[http.CanonicalHeaderKey(SessionHeader)]; ok {
		showIfCookie, showIfNotCookie = classShow, classHide
	}

	lines := strings.Split(string(resp.Body), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var out bytes.Buffer
	out.Grow(len(resp.Body))
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		line = strings.ReplaceAll(line, tokenShowIfMirrored, classHide)
		line = strings.ReplaceAll(line, tokenShowIfCookie, showIfCookie)
		line = strings.ReplaceAll(line, tokenShowIfNotCookie, showIfNotCookie)
		out.WriteString(line)
		out.WriteByte('\n')
	}
	resp.Body = out.Bytes()
}

// transformHeaders emits the session Set-Cookie transitions, removes the
// session header from Vary, and strips the internal headers.
func transformHeaders(resp *backend.Response) {
	if _, ok := resp.Header[http.CanonicalHeaderKey(EndSessionHeader)]; ok {
		resp.Header.Add("Set-Cookie",
			SessionCookieName+"=; secure; httponly; samesite=lax; path=/; max-age=0")
	} else if sessionID := resp.Header.Get(SessionHeader); sessionID != "" {
		resp.Header.Add("Set-Cookie",
			SessionCookieName+"="+sessionID+"; secure; httponly; samesite=lax; path=/")
	}

	varies := resp.Header.Values("Vary")
	variesBySession := false
	for _, v := range varies {
		if v == SessionHeader {
			variesBySession = true
			break
		}
	}
	if variesBySession {
		kept := make([]string, 0, len(varies)-1)
		for _, v := range varies {
			if v != SessionHeader {
				kept = append(kept, v)
			}
		}
		resp.Header.Del("Vary")
		for _, v := range kept {
			resp.Header.Add("Vary", v)
		}
	}

	resp.Header.Del(SessionHeader)
	resp.Header.Del(EndSessionHeader)
}

// hasMIMEType checks the response content type's essence.
func hasMIMEType(resp *backend.Response, mimetype string) bool {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	essence, _, err := mime.ParseMediaType(ct)
	return err == nil && essence == mimetype
}
