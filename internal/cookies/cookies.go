// Package cookies parses the request Cookie header into a jar.
package cookies

import "strings"

// Jar maps cookie name to value. Keys are unique; on duplicates the last
// occurrence wins.
type Jar map[string]string

// Parse splits a Cookie header into name/value pairs. Parsing is
// permissive: names are trimmed, values are taken verbatim after the first
// "=", and fragments without an "=" are dropped rather than failing the
// request.
func Parse(header string) Jar {
	jar := make(Jar)
	for _, kv := range strings.Split(header, ";") {
		i := strings.Index(kv, "=")
		if i < 0 {
			continue
		}
		name := strings.TrimSpace(kv[:i])
		jar[name] = kv[i+1:]
	}
	return jar
}

// Get returns the value for a cookie name.
func (j Jar) Get(name string) (string, bool) {
	v, ok := j[name]
	return v, ok
}
