package backend

// Diagnostic headers stamped on responses and failover attempts. These are
// part of the wire contract with existing deployments.
const (
	// NameHeader carries the backend (or synthetic source) that produced
	// a response.
	NameHeader = "Fastly-Backend-Name"
	// FailoverHeader marks a request sent to a mirror after the origin
	// failed.
	FailoverHeader = "Fastly-Failover"
)
