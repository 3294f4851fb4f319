package domain

import "strings"

// RelayServer is one TURN-equivalent relay entry. Immutable once constructed;
// the selector owns the ordered collection.
type RelayServer struct {
	URLs       []string
	Username   string
	Credential string
	Region     string
	Priority   int
}

// ProbeHost extracts the host:port to latency-probe from the first URL,
// e.g. "turn:relay.eu.example.com:3478?transport=udp" -> "relay.eu.example.com:3478".
func (r RelayServer) ProbeHost() string {
	if len(r.URLs) == 0 {
		return ""
	}
	u := r.URLs[0]
	if i := strings.Index(u, ":"); i >= 0 {
		u = u[i+1:]
	}
	if i := strings.Index(u, "?"); i >= 0 {
		u = u[:i]
	}
	if !strings.Contains(u, ":") {
		u += ":3478"
	}
	return u
}

// Equal reports whether two entries refer to the same relay.
func (r RelayServer) Equal(other RelayServer) bool {
	if len(r.URLs) == 0 || len(other.URLs) == 0 {
		return false
	}
	return r.URLs[0] == other.URLs[0]
}
