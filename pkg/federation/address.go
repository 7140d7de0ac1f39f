package federation

import (
	"fmt"
	"strings"
)

// Actor represents a federated user identity in Mastodon-style format
// Examples:
//   - alice@a.example (local or remote user)
//   - @alice@a.example (prefixed form, accepted and normalized)
type Actor struct {
	Handle string // alice
	Domain string // a.example
}

// ParseActor parses an actor identifier into its components
// Supports formats:
//   - handle@domain (e.g., alice@a.example)
//   - @handle@domain (e.g., @alice@a.example)
func ParseActor(s string) (*Actor, error) {
	if s == "" {
		return nil, fmt.Errorf("actor cannot be empty")
	}

	s = strings.TrimPrefix(s, "@")

	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid actor format: must contain exactly one @ separator")
	}

	handle := parts[0]
	domain := parts[1]

	if handle == "" {
		return nil, fmt.Errorf("handle cannot be empty")
	}
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}
	if !strings.Contains(domain, ".") && !isLocalHost(domain) {
		return nil, fmt.Errorf("domain must contain at least one dot (e.g., a.example)")
	}

	return &Actor{Handle: handle, Domain: domain}, nil
}

// String returns the canonical string representation, handle@domain.
func (a *Actor) String() string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("%s@%s", a.Handle, a.Domain)
}

// IsLocal returns true if this actor belongs to the specified domain
func (a *Actor) IsLocal(myDomain string) bool {
	if a == nil {
		return false
	}
	return a.Domain == myDomain
}

// Validate checks if the actor identifier is valid
func (a *Actor) Validate() error {
	if a == nil {
		return fmt.Errorf("actor is nil")
	}
	if a.Handle == "" {
		return fmt.Errorf("handle cannot be empty")
	}
	if a.Domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if strings.Contains(a.Handle, "@") {
		return fmt.Errorf("handle cannot contain @")
	}
	return nil
}

// isLocalHost reports whether host is a local/development address, in which
// case plain http is used for discovery and single-label domains are
// accepted.
func isLocalHost(host string) bool {
	hostPart := host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		hostPart = host[:i]
	}
	return hostPart == "localhost" ||
		hostPart == "127.0.0.1" ||
		hostPart == "0.0.0.0" ||
		strings.HasPrefix(hostPart, "192.168.") ||
		strings.HasPrefix(hostPart, "10.")
}
