package ofscp

import (
	"time"
)

// DiscoveryDocument is served from GET /.well-known/ofscp-provider and
// describes this server to remote federation peers.
type DiscoveryDocument struct {
	Provider  ProviderInfo `json:"provider"`
	Endpoints Endpoints    `json:"endpoints"`
}

type ProviderInfo struct {
	Domain          string       `json:"domain"`
	ProtocolVersion string       `json:"protocolVersion"`
	Software        SoftwareInfo `json:"software"`
	Contact         string       `json:"contact,omitempty"`
}

type SoftwareInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Endpoints struct {
	Keys     string `json:"keys"`     // template: {base}/.well-known/ofscp/users/{handle}/keys
	Messages string `json:"messages"` // message API root
	Realtime string `json:"realtime"` // websocket endpoint
}

// KeyDiscoveryResponse is served from
// GET /.well-known/ofscp/users/{handle}/keys and consumed by remote key
// resolvers. CacheUntil is an upper bound on how long the listing may be
// cached; revocations must still be honored as soon as they are seen.
type KeyDiscoveryResponse struct {
	Actor      string         `json:"actor"`
	Keys       []DiscoveryKey `json:"keys"`
	CacheUntil time.Time      `json:"cacheUntil"`
}

type DiscoveryKey struct {
	KeyID     string     `json:"keyId"`
	PublicKey string     `json:"publicKey"`
	Algorithm string     `json:"algorithm"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}
