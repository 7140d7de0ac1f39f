// Package auth applies OFSCP signature verification to incoming requests.
// Every authenticated call passes through the same staged pipeline: parse
// the signed headers, resolve the signing key, check the replay guard, then
// verify the signature. The first failing stage short-circuits with an
// explicit rejection reason; later stages never run.
package auth

import (
	"context"
	"errors"
)

// Reason classifies why the pipeline rejected a request. Reasons are
// terminal and caller-visible; they map onto unauthorized-class responses.
type Reason string

const (
	ReasonMissingHeader    Reason = "MissingHeader"
	ReasonUnknownActor     Reason = "UnknownActor"
	ReasonKeyNotFound      Reason = "KeyNotFound"
	ReasonKeyUnreachable   Reason = "KeyUnreachable"
	ReasonExpiredTimestamp Reason = "ExpiredTimestamp"
	ReasonReplayed         Reason = "Replayed"
	ReasonBadSignature     Reason = "BadSignature"
)

var (
	ErrExpiredTimestamp = errors.New("timestamp outside acceptable window")
	ErrReplayed         = errors.New("exact replay of a previously seen signature")
)

// Identity is the verified actor attached to a request after the pipeline
// reaches its terminal Authenticated state. Downstream handlers read it from
// the context; it is never re-derived.
type Identity struct {
	Actor  string // canonical handle@domain
	Handle string
	Domain string
	KeyID  string
}

type contextKey string

const identityContextKey contextKey = "ofscp-identity"

// WithIdentity returns a context carrying the verified identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFrom extracts the verified identity from a request context.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}
