// Package ofscp implements the wire-level pieces of the Open Federated
// Signed Channel Protocol: signed-request headers, request canonicalization,
// Ed25519 signing and verification, and the discovery document shapes served
// from the .well-known endpoints. Everything here is pure and does no I/O;
// key lookup and caching live in pkg/federation.
package ofscp
