// Package federation implements cross-domain identity for the OFSCP
// protocol: actor addressing (handle@domain), resolution of actor signing
// keys from the local store or from a remote domain's well-known key
// listing, TTL caching with request coalescing, and federation metrics.
package federation
