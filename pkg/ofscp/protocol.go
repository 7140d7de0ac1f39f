package ofscp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// OFSCP header names carried on every signed request
const (
	HeaderSignature = "X-OFSCP-Signature"
	HeaderActor     = "X-OFSCP-Actor"
	HeaderTimestamp = "X-OFSCP-Timestamp"

	// HeaderIdempotencyKey scopes message writes for safe retries
	HeaderIdempotencyKey = "Idempotency-Key"

	// AlgorithmEd25519 is the only signature algorithm this protocol version accepts
	AlgorithmEd25519 = "Ed25519"

	// ProtocolVersion advertised in the provider discovery document
	ProtocolVersion = "0.1.0"
)

// SignatureHeader is the parsed value of X-OFSCP-Signature
type SignatureHeader struct {
	KeyID     string
	Signature string // base64 (std) Ed25519 signature
}

// ParseSignatureHeader parses a header value like:
//
//	keyId="dk_abc123", signature="base64sig=="
func ParseSignatureHeader(value string) (*SignatureHeader, error) {
	var hdr SignatureHeader

	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, `keyId="`); ok {
			hdr.KeyID = strings.TrimSuffix(rest, `"`)
		} else if rest, ok := strings.CutPrefix(part, `signature="`); ok {
			hdr.Signature = strings.TrimSuffix(rest, `"`)
		}
	}

	if hdr.KeyID == "" {
		return nil, fmt.Errorf("missing keyId in signature header")
	}
	if hdr.Signature == "" {
		return nil, fmt.Errorf("missing signature in signature header")
	}
	return &hdr, nil
}

// String formats the header value for outbound requests.
func (h *SignatureHeader) String() string {
	return fmt.Sprintf("keyId=%q, signature=%q", h.KeyID, h.Signature)
}

// CanonicalRequest holds the signable fields of a request. The raw body is
// never part of the base string; only its digest is, which keeps the signable
// string bounded while still binding the signature to exact content.
type CanonicalRequest struct {
	Method    string
	Path      string
	Timestamp string // RFC 3339 as sent in X-OFSCP-Timestamp
	Actor     string
	KeyID     string
	Body      []byte
}

// Canonicalize produces the deterministic byte string that is signed and
// verified. Format, one field per line:
//
//	{METHOD}\n{PATH}\n{TIMESTAMP}\n{ACTOR}\n{KEYID}\n{hex(sha256(body))}
func Canonicalize(req CanonicalRequest) []byte {
	digest := sha256.Sum256(req.Body)
	base := strings.Join([]string{
		req.Method,
		req.Path,
		req.Timestamp,
		req.Actor,
		req.KeyID,
		hex.EncodeToString(digest[:]),
	}, "\n")
	return []byte(base)
}

// PayloadHash returns the hex sha256 digest used to compare idempotent
// submissions for payload equality.
func PayloadHash(body []byte) string {
	digest := sha256.Sum256(body)
	return hex.EncodeToString(digest[:])
}
