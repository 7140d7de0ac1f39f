package ofscp

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateKeyPair creates a fresh Ed25519 device key pair.
func GenerateKeyPair() (publicKey string, privateKey ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), priv, nil
}

// Sign signs the canonical bytes and returns the base64 signature.
func Sign(privateKey ed25519.PrivateKey, canonical []byte) string {
	sig := ed25519.Sign(privateKey, canonical)
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64 signature over the canonical bytes against a base64
// raw Ed25519 public key. It fails closed: malformed encodings, wrong key or
// signature lengths, and algorithm mismatches all report false rather than
// an error the caller might mistake for a transient condition.
func Verify(publicKeyB64, algorithm string, canonical []byte, signatureB64 string) bool {
	if algorithm != "" && algorithm != AlgorithmEd25519 {
		return false
	}

	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(pub), canonical, sig)
}
