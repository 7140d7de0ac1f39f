package ofscp

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedFixture(t *testing.T) (pub string, canonical []byte, sig string) {
	t.Helper()

	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	canonical = Canonicalize(CanonicalRequest{
		Method:    "POST",
		Path:      "/api/groups/g1/channels/c1/messages",
		Timestamp: "2026-01-02T15:04:05Z",
		Actor:     "alice@a.example",
		KeyID:     "dk_1",
		Body:      []byte(`{"body":"hi"}`),
	})
	return pub, canonical, Sign(priv, canonical)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, canonical, sig := signedFixture(t)
	assert.True(t, Verify(pub, AlgorithmEd25519, canonical, sig))

	// Empty algorithm tag means "unspecified", accepted for Ed25519 keys.
	assert.True(t, Verify(pub, "", canonical, sig))
}

func TestVerifyRejectsMutation(t *testing.T) {
	pub, _, sig := signedFixture(t)

	fields := CanonicalRequest{
		Method:    "POST",
		Path:      "/api/groups/g1/channels/c1/messages",
		Timestamp: "2026-01-02T15:04:05Z",
		Actor:     "alice@a.example",
		KeyID:     "dk_1",
		Body:      []byte(`{"body":"hi"}`),
	}

	mutations := map[string]func(*CanonicalRequest){
		"method":    func(r *CanonicalRequest) { r.Method = "PUT" },
		"path":      func(r *CanonicalRequest) { r.Path = "/api/groups/g1/channels/c2/messages" },
		"timestamp": func(r *CanonicalRequest) { r.Timestamp = "2026-01-02T15:04:06Z" },
		"actor":     func(r *CanonicalRequest) { r.Actor = "mallory@a.example" },
		"keyId":     func(r *CanonicalRequest) { r.KeyID = "dk_2" },
		"body":      func(r *CanonicalRequest) { r.Body = []byte(`{"body":"hi!"}`) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			mutated := fields
			mutate(&mutated)
			assert.False(t, Verify(pub, AlgorithmEd25519, Canonicalize(mutated), sig),
				"mutated %s still verified", name)
		})
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	pub, canonical, sig := signedFixture(t)

	tests := []struct {
		name      string
		publicKey string
		algorithm string
		signature string
	}{
		{"garbage public key", "not-base64!!", AlgorithmEd25519, sig},
		{"short public key", base64.StdEncoding.EncodeToString([]byte("short")), AlgorithmEd25519, sig},
		{"garbage signature", pub, AlgorithmEd25519, "not-base64!!"},
		{"short signature", pub, AlgorithmEd25519, base64.StdEncoding.EncodeToString([]byte("short"))},
		{"algorithm mismatch", pub, "RSA-PSS", sig},
		{"empty everything", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Verify(tt.publicKey, tt.algorithm, canonical, tt.signature))
		})
	}
}

func TestVerifyWrongKey(t *testing.T) {
	_, canonical, sig := signedFixture(t)

	otherPub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, Verify(otherPub, AlgorithmEd25519, canonical, sig))
}
