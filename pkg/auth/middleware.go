package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"forumhall/pkg/ofscp"
)

// maxBodyBytes caps how much of a signed body the middleware will buffer.
const maxBodyBytes = 1 << 20 // 1MB

// Middleware returns an HTTP middleware that verifies the OFSCP signature
// on every request and attaches the verified identity to the request
// context. The body is buffered so the signature covers the exact bytes
// received, then restored for the downstream handler.
func Middleware(pipeline *Pipeline, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			if len(body) > maxBodyBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}

			identity, rejection := pipeline.Verify(r.Context(), Request{
				Method:          r.Method,
				Path:            r.URL.Path,
				Body:            body,
				ActorHeader:     r.Header.Get(ofscp.HeaderActor),
				TimestampHeader: r.Header.Get(ofscp.HeaderTimestamp),
				SignatureHeader: r.Header.Get(ofscp.HeaderSignature),
			})
			if rejection != nil {
				WriteRejection(w, rejection)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// VerifyQueryParams authenticates a realtime handshake carried in query
// parameters (actor, timestamp, keyId, signature) using the same pipeline
// as header-signed requests. The canonical request is the GET of the
// websocket path with an empty body.
func VerifyQueryParams(r *http.Request, pipeline *Pipeline) (*Identity, *Rejection) {
	q := r.URL.Query()

	keyID := q.Get("keyId")
	signature := q.Get("signature")
	var sigHeader string
	if keyID != "" && signature != "" {
		sigHeader = (&ofscp.SignatureHeader{KeyID: keyID, Signature: signature}).String()
	}

	return pipeline.Verify(r.Context(), Request{
		Method:          http.MethodGet,
		Path:            r.URL.Path,
		Body:            nil,
		ActorHeader:     q.Get("actor"),
		TimestampHeader: q.Get("timestamp"),
		SignatureHeader: sigHeader,
	})
}

// WriteRejection renders a pipeline rejection as an unauthorized-class JSON
// response.
func WriteRejection(w http.ResponseWriter, rejection *Rejection) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  "unauthorized",
		"reason": string(rejection.Reason),
	})
}
