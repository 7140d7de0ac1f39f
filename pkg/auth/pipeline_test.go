package auth

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forumhall/pkg/federation"
	"forumhall/pkg/ofscp"
	"forumhall/pkg/types"
)

// resolverFunc adapts a function to the KeyResolver interface.
type resolverFunc func(ctx context.Context, actor, keyID string) (*types.SigningKey, error)

func (f resolverFunc) Resolve(ctx context.Context, actor, keyID string) (*types.SigningKey, error) {
	return f(ctx, actor, keyID)
}

type pipelineFixture struct {
	pipeline *Pipeline
	clock    *clock.Mock
	priv     ed25519.PrivateKey
	key      *types.SigningKey
	resolved int
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	pub, priv, err := ofscp.GenerateKeyPair()
	require.NoError(t, err)

	f := &pipelineFixture{
		clock: clock.NewMock(),
		priv:  priv,
		key: &types.SigningKey{
			KeyID:     "dk_1",
			Actor:     "alice@a.example",
			PublicKey: pub,
			Algorithm: ofscp.AlgorithmEd25519,
		},
	}
	f.clock.Set(time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC))

	resolver := resolverFunc(func(_ context.Context, actor, keyID string) (*types.SigningKey, error) {
		f.resolved++
		if actor != f.key.Actor {
			return nil, federation.ErrUnknownActor
		}
		if keyID != string(f.key.KeyID) {
			return nil, federation.ErrKeyNotFound
		}
		k := *f.key
		return &k, nil
	})

	f.pipeline = NewPipeline(resolver, NewReplayGuard(5*time.Minute, f.clock, nil), nil, nil)
	return f
}

// signedRequest builds a correctly signed request for the fixture key.
func (f *pipelineFixture) signedRequest(body []byte) Request {
	ts := f.clock.Now().Format(time.RFC3339)
	canonical := ofscp.Canonicalize(ofscp.CanonicalRequest{
		Method:    "POST",
		Path:      "/api/groups/g1/channels/c1/messages",
		Timestamp: ts,
		Actor:     f.key.Actor,
		KeyID:     string(f.key.KeyID),
		Body:      body,
	})
	sig := ofscp.Sign(f.priv, canonical)

	return Request{
		Method:          "POST",
		Path:            "/api/groups/g1/channels/c1/messages",
		Body:            body,
		ActorHeader:     f.key.Actor,
		TimestampHeader: ts,
		SignatureHeader: (&ofscp.SignatureHeader{KeyID: string(f.key.KeyID), Signature: sig}).String(),
	}
}

func TestPipelineAuthenticates(t *testing.T) {
	f := newPipelineFixture(t)

	id, rejection := f.pipeline.Verify(context.Background(), f.signedRequest([]byte(`{"body":"hi"}`)))
	require.Nil(t, rejection)
	assert.Equal(t, "alice@a.example", id.Actor)
	assert.Equal(t, "alice", id.Handle)
	assert.Equal(t, "a.example", id.Domain)
	assert.Equal(t, "dk_1", id.KeyID)
}

func TestPipelineMissingHeadersShortCircuit(t *testing.T) {
	f := newPipelineFixture(t)

	req := f.signedRequest(nil)
	req.SignatureHeader = ""

	_, rejection := f.pipeline.Verify(context.Background(), req)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonMissingHeader, rejection.Reason)
	assert.Equal(t, StageParsed, rejection.Stage)
	assert.Zero(t, f.resolved, "key resolution must not run after a parse failure")
}

func TestPipelineRejectionReasons(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(f *pipelineFixture, req *Request)
		wantReason Reason
		wantStage  Stage
	}{
		{
			name:       "malformed signature header",
			mutate:     func(_ *pipelineFixture, req *Request) { req.SignatureHeader = "garbage" },
			wantReason: ReasonMissingHeader,
			wantStage:  StageParsed,
		},
		{
			name:       "malformed actor",
			mutate:     func(_ *pipelineFixture, req *Request) { req.ActorHeader = "not-an-actor" },
			wantReason: ReasonUnknownActor,
			wantStage:  StageParsed,
		},
		{
			name:       "malformed timestamp",
			mutate:     func(_ *pipelineFixture, req *Request) { req.TimestampHeader = "yesterday" },
			wantReason: ReasonExpiredTimestamp,
			wantStage:  StageParsed,
		},
		{
			name: "unknown actor",
			mutate: func(f *pipelineFixture, req *Request) {
				req.ActorHeader = "mallory@a.example"
			},
			wantReason: ReasonUnknownActor,
			wantStage:  StageKeyResolved,
		},
		{
			name: "key not found",
			mutate: func(f *pipelineFixture, req *Request) {
				req.SignatureHeader = (&ofscp.SignatureHeader{KeyID: "dk_other", Signature: "c2ln"}).String()
			},
			wantReason: ReasonKeyNotFound,
			wantStage:  StageKeyResolved,
		},
		{
			name: "expired timestamp",
			mutate: func(f *pipelineFixture, req *Request) {
				req.TimestampHeader = f.clock.Now().Add(-10 * time.Minute).Format(time.RFC3339)
			},
			wantReason: ReasonExpiredTimestamp,
			wantStage:  StageReplayChecked,
		},
		{
			name: "tampered body",
			mutate: func(_ *pipelineFixture, req *Request) {
				req.Body = []byte(`{"body":"tampered"}`)
			},
			wantReason: ReasonBadSignature,
			wantStage:  StageSignatureVerified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			req := f.signedRequest([]byte(`{"body":"hi"}`))
			tt.mutate(f, &req)

			_, rejection := f.pipeline.Verify(context.Background(), req)
			require.NotNil(t, rejection)
			assert.Equal(t, tt.wantReason, rejection.Reason)
			assert.Equal(t, tt.wantStage, rejection.Stage)
		})
	}
}

func TestPipelineKeyUnreachable(t *testing.T) {
	f := newPipelineFixture(t)
	unreachable := resolverFunc(func(context.Context, string, string) (*types.SigningKey, error) {
		return nil, federation.ErrKeyUnreachable
	})
	p := NewPipeline(unreachable, NewReplayGuard(5*time.Minute, f.clock, nil), nil, nil)

	_, rejection := p.Verify(context.Background(), f.signedRequest(nil))
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonKeyUnreachable, rejection.Reason)
}

func TestPipelineRejectsReplay(t *testing.T) {
	f := newPipelineFixture(t)
	req := f.signedRequest([]byte(`{"body":"hi"}`))

	_, rejection := f.pipeline.Verify(context.Background(), req)
	require.Nil(t, rejection)

	// The identical signed request presented again is a replay, even though
	// the signature itself is still valid.
	_, rejection = f.pipeline.Verify(context.Background(), req)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonReplayed, rejection.Reason)
	assert.Equal(t, StageReplayChecked, rejection.Stage)
}

func TestPipelineRejectsRevokedKey(t *testing.T) {
	f := newPipelineFixture(t)

	// Revoked before the request timestamp: must never verify, even though
	// the cached key material would.
	revokedAt := f.clock.Now().Add(-time.Hour)
	f.key.RevokedAt = &revokedAt

	_, rejection := f.pipeline.Verify(context.Background(), f.signedRequest(nil))
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonKeyNotFound, rejection.Reason)
	assert.Equal(t, StageKeyResolved, rejection.Stage)
}

func TestPipelineAcceptsKeyRevokedAfterRequest(t *testing.T) {
	f := newPipelineFixture(t)

	// Revocation in the future relative to the request timestamp does not
	// invalidate signatures made before it.
	revokedAt := f.clock.Now().Add(time.Hour)
	f.key.RevokedAt = &revokedAt

	_, rejection := f.pipeline.Verify(context.Background(), f.signedRequest(nil))
	assert.Nil(t, rejection)
}
