package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"forumhall/pkg/federation"
	"forumhall/pkg/ofscp"
	"forumhall/pkg/types"
)

// Stage identifies how far a request travelled through the pipeline before
// terminating. Stages run strictly in order; the first failure wins.
type Stage int

const (
	StageParsed Stage = iota
	StageKeyResolved
	StageReplayChecked
	StageSignatureVerified
	StageAuthenticated
)

func (s Stage) String() string {
	switch s {
	case StageParsed:
		return "Parsed"
	case StageKeyResolved:
		return "KeyResolved"
	case StageReplayChecked:
		return "ReplayChecked"
	case StageSignatureVerified:
		return "SignatureVerified"
	case StageAuthenticated:
		return "Authenticated"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Rejection is the terminal failure outcome of the pipeline.
type Rejection struct {
	Stage  Stage
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s at %s: %v", r.Reason, r.Stage, r.Err)
	}
	return fmt.Sprintf("%s at %s", r.Reason, r.Stage)
}

// KeyResolver is the subset of federation.Resolver the pipeline needs.
type KeyResolver interface {
	Resolve(ctx context.Context, actor string, keyID string) (*types.SigningKey, error)
}

// Request is the raw signed-request material handed to the pipeline. Body
// is the exact bytes received; any mutation invalidates the signature.
type Request struct {
	Method          string
	Path            string
	Body            []byte
	ActorHeader     string // X-OFSCP-Actor
	TimestampHeader string // X-OFSCP-Timestamp
	SignatureHeader string // X-OFSCP-Signature
}

// Pipeline is the staged authentication state machine applied to every
// incoming signed request.
type Pipeline struct {
	resolver KeyResolver
	replay   *ReplayGuard
	logger   *zap.Logger
	metrics  *federation.Metrics
}

func NewPipeline(resolver KeyResolver, replay *ReplayGuard, logger *zap.Logger, metrics *federation.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		resolver: resolver,
		replay:   replay,
		logger:   logger,
		metrics:  metrics,
	}
}

// Verify runs the request through
// Parsed -> KeyResolved -> ReplayChecked -> SignatureVerified and returns
// the authenticated identity, or the rejection from the first failing
// stage. All verification failures fail closed.
func (p *Pipeline) Verify(ctx context.Context, req Request) (*Identity, *Rejection) {
	// Stage: Parsed
	if req.SignatureHeader == "" || req.ActorHeader == "" || req.TimestampHeader == "" {
		return nil, p.reject(StageParsed, ReasonMissingHeader, errors.New("missing OFSCP headers"))
	}

	sig, err := ofscp.ParseSignatureHeader(req.SignatureHeader)
	if err != nil {
		return nil, p.reject(StageParsed, ReasonMissingHeader, err)
	}

	actor, err := federation.ParseActor(req.ActorHeader)
	if err != nil {
		return nil, p.reject(StageParsed, ReasonUnknownActor, err)
	}

	ts, err := time.Parse(time.RFC3339, req.TimestampHeader)
	if err != nil {
		// A timestamp whose freshness cannot be established is treated as
		// expired, never provisionally accepted.
		return nil, p.reject(StageParsed, ReasonExpiredTimestamp, err)
	}

	// Stage: KeyResolved
	key, err := p.resolver.Resolve(ctx, actor.String(), sig.KeyID)
	switch {
	case errors.Is(err, federation.ErrUnknownActor):
		return nil, p.reject(StageKeyResolved, ReasonUnknownActor, err)
	case errors.Is(err, federation.ErrKeyNotFound):
		return nil, p.reject(StageKeyResolved, ReasonKeyNotFound, err)
	case errors.Is(err, federation.ErrKeyUnreachable):
		return nil, p.reject(StageKeyResolved, ReasonKeyUnreachable, err)
	case err != nil:
		return nil, p.reject(StageKeyResolved, ReasonKeyUnreachable, err)
	}

	if key.Revoked(ts) {
		return nil, p.reject(StageKeyResolved, ReasonKeyNotFound,
			fmt.Errorf("key %s revoked at %s", sig.KeyID, key.RevokedAt.Format(time.RFC3339)))
	}

	// Stage: ReplayChecked
	err = p.replay.Check(ts, actor.String(), sig.KeyID, sig.Signature)
	switch {
	case errors.Is(err, ErrExpiredTimestamp):
		return nil, p.reject(StageReplayChecked, ReasonExpiredTimestamp, err)
	case errors.Is(err, ErrReplayed):
		return nil, p.reject(StageReplayChecked, ReasonReplayed, err)
	case err != nil:
		return nil, p.reject(StageReplayChecked, ReasonExpiredTimestamp, err)
	}

	// Stage: SignatureVerified
	canonical := ofscp.Canonicalize(ofscp.CanonicalRequest{
		Method:    req.Method,
		Path:      req.Path,
		Timestamp: req.TimestampHeader,
		Actor:     actor.String(),
		KeyID:     sig.KeyID,
		Body:      req.Body,
	})
	if !ofscp.Verify(key.PublicKey, key.Algorithm, canonical, sig.Signature) {
		return nil, p.reject(StageSignatureVerified, ReasonBadSignature,
			fmt.Errorf("signature does not verify for %s", actor))
	}

	// Stage: Authenticated
	if p.metrics != nil {
		p.metrics.AuthAccepted.Inc()
	}
	return &Identity{
		Actor:  actor.String(),
		Handle: actor.Handle,
		Domain: actor.Domain,
		KeyID:  sig.KeyID,
	}, nil
}

func (p *Pipeline) reject(stage Stage, reason Reason, err error) *Rejection {
	if p.metrics != nil {
		p.metrics.AuthRejected.WithLabelValues(string(reason)).Inc()
	}
	p.logger.Debug("request rejected",
		zap.Stringer("stage", stage),
		zap.String("reason", string(reason)),
		zap.Error(err))
	return &Rejection{Stage: stage, Reason: reason, Err: err}
}
