package federation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"forumhall/pkg/ofscp"
	"forumhall/pkg/store"
	"forumhall/pkg/types"
)

var (
	ErrUnknownActor   = errors.New("unknown actor")
	ErrKeyNotFound    = errors.New("signing key not found")
	ErrKeyUnreachable = errors.New("key discovery unreachable")
)

const (
	defaultCacheTTL    = time.Hour
	defaultNegativeTTL = 30 * time.Second
	defaultCacheSize   = 4096

	// Overall budget for one remote discovery, including retries. A request
	// that cannot resolve a key inside this budget is rejected as
	// unreachable rather than blocking.
	defaultFetchBudget = 30 * time.Second
)

// ResolverConfig tunes key resolution. Zero values take defaults.
type ResolverConfig struct {
	LocalDomain string
	CacheTTL    time.Duration
	NegativeTTL time.Duration
	CacheSize   int
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	FetchBudget time.Duration
}

// Resolver resolves (actor, keyId) to a signing key. Local actors are read
// from the store on every call; remote actors go through the well-known
// discovery endpoint with a TTL cache in front. Concurrent misses for the
// same key share one outstanding fetch.
type Resolver struct {
	cfg     ResolverConfig
	store   store.Store
	client  *DiscoveryClient
	logger  *zap.Logger
	metrics *Metrics
	clock   clock.Clock

	cache    *expirable.LRU[string, cachedKey]
	negative *expirable.LRU[string, error]
	group    singleflight.Group

	// Revocations are pinned for the life of the process: once a key is
	// known revoked it must never verify again, even after its cache entry
	// expires and even if a later fetch omits the revocation.
	revokedMu sync.RWMutex
	revoked   map[string]time.Time
}

type cachedKey struct {
	key *types.SigningKey
	// expiresAt caps the entry at the remote's cacheUntil horizon, which
	// may be sooner than the LRU's own TTL.
	expiresAt time.Time
}

func NewResolver(cfg ResolverConfig, st store.Store, client *DiscoveryClient, logger *zap.Logger, metrics *Metrics, clk clock.Clock) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.FetchBudget <= 0 {
		cfg.FetchBudget = defaultFetchBudget
	}

	return &Resolver{
		cfg:      cfg,
		store:    st,
		client:   client,
		logger:   logger,
		metrics:  metrics,
		clock:    clk,
		cache:    expirable.NewLRU[string, cachedKey](cfg.CacheSize, nil, cfg.CacheTTL),
		negative: expirable.NewLRU[string, error](cfg.CacheSize, nil, cfg.NegativeTTL),
		revoked:  make(map[string]time.Time),
	}
}

// Resolve returns the signing key for (actor, keyID). The returned key may
// carry a RevokedAt timestamp; it is the caller's job to reject signatures
// made after revocation. Errors are one of ErrUnknownActor, ErrKeyNotFound,
// or ErrKeyUnreachable (possibly wrapped).
func (r *Resolver) Resolve(ctx context.Context, actor string, keyID string) (*types.SigningKey, error) {
	parsed, err := ParseActor(actor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownActor, err)
	}

	if parsed.IsLocal(r.cfg.LocalDomain) {
		return r.resolveLocal(ctx, parsed, keyID)
	}
	return r.resolveRemote(ctx, parsed, keyID)
}

// resolveLocal reads the key straight from the store. No caching: local
// reads are O(1) and revocations must take effect immediately.
func (r *Resolver) resolveLocal(ctx context.Context, actor *Actor, keyID string) (*types.SigningKey, error) {
	var key types.SigningKey
	err := store.GetJSON(ctx, r.store, store.CollectionDeviceKeys, deviceKeyPath(actor.Handle, keyID), &key)
	if errors.Is(err, store.ErrNotFound) {
		// Distinguish a missing key from a missing account.
		if _, uerr := r.store.Get(ctx, store.CollectionUsers, actor.Handle); errors.Is(uerr, store.ErrNotFound) {
			return nil, ErrUnknownActor
		}
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("local key lookup: %w", err)
	}
	return &key, nil
}

func (r *Resolver) resolveRemote(ctx context.Context, actor *Actor, keyID string) (*types.SigningKey, error) {
	cacheKey := actor.String() + "#" + keyID
	now := r.clock.Now()

	if revokedAt, ok := r.pinnedRevocation(cacheKey); ok {
		key := r.lookupCache(cacheKey, now)
		if key == nil {
			key = &types.SigningKey{
				KeyID:     types.KeyID(keyID),
				Actor:     actor.String(),
				Algorithm: ofscp.AlgorithmEd25519,
			}
		}
		key.RevokedAt = &revokedAt
		return key, nil
	}

	if key := r.lookupCache(cacheKey, now); key != nil {
		if r.metrics != nil {
			r.metrics.KeyCacheHits.Inc()
		}
		return key, nil
	}
	if r.metrics != nil {
		r.metrics.KeyCacheMisses.Inc()
	}

	if negErr, ok := r.negative.Get(cacheKey); ok {
		return nil, negErr
	}

	// Coalesce concurrent misses onto one fetch. The fetch runs on its own
	// deadline, detached from any single caller's context, so an aborted
	// request does not waste the in-flight work other waiters share.
	ch := r.group.DoChan(cacheKey, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), r.cfg.FetchBudget)
		defer cancel()
		return r.fetchWithRetry(fetchCtx, actor, keyID, cacheKey)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.SigningKey), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrKeyUnreachable, ctx.Err())
	}
}

func (r *Resolver) lookupCache(cacheKey string, now time.Time) *types.SigningKey {
	entry, ok := r.cache.Get(cacheKey)
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		r.cache.Remove(cacheKey)
		return nil
	}
	k := *entry.key
	return &k
}

// fetchWithRetry performs remote key discovery with bounded exponential
// backoff. Definitive answers (actor unknown, key absent from the listing)
// are cached negatively and not retried; only transport failures retry.
func (r *Resolver) fetchWithRetry(ctx context.Context, actor *Actor, keyID, cacheKey string) (*types.SigningKey, error) {
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoffDelay(attempt)
			r.logger.Debug("retrying key discovery",
				zap.String("actor", actor.String()),
				zap.String("keyId", keyID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-r.clock.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrKeyUnreachable, ctx.Err())
			}
		}

		if r.metrics != nil {
			r.metrics.RemoteKeyFetches.Inc()
		}

		listing, err := r.client.FetchKeys(ctx, actor.Domain, actor.Handle)
		if errors.Is(err, ErrUnknownActor) {
			r.negative.Add(cacheKey, ErrUnknownActor)
			return nil, ErrUnknownActor
		}
		if err != nil {
			if r.metrics != nil {
				r.metrics.RemoteKeyFetchFailures.Inc()
			}
			lastErr = err
			continue
		}

		return r.ingestListing(actor, listing, keyID, cacheKey)
	}

	r.logger.Warn("key discovery exhausted retries",
		zap.String("actor", actor.String()),
		zap.String("keyId", keyID),
		zap.Error(lastErr))
	return nil, fmt.Errorf("%w: %v", ErrKeyUnreachable, lastErr)
}

// ingestListing caches every key in the listing and returns the requested
// one, or a negative-cached ErrKeyNotFound if it is absent.
func (r *Resolver) ingestListing(actor *Actor, listing *ofscp.KeyDiscoveryResponse, keyID, cacheKey string) (*types.SigningKey, error) {
	now := r.clock.Now()
	expiresAt := now.Add(r.cfg.CacheTTL)
	if !listing.CacheUntil.IsZero() && listing.CacheUntil.Before(expiresAt) {
		expiresAt = listing.CacheUntil
	}

	var found *types.SigningKey
	for _, dk := range listing.Keys {
		key := &types.SigningKey{
			KeyID:     types.KeyID(dk.KeyID),
			Actor:     actor.String(),
			PublicKey: dk.PublicKey,
			Algorithm: dk.Algorithm,
			CreatedAt: dk.CreatedAt,
			RevokedAt: dk.RevokedAt,
		}
		ck := actor.String() + "#" + dk.KeyID
		r.cache.Add(ck, cachedKey{key: key, expiresAt: expiresAt})
		if dk.RevokedAt != nil {
			r.pinRevocation(ck, *dk.RevokedAt)
		}
		if dk.KeyID == keyID {
			found = key
		}
	}

	if found == nil {
		r.negative.Add(cacheKey, ErrKeyNotFound)
		return nil, ErrKeyNotFound
	}
	k := *found
	return &k, nil
}

func (r *Resolver) backoffDelay(attempt int) time.Duration {
	delay := float64(r.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.cfg.MaxDelay) {
		delay = float64(r.cfg.MaxDelay)
	}
	// Jitter to avoid lockstep retries from concurrent resolvers.
	delay += delay * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(delay)
}

func (r *Resolver) pinRevocation(cacheKey string, at time.Time) {
	r.revokedMu.Lock()
	defer r.revokedMu.Unlock()
	if _, exists := r.revoked[cacheKey]; !exists {
		r.revoked[cacheKey] = at
	}
}

func (r *Resolver) pinnedRevocation(cacheKey string) (time.Time, bool) {
	r.revokedMu.RLock()
	defer r.revokedMu.RUnlock()
	at, ok := r.revoked[cacheKey]
	return at, ok
}

// deviceKeyPath is the store key for a local device key record.
func deviceKeyPath(handle, keyID string) string {
	return handle + "/" + keyID
}

// DeviceKeyPath exposes the store key layout to the route layer that
// registers and revokes keys.
func DeviceKeyPath(handle, keyID string) string {
	return deviceKeyPath(handle, keyID)
}
