package auth

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"forumhall/pkg/federation"
)

const (
	// DefaultSkewWindow bounds how far a request timestamp may drift from
	// server time in either direction.
	DefaultSkewWindow = 5 * time.Minute

	// sweepInterval bounds how often the seen-set is scanned for expired
	// entries. Eviction is lazy; memory stays bounded by the skew window
	// and request rate, not by connection count.
	sweepInterval = time.Minute
)

// ReplayGuard rejects timestamps outside the skew window and exact replays
// of a signature already seen inside it.
type ReplayGuard struct {
	window  time.Duration
	clock   clock.Clock
	metrics *federation.Metrics

	mu        sync.Mutex
	seen      map[string]time.Time // actor|keyId|signature -> timestamp
	lastSweep time.Time
}

func NewReplayGuard(window time.Duration, clk clock.Clock, metrics *federation.Metrics) *ReplayGuard {
	if window <= 0 {
		window = DefaultSkewWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ReplayGuard{
		window:  window,
		clock:   clk,
		metrics: metrics,
		seen:    make(map[string]time.Time),
	}
}

// Check validates the request timestamp and records the signature tuple.
// Returns ErrExpiredTimestamp when |now - ts| exceeds the window, and
// ErrReplayed when the identical (actor, keyId, signature) tuple was already
// accepted inside the window.
func (g *ReplayGuard) Check(ts time.Time, actor, keyID, signature string) error {
	now := g.clock.Now()

	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > g.window {
		return ErrExpiredTimestamp
	}

	key := actor + "|" + keyID + "|" + signature

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastSweep.IsZero() || now.Sub(g.lastSweep) > sweepInterval {
		g.sweepLocked(now)
	}

	if seenAt, ok := g.seen[key]; ok && now.Sub(seenAt) <= g.window {
		if g.metrics != nil {
			g.metrics.ReplaysSeen.Inc()
		}
		return ErrReplayed
	}

	g.seen[key] = now
	if g.metrics != nil {
		g.metrics.ReplaySetSize.Set(float64(len(g.seen)))
	}
	return nil
}

// sweepLocked evicts entries older than the window. Callers hold g.mu.
func (g *ReplayGuard) sweepLocked(now time.Time) {
	for key, seenAt := range g.seen {
		if now.Sub(seenAt) > g.window {
			delete(g.seen, key)
		}
	}
	g.lastSweep = now
}

// Size reports the current number of tracked signatures.
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
