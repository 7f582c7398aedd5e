// Package ratelimit implements fixed-window request limiting on top of the
// cache store's increment primitive.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/brieflyhq/briefly/internal/cache"
	"github.com/brieflyhq/briefly/internal/logging"
	"github.com/brieflyhq/briefly/internal/metrics"
)

// Tier is one named limit: at most Limit requests per Window per client.
type Tier struct {
	Name    string
	Limit   int64
	Window  time.Duration
	Message string
}

// Default tiers.
var (
	General = Tier{Name: "general", Limit: 100, Window: 15 * time.Minute,
		Message: "Too many requests, please try again later."}
	AI = Tier{Name: "ai", Limit: 20, Window: time.Hour,
		Message: "Too many AI summary requests. Please try again later."}
	Auth = Tier{Name: "auth", Limit: 5, Window: 15 * time.Minute,
		Message: "Too many authentication attempts, please try again later."}
)

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	Local     bool // counted in process because the store was unavailable
}

// Limiter counts requests per tier and client. Counters live in the cache
// store under rl:{tier}:{client}; while the store is unavailable they fall
// back to process-local windows.
type Limiter struct {
	store *cache.Store
	local *localWindows
	now   func() time.Time
	log   *slog.Logger
}

// New creates a Limiter over store.
func New(store *cache.Store) *Limiter {
	return &Limiter{
		store: store,
		local: newLocalWindows(),
		now:   time.Now,
		log:   logging.Component("ratelimit"),
	}
}

// Key returns the counter key for tier and client.
func Key(tier, client string) string {
	return cache.DeriveKey(cache.NamespaceRateLimit, tier+cache.KeySeparator+client)
}

// Allow counts one request by client against tier.
func (l *Limiter) Allow(ctx context.Context, tier Tier, client string) Decision {
	key := Key(tier.Name, client)
	now := l.now()

	d, ok := l.allowShared(ctx, key, tier, now)
	if !ok {
		d = l.local.allow(key, tier, now)
	}
	metrics.RecordRateLimit(tier.Name, d.Allowed)
	if !d.Allowed {
		l.log.Info("rate limit exceeded", "tier", tier.Name, "client", client, "local", d.Local)
	}
	return d
}

// allowShared counts in the store. It reports false when the store could
// not count, so the caller falls back to local windows.
func (l *Limiter) allowShared(ctx context.Context, key string, tier Tier, now time.Time) (Decision, bool) {
	inc := l.store.Increment(ctx, key, 1)
	if !inc.OK() {
		return Decision{}, false
	}
	count := inc.Value

	resetAt := now.Add(tier.Window)
	if count == 1 {
		l.store.Expire(ctx, key, tier.Window)
	} else {
		ttl := l.store.TimeToLive(ctx, key)
		switch {
		case ttl.OK() && ttl.Value == cache.TTLNoExpiry:
			// The expire after the first increment was lost; without
			// one the counter would never reset.
			l.store.Expire(ctx, key, tier.Window)
		case ttl.OK() && ttl.Value >= 0:
			resetAt = now.Add(time.Duration(ttl.Value) * time.Second)
		}
	}

	return decide(tier, count, resetAt, false), true
}

func decide(tier Tier, count int64, resetAt time.Time, local bool) Decision {
	remaining := tier.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= tier.Limit,
		Limit:     tier.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Local:     local,
	}
}
