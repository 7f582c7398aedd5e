package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/brieflyhq/briefly/internal/metrics"
	"github.com/brieflyhq/briefly/internal/observability"
)

// Producer computes the value for a key on a cache miss.
type Producer[T any] func(ctx context.Context) (T, error)

// Source tells where a value returned by FetchWithSource came from.
type Source int

const (
	SourceCache    Source = iota // read from the store
	SourceProducer               // computed by this call
	SourceShared                 // computed once for several concurrent callers of the key
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceProducer:
		return "producer"
	case SourceShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Fetch returns the value cached under key, or runs produce, stores its
// result for ttl and returns it.
//
// A hit is the only fast path. Store trouble of any kind is treated as a
// miss, so Fetch never fails because of the cache. A producer error is
// returned unchanged and nothing is stored. The write after a successful
// produce is best effort and does not affect the returned value.
//
// Concurrent misses on the same key each run produce and the last write
// wins, unless the Store was built WithCoalescing.
func Fetch[T any](ctx context.Context, s *Store, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	v, _, err := FetchWithSource(ctx, s, key, ttl, produce)
	return v, err
}

// FetchWithSource is Fetch that also reports where the value came from.
func FetchWithSource[T any](ctx context.Context, s *Store, key string, ttl time.Duration, produce Producer[T]) (T, Source, error) {
	ctx, span := observability.StartSpan(ctx, "cache.fetch",
		observability.AttrCacheKey.String(key),
		observability.AttrCacheNamespace.String(namespaceOf(key)),
	)
	defer span.End()

	if v, hit := lookup[T](ctx, s, key); hit {
		span.SetAttributes(observability.AttrCacheHit.Bool(true))
		metrics.RecordFetch("hit")
		return v, SourceCache, nil
	}
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	if s.flight == nil {
		v, err := produceAndStore(ctx, s, key, ttl, produce, span)
		return v, SourceProducer, err
	}

	// The first caller's context drives the shared producer call.
	res, err, shared := s.flight.Do(key, func() (any, error) {
		return produceAndStore(ctx, s, key, ttl, produce, span)
	})
	span.SetAttributes(observability.AttrCacheShared.Bool(shared))
	src := SourceProducer
	if shared {
		src = SourceShared
		metrics.RecordFetch("shared")
	}
	if err != nil {
		var zero T
		return zero, src, err
	}
	v, ok := res.(T)
	if !ok {
		// Another caller used the same key for a different type.
		v, err := produceAndStore(ctx, s, key, ttl, produce, span)
		return v, SourceProducer, err
	}
	return v, src, nil
}

// FetchNamespaced derives the key from namespace and id with DeriveKey and
// then behaves like Fetch.
func FetchNamespaced[T any](ctx context.Context, s *Store, namespace string, id any, ttl time.Duration, produce Producer[T]) (T, error) {
	return Fetch(ctx, s, DeriveKey(namespace, id), ttl, produce)
}

// Refresh runs produce unconditionally and overwrites the entry under key
// with its result. It is the write-through counterpart of Fetch.
func Refresh[T any](ctx context.Context, s *Store, key string, ttl time.Duration, produce Producer[T]) (T, error) {
	ctx, span := observability.StartSpan(ctx, "cache.refresh",
		observability.AttrCacheKey.String(key),
	)
	defer span.End()
	return produceAndStore(ctx, s, key, ttl, produce, span)
}

// lookup reads key, treating every non-hit outcome as a miss. Primitives
// already contain their own failures; the recover here also covers a
// panicking decoder on T.
func lookup[T any](ctx context.Context, s *Store, key string) (v T, hit bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("cache read panicked, computing uncached", "key", key, "error", fmt.Errorf("%v", r))
			var zero T
			v, hit = zero, false
		}
	}()
	r := Get[T](ctx, s, key)
	return r.Value, r.OK()
}

func produceAndStore[T any](ctx context.Context, s *Store, key string, ttl time.Duration, produce Producer[T], span trace.Span) (T, error) {
	s.log.Debug("computing value for cache key", "key", key)

	start := time.Now()
	v, err := produce(ctx)
	metrics.ObserveProducer(namespaceOf(key), time.Since(start))
	if err != nil {
		metrics.RecordFetch("producer_error")
		observability.SetSpanError(span, err)
		return v, err
	}
	metrics.RecordFetch("miss")

	if w := s.Write(ctx, key, v, ttl); !w.OK() {
		s.log.Debug("cache write skipped after produce", "key", key, "status", w.Status.String())
	}
	return v, nil
}

func namespaceOf(key string) string {
	if i := strings.Index(key, KeySeparator); i >= 0 {
		return key[:i]
	}
	return key
}
