package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/brieflyhq/briefly/internal/logging"
	"github.com/brieflyhq/briefly/internal/metrics"
)

// Connection is what Store needs from the connection owner.
type Connection interface {
	// IsAvailable must be cheap and non-blocking; it gates every primitive.
	IsAvailable() bool
	Client() redis.Cmdable
}

// Store implements the cache primitives over a Connection. No primitive
// returns an error or panics: failures come back as a Result whose Value is
// the documented sentinel.
type Store struct {
	conn       Connection
	defaultTTL time.Duration
	scanCount  int64
	flight     *singleflight.Group
	log        *slog.Logger
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithDefaultTTL sets the TTL used when callers pass zero.
func WithDefaultTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithScanCount sets the SCAN page size used by DeleteByPattern.
func WithScanCount(n int64) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.scanCount = n
		}
	}
}

// WithCoalescing makes Fetch share one producer call among concurrent
// misses on the same key within this process.
func WithCoalescing() StoreOption {
	return func(s *Store) {
		s.flight = &singleflight.Group{}
	}
}

// NewStore creates a Store over conn.
func NewStore(conn Connection, opts ...StoreOption) *Store {
	s := &Store{
		conn:       conn,
		defaultTTL: DefaultTTL,
		scanCount:  100,
		log:        logging.Component("cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultTTL returns the TTL applied when callers pass zero.
func (s *Store) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Read looks key up and decodes the stored JSON into dst. Value is true on
// a hit. A missing key is StatusMiss; a value that fails to decode is
// StatusError and counts as a miss for the caller.
func (s *Store) Read(ctx context.Context, key string, dst any) (res Result[bool]) {
	const op = "read"
	if !s.available(op, key) {
		return fail(false, StatusUnavailable, ErrUnavailable)
	}
	defer contain(s, op, key, false, &res)

	data, err := s.conn.Client().Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.log.Debug("cache miss", "key", key)
		metrics.RecordCacheOp(op, StatusMiss.String())
		return fail(false, StatusMiss, nil)
	}
	if err != nil {
		return fail(false, StatusError, s.failure(op, key, err))
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fail(false, StatusError, s.failure(op, key, fmt.Errorf("%w: %v", ErrSerialization, err)))
	}

	s.log.Debug("cache hit", "key", key)
	metrics.RecordCacheOp(op, StatusOK.String())
	return ok(true)
}

// Get is the typed form of Read. On anything but a hit Value is T's zero value.
func Get[T any](ctx context.Context, s *Store, key string) Result[T] {
	var v T
	r := s.Read(ctx, key, &v)
	if !r.OK() {
		var zero T
		return Result[T]{Value: zero, Status: r.Status, Err: r.Err}
	}
	return ok(v)
}

// Write stores value as JSON under key. A zero or negative ttl means the
// store default.
func (s *Store) Write(ctx context.Context, key string, value any, ttl time.Duration) Result[bool] {
	ttl = s.ttl(ttl)
	return run(s, "write", key, false, func(c redis.Cmdable) (bool, error) {
		data, err := json.Marshal(value)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		if err := c.Set(ctx, key, data, ttl).Err(); err != nil {
			return false, err
		}
		s.log.Debug("cache set", "key", key, "ttl", ttl)
		return true, nil
	})
}

// Delete removes key. Deleting an absent key still succeeds.
func (s *Store) Delete(ctx context.Context, key string) Result[bool] {
	return run(s, "delete", key, false, func(c redis.Cmdable) (bool, error) {
		if err := c.Del(ctx, key).Err(); err != nil {
			return false, err
		}
		return true, nil
	})
}

// DeleteByPattern removes every key matching the glob pattern and returns
// how many were removed. Keys are found with SCAN, not KEYS, so large
// keyspaces do not block the server.
func (s *Store) DeleteByPattern(ctx context.Context, pattern string) Result[int64] {
	return run(s, "delete_pattern", pattern, int64(0), func(c redis.Cmdable) (int64, error) {
		var removed int64
		batch := make([]string, 0, s.scanCount)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n, err := c.Del(ctx, batch...).Result()
			if err != nil {
				return err
			}
			removed += n
			batch = batch[:0]
			return nil
		}

		iter := c.Scan(ctx, 0, pattern, s.scanCount).Iterator()
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if int64(len(batch)) >= s.scanCount {
				if err := flush(); err != nil {
					return 0, err
				}
			}
		}
		if err := iter.Err(); err != nil {
			return 0, err
		}
		if err := flush(); err != nil {
			return 0, err
		}

		if removed == 0 {
			s.log.Debug("no keys matched pattern", "pattern", pattern)
		} else {
			s.log.Debug("cache delete pattern", "pattern", pattern, "removed", removed)
		}
		return removed, nil
	})
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) Result[bool] {
	return run(s, "exists", key, false, func(c redis.Cmdable) (bool, error) {
		n, err := c.Exists(ctx, key).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
}

// TimeToLive returns the remaining lifetime of key in whole seconds,
// TTLNoExpiry when the key never expires and TTLAbsent when it does not
// exist or the store cannot be asked.
func (s *Store) TimeToLive(ctx context.Context, key string) Result[int64] {
	return run(s, "ttl", key, TTLAbsent, func(c redis.Cmdable) (int64, error) {
		d, err := c.TTL(ctx, key).Result()
		if err != nil {
			return TTLAbsent, err
		}
		if d < 0 {
			// go-redis hands back -1 and -2 unscaled.
			return int64(d), nil
		}
		return int64(d / time.Second), nil
	})
}

// Increment atomically adds by to the integer stored at key, creating it at
// zero first, and returns the new value. On failure Value is 0 and Status
// is not OK; callers must check Status before trusting the count.
func (s *Store) Increment(ctx context.Context, key string, by int64) Result[int64] {
	return run(s, "increment", key, int64(0), func(c redis.Cmdable) (int64, error) {
		n, err := c.IncrBy(ctx, key, by).Result()
		if err != nil {
			return 0, err
		}
		s.log.Debug("cache increment", "key", key, "by", by, "value", n)
		return n, nil
	})
}

// Expire sets a TTL on an existing key. Value is false when the key does
// not exist.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) Result[bool] {
	ttl = s.ttl(ttl)
	return run(s, "expire", key, false, func(c redis.Cmdable) (bool, error) {
		return c.Expire(ctx, key, ttl).Result()
	})
}

func (s *Store) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

// run executes one guarded primitive.
func run[T any](s *Store, op, key string, sentinel T, fn func(redis.Cmdable) (T, error)) (res Result[T]) {
	if !s.available(op, key) {
		return fail(sentinel, StatusUnavailable, ErrUnavailable)
	}
	defer contain(s, op, key, sentinel, &res)

	v, err := fn(s.conn.Client())
	if err != nil {
		return fail(sentinel, StatusError, s.failure(op, key, err))
	}
	metrics.RecordCacheOp(op, StatusOK.String())
	return ok(v)
}

func (s *Store) available(op, key string) bool {
	if s.conn != nil && s.conn.IsAvailable() {
		return true
	}
	s.log.Debug("cache store unavailable, skipping", "op", op, "key", key)
	metrics.RecordCacheOp(op, StatusUnavailable.String())
	return false
}

// contain turns a panic inside a primitive into a StatusError result.
// It must be deferred directly so recover sees the panic.
func contain[T any](s *Store, op, key string, sentinel T, res *Result[T]) {
	if r := recover(); r != nil {
		*res = fail(sentinel, StatusError, s.failure(op, key, fmt.Errorf("panic: %v", r)))
	}
}

func (s *Store) failure(op, key string, err error) error {
	if isTimeout(err) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	s.log.Warn("cache store operation failed", "op", op, "key", key, "error", err)
	metrics.RecordCacheOp(op, StatusError.String())
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || isPoolSaturated(err) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
