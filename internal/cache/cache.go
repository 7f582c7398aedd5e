// Package cache is the cache-aside layer that sits in front of expensive,
// non-deterministic producers such as the summary generation call.
//
// A single ConnectionManager owns the connection to the external Redis
// store. Store layers the primitives (read, write, delete, pattern delete,
// exists, ttl, increment) over it; every primitive returns a Result and
// never an error, degrading to a fixed sentinel when the store is down.
// Fetch implements compute-or-fetch on top of Store, and Invalidator
// removes every entry owned by an entity.
//
// Caching is best effort: with the store unavailable every call still
// succeeds, only slower, because producers run on every call.
package cache

import (
	"errors"
	"time"
)

// DefaultTTL is used by Write and Fetch when the caller passes a zero TTL.
const DefaultTTL = 3600 * time.Second

// Store-native TTL sentinels reported by TimeToLive.
const (
	TTLNoExpiry int64 = -1
	TTLAbsent   int64 = -2
)

var (
	// ErrUnavailable means the connection was not Ready when the
	// operation was attempted; no network I/O took place.
	ErrUnavailable = errors.New("cache: store unavailable")

	// ErrTimeout means the store did not answer before the transport deadline.
	ErrTimeout = errors.New("cache: store timeout")

	// ErrSerialization means a value could not be encoded or decoded.
	ErrSerialization = errors.New("cache: serialization failed")

	// ErrReconnectExhausted is reported once the reconnect budget is spent.
	// The connection stays Failed for the rest of the process lifetime.
	ErrReconnectExhausted = errors.New("cache: reconnect attempts exhausted")
)

// Status classifies the outcome of a store primitive.
type Status uint8

const (
	StatusOK          Status = iota // Operation reached the store and succeeded
	StatusMiss                      // Read found nothing under the key
	StatusUnavailable               // Store not Ready; nothing was sent
	StatusError                     // Store reached but the call failed (network, timeout, codec)
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMiss:
		return "miss"
	case StatusUnavailable:
		return "unavailable"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result carries the value of a store primitive together with how it was
// obtained. When Status is not StatusOK, Value holds the primitive's
// documented sentinel (false, 0, TTLAbsent) and Err, when set, explains why.
type Result[T any] struct {
	Value  T
	Status Status
	Err    error
}

// OK reports whether the primitive reached the store and succeeded.
func (r Result[T]) OK() bool { return r.Status == StatusOK }

// Degraded reports whether the result is a fallback sentinel caused by the
// store being unavailable or failing, as opposed to a plain miss.
func (r Result[T]) Degraded() bool {
	return r.Status == StatusUnavailable || r.Status == StatusError
}

func ok[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusOK}
}

func fail[T any](sentinel T, status Status, err error) Result[T] {
	return Result[T]{Value: sentinel, Status: status, Err: err}
}
