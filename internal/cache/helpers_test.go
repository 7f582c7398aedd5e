package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestManager returns a Ready manager connected to an in-process Redis.
func newTestManager(t *testing.T) (*ConnectionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := NewConnectionManager(Options{Addr: mr.Addr(), MaxRetries: -1})
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	m.Connect(context.Background())
	if !m.IsAvailable() {
		t.Fatalf("expected manager to be available, state=%v", m.State())
	}
	t.Cleanup(m.Disconnect)
	return m, mr
}

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *miniredis.Miniredis) {
	t.Helper()
	m, mr := newTestManager(t)
	return NewStore(m, opts...), mr
}

// downConn is a Connection that is never available. Its client is nil, so
// any attempt to reach the network would panic.
type downConn struct{}

func (downConn) IsAvailable() bool     { return false }
func (downConn) Client() redis.Cmdable { return nil }
