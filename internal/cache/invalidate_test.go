package cache

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestInvalidateOwner(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, "user:42:a", "x", time.Minute)
	s.Write(ctx, "user:42:b", "y", time.Minute)
	s.Write(ctx, "user:420:a", "z", time.Minute)
	s.Write(ctx, "user:7:a", "w", time.Minute)

	inv := NewInvalidator(s)
	if n := inv.InvalidateOwner(ctx, "42"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}

	var out string
	for _, key := range []string{"user:42:a", "user:42:b"} {
		if res := s.Read(ctx, key, &out); res.Status != StatusMiss {
			t.Fatalf("%s: expected miss after invalidation, got %+v", key, res)
		}
	}
	if !mr.Exists("user:420:a") || !mr.Exists("user:7:a") {
		t.Fatal("other owners' entries must survive")
	}

	if n := inv.InvalidateOwner(ctx, "42"); n != 0 {
		t.Fatalf("second invalidation should remove nothing, got %d", n)
	}
}

func TestInvalidateOwnerSummariesList(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, "summaries:42", []string{"a", "b"}, time.Minute)
	s.Write(ctx, "user:42:profile", "p", time.Minute)

	if n := NewInvalidator(s).InvalidateOwner(ctx, "42"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if mr.Exists("summaries:42") {
		t.Fatal("summaries list should be removed")
	}
}

func TestInvalidatorPatterns(t *testing.T) {
	inv := NewInvalidator(nil)
	if got, want := inv.Patterns("42"), []string{"user:42:*", "summaries:42"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Patterns = %v, want %v", got, want)
	}
	if got, want := inv.Patterns("4*"), []string{`user:4\*:*`, `summaries:4\*`}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Patterns = %v, want %v", got, want)
	}

	custom := NewInvalidator(nil, "session:{owner}", "feed:{owner}:*")
	if got, want := custom.Patterns("a?"), []string{`session:a\?`, `feed:a\?:*`}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Patterns = %v, want %v", got, want)
	}
}

func TestInvalidateOwnerGlobInIDDoesNotWiden(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, "user:42:a", "x", time.Minute)
	s.Write(ctx, "user:4*:a", "y", time.Minute)

	if n := NewInvalidator(s).InvalidateOwner(ctx, "4*"); n != 1 {
		t.Fatalf("expected only the literal owner removed, got %d", n)
	}
	if !mr.Exists("user:42:a") {
		t.Fatal("escaped id must not match other owners")
	}
}

func TestInvalidateOwnerEmptyID(t *testing.T) {
	s, mr := newTestStore(t)
	s.Write(context.Background(), "user::a", "x", time.Minute)

	if n := NewInvalidator(s).InvalidateOwner(context.Background(), ""); n != 0 {
		t.Fatalf("expected 0 for empty owner, got %d", n)
	}
	if !mr.Exists("user::a") {
		t.Fatal("empty owner must not delete anything")
	}
}

func TestInvalidateOwnerUnavailable(t *testing.T) {
	s := NewStore(downConn{})
	if n := NewInvalidator(s).InvalidateOwner(context.Background(), "42"); n != 0 {
		t.Fatalf("expected 0 when store is unavailable, got %d", n)
	}
}
