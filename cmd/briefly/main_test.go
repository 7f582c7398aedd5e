package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/brieflyhq/briefly/internal/cache"
)

func runCache(t *testing.T, mr *miniredis.Miniredis, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	redisURL = "redis://" + mr.Addr()
	t.Cleanup(func() { redisURL = "" })

	cmd := cacheCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCacheKeyCommand(t *testing.T) {
	mr := miniredis.RunT(t)

	out, err := runCache(t, mr, "key", "user", "42")
	if err != nil || strings.TrimSpace(out) != "user:42" {
		t.Fatalf("key: %q, %v", out, err)
	}

	out, err = runCache(t, mr, "key", "--json", "summary", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("key --json: %v", err)
	}
	want := cache.DeriveKey("summary", map[string]any{"text": "hi"})
	if strings.TrimSpace(out) != want {
		t.Fatalf("key --json = %q, want %q", out, want)
	}

	if _, err := runCache(t, mr, "key", "--json", "summary", `{`); err == nil {
		t.Fatal("expected error for malformed json id")
	}
}

func TestCacheCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.Set("summary:a", `{"text":"- one"}`)
	mr.SetTTL("summary:a", 90*time.Second)
	mr.Set("user:42:a", `1`)
	mr.Set("user:42:b", `2`)
	mr.Set("tmp:1", `1`)
	mr.Set("tmp:2", `2`)

	out, err := runCache(t, mr, "get", "summary:a")
	if err != nil || !strings.Contains(out, `"text": "- one"`) {
		t.Fatalf("get: %q, %v", out, err)
	}
	if _, err := runCache(t, mr, "get", "summary:missing"); err == nil {
		t.Fatal("expected not found error")
	}

	out, err = runCache(t, mr, "ttl", "summary:a")
	if err != nil || strings.TrimSpace(out) != "1m30s" {
		t.Fatalf("ttl: %q, %v", out, err)
	}
	out, _ = runCache(t, mr, "ttl", "nope")
	if strings.TrimSpace(out) != "absent" {
		t.Fatalf("ttl absent: %q", out)
	}

	out, err = runCache(t, mr, "purge", "tmp:*")
	if err != nil || strings.TrimSpace(out) != "removed 2 keys" {
		t.Fatalf("purge: %q, %v", out, err)
	}

	out, err = runCache(t, mr, "invalidate", "42")
	if err != nil || !strings.Contains(out, "removed 2 keys for owner 42") {
		t.Fatalf("invalidate: %q, %v", out, err)
	}

	if _, err := runCache(t, mr, "del", "summary:a"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if mr.Exists("summary:a") {
		t.Fatal("key should be deleted")
	}
}

func TestFormatTTL(t *testing.T) {
	tests := map[int64]string{
		cache.TTLAbsent:   "absent",
		cache.TTLNoExpiry: "no expiry",
		0:                 "0s",
		3600:              "1h0m0s",
	}
	for in, want := range tests {
		if got := formatTTL(in); got != want {
			t.Fatalf("formatTTL(%d) = %q, want %q", in, got, want)
		}
	}
}
