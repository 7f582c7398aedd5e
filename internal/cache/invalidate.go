package cache

import (
	"context"
	"log/slog"
	"strings"

	"github.com/brieflyhq/briefly/internal/logging"
)

// OwnerPlaceholder is replaced by the owner id in invalidation patterns.
const OwnerPlaceholder = "{owner}"

// DefaultOwnerPatterns lists where an owner's entries live.
var DefaultOwnerPatterns = []string{
	NamespaceUser + KeySeparator + OwnerPlaceholder + KeySeparator + "*",
	NamespaceSummaries + KeySeparator + OwnerPlaceholder,
}

// Invalidator deletes every cache entry that belongs to an owner.
type Invalidator struct {
	store    *Store
	patterns []string
	log      *slog.Logger
}

// NewInvalidator creates an Invalidator over store. With no patterns it
// uses DefaultOwnerPatterns.
func NewInvalidator(store *Store, patterns ...string) *Invalidator {
	if len(patterns) == 0 {
		patterns = DefaultOwnerPatterns
	}
	return &Invalidator{
		store:    store,
		patterns: append([]string(nil), patterns...),
		log:      logging.Component("cache"),
	}
}

// Patterns returns the concrete glob patterns for ownerID. Glob
// metacharacters in the id are escaped so an id can never widen a pattern.
func (i *Invalidator) Patterns(ownerID string) []string {
	escaped := escapeGlob(ownerID)
	out := make([]string, len(i.patterns))
	for n, p := range i.patterns {
		out[n] = strings.ReplaceAll(p, OwnerPlaceholder, escaped)
	}
	return out
}

// InvalidateOwner deletes the owner's entries under every pattern and
// returns the total removed. It never fails; patterns that match nothing
// or hit an unavailable store contribute zero.
func (i *Invalidator) InvalidateOwner(ctx context.Context, ownerID string) int64 {
	if ownerID == "" {
		i.log.Warn("cache invalidation skipped: empty owner id")
		return 0
	}

	var total int64
	for _, pattern := range i.Patterns(ownerID) {
		total += i.store.DeleteByPattern(ctx, pattern).Value
	}
	i.log.Info("cache invalidated for owner", "owner_id", ownerID, "removed", total)
	return total
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
