// Package summary memoizes text summarization in the cache store.
package summary

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/brieflyhq/briefly/internal/cache"
	"github.com/brieflyhq/briefly/internal/logging"
)

// HistoryLimit caps the per-owner list kept under summaries:{owner}.
const HistoryLimit = 20

// ErrEmptyText is returned for blank input.
var ErrEmptyText = errors.New("text is required")

// Summarizer produces a summary for text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Request is one summarization call.
type Request struct {
	OwnerID string `json:"ownerId,omitempty"`
	Title   string `json:"title,omitempty"`
	Text    string `json:"summaryText"`
}

// Summary is the outcome of a summarization.
type Summary struct {
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"summaryText"`
	Length    int       `json:"summaryLength"`
	Cached    bool      `json:"cached"`
	CreatedAt time.Time `json:"createdAt"`
}

// entry is what is cached under summary:{hash}.
type entry struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// cacheInput is the identifier hashed into the summary key. Only the text
// decides the summary, so two titles over the same text share an entry.
type cacheInput struct {
	Text string `json:"text"`
}

// Service summarizes text, serving repeats from the cache.
type Service struct {
	store       *cache.Store
	summarizer  Summarizer
	invalidator *cache.Invalidator
	ttl         time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewService creates a Service. A zero ttl uses the store default.
func NewService(store *cache.Store, summarizer Summarizer, ttl time.Duration) *Service {
	return &Service{
		store:       store,
		summarizer:  summarizer,
		invalidator: cache.NewInvalidator(store),
		ttl:         ttl,
		now:         time.Now,
		log:         logging.Component("summary"),
	}
}

// Key returns the cache key for text.
func Key(text string) string {
	return cache.DeriveKey(cache.NamespaceSummary, cacheInput{Text: text})
}

// Summarize returns the summary for req.Text, generating it only when no
// cached summary exists. Cached is true only when the summary was read from
// the store; a result shared from a concurrent generation is not cached.
func (s *Service) Summarize(ctx context.Context, req Request) (*Summary, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	e, src, err := cache.FetchWithSource(ctx, s.store, Key(req.Text), s.ttl,
		func(ctx context.Context) (entry, error) {
			return s.generate(ctx, req.Text)
		})
	if err != nil {
		return nil, err
	}

	out := newSummary(req.Title, e, src == cache.SourceCache)
	s.remember(ctx, req.OwnerID, out)
	return out, nil
}

// Regenerate always calls the summarizer and replaces the cached entry.
func (s *Service) Regenerate(ctx context.Context, req Request) (*Summary, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	e, err := cache.Refresh(ctx, s.store, Key(req.Text), s.ttl, func(ctx context.Context) (entry, error) {
		return s.generate(ctx, req.Text)
	})
	if err != nil {
		return nil, err
	}

	out := newSummary(req.Title, e, false)
	s.remember(ctx, req.OwnerID, out)
	return out, nil
}

// History returns the owner's most recent summaries, newest first. It is
// empty when nothing is cached or the store is unavailable.
func (s *Service) History(ctx context.Context, ownerID string) []Summary {
	if ownerID == "" {
		return nil
	}
	return cache.Get[[]Summary](ctx, s.store, historyKey(ownerID)).Value
}

// InvalidateOwner drops every cached entry belonging to ownerID and returns
// how many keys were removed.
func (s *Service) InvalidateOwner(ctx context.Context, ownerID string) int64 {
	return s.invalidator.InvalidateOwner(ctx, ownerID)
}

func (s *Service) generate(ctx context.Context, text string) (entry, error) {
	start := s.now()
	out, err := s.summarizer.Summarize(ctx, text)
	if err != nil {
		s.log.Error("summary generation failed", "error", err)
		return entry{}, err
	}
	s.log.Info("summary generated", "duration", s.now().Sub(start), "length", WordCount(out))
	return entry{Text: out, CreatedAt: s.now().UTC()}, nil
}

// remember prepends out to the owner's history. Concurrent updates for one
// owner may drop an element; the list is a convenience view.
func (s *Service) remember(ctx context.Context, ownerID string, out *Summary) {
	if ownerID == "" {
		return
	}
	key := historyKey(ownerID)
	prev := cache.Get[[]Summary](ctx, s.store, key)
	if prev.Degraded() {
		return
	}

	list := append([]Summary{*out}, prev.Value...)
	if len(list) > HistoryLimit {
		list = list[:HistoryLimit]
	}
	s.store.Write(ctx, key, list, s.ttl)
}

func newSummary(title string, e entry, cached bool) *Summary {
	return &Summary{
		Title:     title,
		Text:      e.Text,
		Length:    WordCount(e.Text),
		Cached:    cached,
		CreatedAt: e.CreatedAt,
	}
}

func historyKey(ownerID string) string {
	return cache.DeriveKey(cache.NamespaceSummaries, ownerID)
}

// WordCount counts single-space separated pieces, so runs of spaces count
// the empty pieces between them.
func WordCount(text string) int {
	return len(strings.Split(text, " "))
}
