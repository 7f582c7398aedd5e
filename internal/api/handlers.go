package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/brieflyhq/briefly/internal/ai"
	"github.com/brieflyhq/briefly/internal/summary"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the summary endpoints.
type Handler struct {
	summaries Summaries
	cache     CacheStatus
	store     CacheDefaults
	ai        AIStatus
}

type healthResponse struct {
	Status          string    `json:"status"`
	Cache           string    `json:"cache"`
	CacheTTLSeconds int64     `json:"cacheTtlSeconds,omitempty"`
	AI              *aiHealth `json:"ai,omitempty"`
}

type aiHealth struct {
	Enabled       bool   `json:"enabled"`
	Model         string `json:"model"`
	FallbackModel string `json:"fallbackModel,omitempty"`
	APIKey        string `json:"apiKey,omitempty"`
}

type summaryResponse struct {
	Message string           `json:"message"`
	Summary *summary.Summary `json:"summary"`
}

// CreateSummary summarizes the posted text, serving repeats from cache.
func (h *Handler) CreateSummary(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSummaryRequest(w, r)
	if !ok {
		return
	}
	out, err := h.summaries.Summarize(r.Context(), req)
	if err != nil {
		h.summaryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summaryResponse{Message: "Summary created successfully", Summary: out})
}

// RegenerateSummary replaces the cached summary for the posted text.
func (h *Handler) RegenerateSummary(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSummaryRequest(w, r)
	if !ok {
		return
	}
	out, err := h.summaries.Regenerate(r.Context(), req)
	if err != nil {
		h.summaryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{Message: "Summary regenerated successfully", Summary: out})
}

// ListSummaries returns the owner's recent summaries.
func (h *Handler) ListSummaries(w http.ResponseWriter, r *http.Request) {
	list := h.summaries.History(r.Context(), chi.URLParam(r, "ownerID"))
	if list == nil {
		list = []summary.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// InvalidateOwner drops every cache entry that belongs to the owner.
func (h *Handler) InvalidateOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(chi.URLParam(r, "ownerID"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner id is required")
		return
	}
	removed := h.summaries.InvalidateOwner(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, map[string]any{"ownerId": ownerID, "removed": removed})
}

// Health reports liveness. The service stays up without its cache, so a
// down cache is reported as degraded rather than failing the check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, state := "ok", "disabled"
	if h.cache != nil {
		state = h.cache.State().String()
		if !h.cache.IsAvailable() {
			status = "degraded"
		}
	}
	resp := healthResponse{Status: status, Cache: state}
	if h.store != nil {
		resp.CacheTTLSeconds = int64(h.store.DefaultTTL().Seconds())
	}
	if h.ai != nil {
		c := h.ai.GetConfig()
		resp.AI = &aiHealth{
			Enabled:       h.ai.Enabled(),
			Model:         c.Model,
			FallbackModel: c.FallbackModel,
			APIKey:        c.APIKey,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) summaryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, summary.ErrEmptyText):
		writeError(w, http.StatusBadRequest, "summaryText is required")
	case errors.Is(err, ai.ErrDisabled), errors.Is(err, ai.ErrUnavailable):
		requestLogger(r).Warn("summarizer unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		requestLogger(r).Error("summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeSummaryRequest(w http.ResponseWriter, r *http.Request) (summary.Request, bool) {
	var req summary.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "summaryText is required")
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
