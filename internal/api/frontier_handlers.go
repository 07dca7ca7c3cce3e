package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
)

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500
	frontierTimeout     = 3 * time.Second
)

// FrontierHandler exposes read-only frontier endpoints.
type FrontierHandler struct {
	store   crawler.FrontierStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewFrontierHandler wires the store and logger.
func NewFrontierHandler(store crawler.FrontierStore, logger *zap.Logger) *FrontierHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrontierHandler{
		store:   store,
		timeout: frontierTimeout,
		logger:  logger,
	}
}

// GetURL handles GET /v1/urls?url=. It returns {"url": {...}} on success, 400
// for a missing or invalid url, 404 when the row does not exist, 503 without a
// store, or 500 otherwise.
func (h *FrontierHandler) GetURL(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "frontier store unavailable")
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	url, err := crawler.NormalizeURL(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.store.Get(ctx, url)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "url not found")
			return
		}
		h.logger.Error("get url failed", zap.String("url", url), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": toURLDTO(rec)})
}

// ListPending handles GET /v1/urls/pending?limit=. It returns the URLs the next
// batch cycle would select, in selection order.
func (h *FrontierHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "frontier store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultPendingLimit, maxPendingLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	urls, err := h.store.SelectPendingBatch(ctx, limit)
	if err != nil {
		h.logger.Error("list pending failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pending urls")
		return
	}
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

// Stats handles GET /v1/stats. Every known status is present, zero or not.
func (h *FrontierHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "frontier store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("count by status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	out := make(map[string]int64, len(crawler.AllStatuses))
	var total int64
	for _, status := range crawler.AllStatuses {
		out[string(status)] = counts[status]
		total += counts[status]
	}
	writeJSON(w, http.StatusOK, statsDTO{Counts: out, Total: total})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

type urlDTO struct {
	URL            string   `json:"url"`
	Status         string   `json:"status"`
	Content        *string  `json:"content,omitempty"`
	Classification *string  `json:"classification,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	ErrorMessage   *string  `json:"error_message,omitempty"`
	CrawledAt      *string  `json:"crawled_at,omitempty"`
}

type statsDTO struct {
	Counts map[string]int64 `json:"counts"`
	Total  int64            `json:"total"`
}

func toURLDTO(rec crawler.URLRecord) urlDTO {
	dto := urlDTO{
		URL:            rec.URL,
		Status:         string(rec.Status),
		Content:        rec.Content,
		Classification: rec.Classification,
		Confidence:     rec.Confidence,
		ErrorMessage:   rec.ErrorMessage,
	}
	if rec.CrawledAt != nil {
		ts := rec.CrawledAt.UTC().Format(time.RFC3339Nano)
		dto.CrawledAt = &ts
	}
	return dto
}
