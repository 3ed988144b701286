// Package handler serves the scan HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/api/cache"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanjob"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/middleware"
)

const (
	maxRequestBody = 1 << 20

	defaultSharedScanTimeout = 5 * time.Minute
)

type ScanRunner interface {
	Prepare(req scanjob.Request) (scanjob.Request, error)
	Run(ctx context.Context, req scanjob.Request) (*scanjob.Result, error)
}

// RunReader serves stored runs. It is nil when persistence is off.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	Matches(ctx context.Context, id string) ([]unit.Match, error)
}

type Handler struct {
	runner        ScanRunner
	cache         *cache.ResultCache
	runs          RunReader
	sharedTimeout time.Duration
	logger        *slog.Logger
}

type scanResponse struct {
	*scanjob.Result
	Cached    bool   `json:"cached"`
	RequestID string `json:"requestId,omitempty"`
}

type runResponse struct {
	store.Run
	Matches []unit.Match `json:"matches"`
}

func New(runner ScanRunner, resultCache *cache.ResultCache, runs RunReader) *Handler {
	return &Handler{
		runner:        runner,
		cache:         resultCache,
		runs:          runs,
		sharedTimeout: defaultSharedScanTimeout,
		logger:        slog.Default().With("component", "scan-handler"),
	}
}

// WithSharedScanTimeout bounds cached scans, which run detached from the
// request that started them. Non-positive values keep the default.
func (h *Handler) WithSharedScanTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.sharedTimeout = d
	}
	return h
}

// Routes registers every API route on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/scans", h.Scan)
	mux.HandleFunc("GET /api/v1/scans", h.ListScans)
	mux.HandleFunc("GET /api/v1/scans/{id}", h.GetScan)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req scanjob.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	prepared, err := h.runner.Prepare(req)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	result, cached, err := h.scan(ctx, prepared)
	if err != nil {
		log.Error("scan request failed", "error", err)
		h.writeAppError(w, err)
		return
	}

	log.Info("scan request served",
		"scan_id", result.ScanID,
		"matches", len(result.Matches),
		"cached", cached,
	)
	h.writeJSON(w, http.StatusOK, scanResponse{
		Result:    result,
		Cached:    cached,
		RequestID: middleware.GetRequestID(ctx),
	})
}

// scan runs a prepared request through the result cache. Requests that
// name their own scan id always run.
func (h *Handler) scan(ctx context.Context, prepared scanjob.Request) (*scanjob.Result, bool, error) {
	if h.cache == nil || prepared.ID != "" {
		result, err := h.runner.Run(ctx, prepared)
		return result, false, err
	}
	key, err := cache.Key(prepared)
	if err != nil {
		logger.FromContext(ctx).Warn("cache key unavailable, scanning uncached", "error", err)
		result, err := h.runner.Run(ctx, prepared)
		return result, false, err
	}
	// Callers waiting on the same key share this run, so it must outlive
	// whichever request happened to start it.
	return h.cache.GetOrCompute(ctx, key, func() (*scanjob.Result, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.sharedTimeout)
		defer cancel()
		return h.runner.Run(runCtx, prepared)
	})
}

func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "scan persistence is disabled")
		return
	}
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, 500)
	}
	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing scans failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing scans failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "scan persistence is disabled")
		return
	}
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("scan %s not found", id))
		return
	}
	ctx := r.Context()
	run, err := h.runs.GetRun(ctx, id)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	matches, err := h.runs.Matches(ctx, id)
	if err != nil {
		h.logger.Error("loading matches failed", "scan_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "loading matches failed")
		return
	}
	h.writeJSON(w, http.StatusOK, runResponse{Run: *run, Matches: matches})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses, entries := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"entries":  entries,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}

	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusCode(err)
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		message = "scan failed"
	}
	h.writeError(w, status, message)
}
