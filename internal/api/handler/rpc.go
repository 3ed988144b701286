package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanjob"
	apperrors "github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/rpc"
)

const (
	MethodScan   = "ScanService.Scan"
	MethodGetRun = "ScanService.GetRun"
)

// GetRunParams selects a stored run over RPC.
type GetRunParams struct {
	ID string `json:"id"`
}

// RegisterRPC exposes the scan operations on an RPC server. The same cache
// and run store back both front ends.
func (h *Handler) RegisterRPC(s *rpc.Server) {
	s.Register(MethodScan, h.rpcScan)
	if h.runs != nil {
		s.Register(MethodGetRun, h.rpcGetRun)
	}
}

func (h *Handler) rpcScan(ctx context.Context, params json.RawMessage) (any, error) {
	var req scanjob.Request
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid params: %v", err)
	}
	prepared, err := h.runner.Prepare(req)
	if err != nil {
		return nil, err
	}
	result, cached, err := h.scan(ctx, prepared)
	if err != nil {
		h.logger.Error("rpc scan failed", "error", err)
		return nil, err
	}
	return scanResponse{Result: result, Cached: cached}, nil
}

func (h *Handler) rpcGetRun(ctx context.Context, params json.RawMessage) (any, error) {
	var p GetRunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid params: %v", err)
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return nil, apperrors.Newf(apperrors.ErrScanNotFound, http.StatusNotFound, "scan %s not found", p.ID)
	}
	run, err := h.runs.GetRun(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	matches, err := h.runs.Matches(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return runResponse{Run: *run, Matches: matches}, nil
}
