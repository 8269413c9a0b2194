package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"identity-service/internal/service"
	"identity-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AdminHandler exposes block inspection and manual unblock for operators.
type AdminHandler struct {
	rateLimit *service.RateLimitService
}

func NewAdminHandler(rateLimit *service.RateLimitService) *AdminHandler {
	return &AdminHandler{
		rateLimit: rateLimit,
	}
}

type unblockBody struct {
	Identifier string `json:"identifier"`
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Get("/blocked", h.ListBlocked)
		r.Post("/unblock", h.Unblock)
	})
}

// ListBlocked returns the active blocks, newest first.
func (h *AdminHandler) ListBlocked(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit > 500 {
		limit = 500
	}

	records, total, err := h.rateLimit.ListBlocked(ctx, limit, offset)
	if err != nil {
		util.Error("Failed to list blocked identifiers", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, Response{
			Success: false,
			Error:   "internal error",
			Code:    service.CodeSystemError,
		})
		return
	}

	resp := successResponse(records, "")
	resp.Meta = &Meta{Total: total, Limit: limit, Offset: offset}
	respondJSON(w, http.StatusOK, resp)
}

// Unblock lifts the block for an identifier. Unblocking an identifier with
// no active block still succeeds.
func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req unblockBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		respondBadRequest(w, "identifier is required")
		return
	}

	changed, err := h.rateLimit.Unblock(ctx, util.NormalizeIdentifier(req.Identifier))
	if err != nil {
		util.Error("Failed to unblock identifier", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, Response{
			Success: false,
			Error:   "internal error",
			Code:    service.CodeSystemError,
		})
		return
	}

	respondJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"changed": changed,
	}, "Unblocked"))
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
