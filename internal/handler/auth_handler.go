package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"identity-service/internal/service"
	"identity-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AuthHandler handles OTP and password authentication requests.
type AuthHandler struct {
	otpService  *service.OTPService
	authService *service.AuthService
}

func NewAuthHandler(otpService *service.OTPService, authService *service.AuthService) *AuthHandler {
	return &AuthHandler{
		otpService:  otpService,
		authService: authService,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	Error        string      `json:"error,omitempty"`
	Code         string      `json:"code,omitempty"`
	RetryAfterMs int64       `json:"retry_after_ms,omitempty"`
	Message      string      `json:"message,omitempty"`
	Meta         *Meta       `json:"meta,omitempty"`
}

// Meta carries pagination metadata.
type Meta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

type otpRequestBody struct {
	Identifier string `json:"identifier"`
}

type otpVerifyBody struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
}

type loginBody struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	TenantID   string `json:"tenant_id"`
}

// RegisterRoutes registers authentication routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/request", h.RequestOTP)
		r.Post("/verify", h.VerifyOTP)
	})
	router.Post("/auth/login", h.Login)
}

// RequestOTP handles OTP issuance.
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req otpRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		respondBadRequest(w, "identifier is required")
		return
	}

	result, err := h.otpService.Request(ctx, req.Identifier, clientIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"expires_at": result.ExpiresAt,
	}, "Code sent"))

	util.Debug("OTP requested via HTTP",
		zap.Duration("duration", time.Since(startTime)))
}

// VerifyOTP handles OTP verification.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req otpVerifyBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" || req.Code == "" {
		respondBadRequest(w, "identifier and code are required")
		return
	}

	result, err := h.otpService.Verify(ctx, req.Identifier, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"token":     result.Token,
		"user_id":   result.UserID,
		"tenant_id": result.TenantID,
	}, "Code verified"))

	util.Debug("OTP verified via HTTP",
		zap.Duration("duration", time.Since(startTime)))
}

// Login handles password authentication.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req loginBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" || req.Password == "" {
		respondBadRequest(w, "identifier and password are required")
		return
	}

	result, err := h.authService.Login(ctx, req.Identifier, req.Password, req.TenantID, clientIP(r), r.UserAgent())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"token":     result.Token,
		"user_id":   result.UserID,
		"tenant_id": result.TenantID,
	}, "Login succeeded"))

	util.Debug("Login via HTTP",
		zap.Duration("duration", time.Since(startTime)))
}

// -------------------- shared response helpers --------------------

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		util.Error("Failed to encode response", zap.Error(err))
	}
}

func respondBadRequest(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusBadRequest, Response{
		Success: false,
		Error:   message,
	})
}

// respondServiceError maps service error codes onto HTTP statuses. Unknown
// errors stay opaque to the client.
func respondServiceError(w http.ResponseWriter, err error) {
	se, ok := service.AsServiceError(err)
	if !ok {
		util.Error("Unhandled service error", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, Response{
			Success: false,
			Error:   "internal error",
			Code:    service.CodeSystemError,
		})
		return
	}

	status := http.StatusBadRequest
	switch se.Code {
	case service.CodeRateLimited:
		status = http.StatusTooManyRequests
	case service.CodeBlocked:
		status = http.StatusForbidden
	case service.CodeInvalidOTP, service.CodeInvalidCredentials:
		status = http.StatusUnauthorized
	case service.CodeExpiredOTP:
		status = http.StatusGone
	case service.CodeNotFound:
		status = http.StatusNotFound
	case service.CodeSystemError:
		status = http.StatusInternalServerError
	}

	if se.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((se.RetryAfterMs+999)/1000, 10))
	}

	respondJSON(w, status, Response{
		Success:      false,
		Error:        se.Message,
		Code:         se.Code,
		RetryAfterMs: se.RetryAfterMs,
	})
}

func clientIP(r *http.Request) string {
	// middleware.RealIP already rewrote RemoteAddr from X-Forwarded-For
	return r.RemoteAddr
}
