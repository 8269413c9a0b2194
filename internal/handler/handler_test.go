package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
	"identity-service/internal/directory"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/repository/memory"
	"identity-service/internal/service"
	"identity-service/internal/token"
)

type captureSender struct {
	mu   sync.Mutex
	last string
}

func (s *captureSender) Send(_ context.Context, _, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = code
	return nil
}

func (s *captureSender) lastCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type staticHealth bool

func (h staticHealth) IsHealthy(context.Context) bool { return bool(h) }

type testStack struct {
	router    chi.Router
	sender    *captureSender
	rateLimit *service.RateLimitService
	directory *directory.MemoryDirectory
	hasher    *hashing.Hasher
}

func newTestStack(healthy bool) *testStack {
	cfg := &config.Config{
		Environment: "development",
		Policy: config.PolicyConfig{
			OTPLength:          6,
			OTPExpiry:          3 * time.Minute,
			OTPIssuanceWindow:  5 * time.Minute,
			OTPIssuanceCap:     3,
			OTPAttemptCap:      3,
			FailureWindow:      15 * time.Minute,
			FailureHardCap:     5,
			BackoffBase:        time.Second,
			BackoffCap:         5 * time.Minute,
			BlockBaseDuration:  15 * time.Minute,
			SuspiciousWindow:   30 * time.Minute,
			SuspiciousOTPCount: 8,
			SuspiciousFailures: 7,
			SuspiciousLogCount: 6,
			FailureRetention:   24 * time.Hour,
			LogRetention:       7 * 24 * time.Hour,
			CleanupInterval:    5 * time.Minute,
			DeliveryTimeout:    10 * time.Second,
		},
		JWT: config.JWTConfig{
			SigningKey: "test-signing-key",
			Issuer:     "identity-service",
			TokenTTL:   time.Hour,
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   8192,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 30,
		},
	}

	store := memory.NewStore()
	logs := memory.NewLogStore(store)
	counter := memory.NewCounter(store, nil)
	hasher := hashing.NewHasher(cfg)
	dir := directory.NewMemoryDirectory()
	issuer := token.NewIssuer(cfg)
	sender := &captureSender{}

	rateLimit := service.NewRateLimitService(cfg, store, store, logs, nil, nil, nil)
	otp := service.NewOTPService(cfg, store, counter, rateLimit, hasher, sender, dir, issuer, nil)
	auth := service.NewAuthService(cfg, rateLimit, hasher, dir, issuer, nil)

	router := NewRouter(NewAuthHandler(otp, auth), NewAdminHandler(rateLimit), staticHealth(healthy))

	return &testStack{
		router:    router,
		sender:    sender,
		rateLimit: rateLimit,
		directory: dir,
		hasher:    hasher,
	}
}

func (s *testStack) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp Response
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func TestRequestOTPValidation(t *testing.T) {
	stack := newTestStack(true)

	rec, resp := stack.do(t, http.MethodPost, "/api/v1/otp/request", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
}

func TestOTPFlowOverHTTP(t *testing.T) {
	stack := newTestStack(true)
	hashed, err := stack.hasher.HashPassword("unused")
	require.NoError(t, err)
	stack.directory.AddUser(&model.User{
		UserID:       "user-1",
		TenantID:     "school-1",
		Identifier:   "+919876543210",
		PasswordHash: hashed.Encode(),
		IsActive:     true,
	})

	rec, resp := stack.do(t, http.MethodPost, "/api/v1/otp/request", map[string]string{
		"identifier": "+91 98765-43210",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	code := stack.sender.lastCode()
	require.Len(t, code, 6)

	rec, resp = stack.do(t, http.MethodPost, "/api/v1/otp/verify", map[string]string{
		"identifier": "+919876543210",
		"code":       code,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["token"])
	assert.Equal(t, "user-1", data["user_id"])
}

func TestOTPVerifyErrors(t *testing.T) {
	stack := newTestStack(true)

	// Nothing issued yet.
	rec, resp := stack.do(t, http.MethodPost, "/api/v1/otp/verify", map[string]string{
		"identifier": "+911111111111",
		"code":       "123456",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, service.CodeNotFound, resp.Code)

	rec, _ = stack.do(t, http.MethodPost, "/api/v1/otp/request", map[string]string{
		"identifier": "+911111111111",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	wrong := "000000"
	if stack.sender.lastCode() == wrong {
		wrong = "000001"
	}
	rec, resp = stack.do(t, http.MethodPost, "/api/v1/otp/verify", map[string]string{
		"identifier": "+911111111111",
		"code":       wrong,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, service.CodeInvalidOTP, resp.Code)
}

func TestIssuanceCapOverHTTP(t *testing.T) {
	stack := newTestStack(true)

	for i := 0; i < 3; i++ {
		rec, _ := stack.do(t, http.MethodPost, "/api/v1/otp/request", map[string]string{
			"identifier": "+912222222222",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, resp := stack.do(t, http.MethodPost, "/api/v1/otp/request", map[string]string{
		"identifier": "+912222222222",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, service.CodeRateLimited, resp.Code)
	assert.Greater(t, resp.RetryAfterMs, int64(0))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestLoginOverHTTP(t *testing.T) {
	stack := newTestStack(true)
	hashed, err := stack.hasher.HashPassword("correct horse")
	require.NoError(t, err)
	stack.directory.AddUser(&model.User{
		UserID:       "user-2",
		TenantID:     "school-1",
		Identifier:   "teacher@school.edu",
		PasswordHash: hashed.Encode(),
		IsActive:     true,
	})

	rec, resp := stack.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"identifier": "teacher@school.edu",
		"password":   "wrong",
		"tenant_id":  "school-1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, service.CodeInvalidCredentials, resp.Code)

	// Inside the backoff interval even the right password is 429.
	rec, resp = stack.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"identifier": "teacher@school.edu",
		"password":   "correct horse",
		"tenant_id":  "school-1",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, service.CodeRateLimited, resp.Code)
}

func TestBlockedOverHTTP(t *testing.T) {
	stack := newTestStack(true)

	_, err := stack.rateLimit.Block(context.Background(), "+913333333333", model.BlockAdminManual)
	require.NoError(t, err)

	rec, resp := stack.do(t, http.MethodPost, "/api/v1/otp/request", map[string]string{
		"identifier": "+913333333333",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, service.CodeBlocked, resp.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAdminBlockedListAndUnblock(t *testing.T) {
	stack := newTestStack(true)

	_, err := stack.rateLimit.Block(context.Background(), "+914444444444", model.BlockAdminManual)
	require.NoError(t, err)

	rec, resp := stack.do(t, http.MethodGet, "/api/v1/admin/blocked", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 1, resp.Meta.Total)

	rec, resp = stack.do(t, http.MethodPost, "/api/v1/admin/unblock", map[string]string{
		"identifier": "+91 44444-44444",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, true, data["changed"])

	// Idempotent: a second unblock succeeds and changes nothing.
	rec, resp = stack.do(t, http.MethodPost, "/api/v1/admin/unblock", map[string]string{
		"identifier": "+914444444444",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	data = resp.Data.(map[string]interface{})
	assert.Equal(t, false, data["changed"])
}

func TestHealthEndpoint(t *testing.T) {
	healthy := newTestStack(true)
	rec, _ := healthy.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	degraded := newTestStack(false)
	rec, _ = degraded.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	stack := newTestStack(true)

	rec, _ := stack.do(t, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = stack.do(t, http.MethodGet, "/api/v1/otp/request", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
