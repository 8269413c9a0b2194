package service

import (
	"context"
	"sync"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/directory"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/repository/memory"
	"identity-service/internal/token"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// captureSender records delivered codes so tests can verify them later.
type captureSender struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (s *captureSender) Send(_ context.Context, _, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		return ""
	}
	return s.codes[len(s.codes)-1]
}

func testConfig() *config.Config {
	return &config.Config{
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
}

type testEnv struct {
	cfg       *config.Config
	clk       *fakeClock
	store     *memory.Store
	logs      *memory.LogStore
	counter   *memory.Counter
	hasher    *hashing.Hasher
	directory *directory.MemoryDirectory
	issuer    *token.Issuer
	sender    *captureSender
	rateLimit *RateLimitService
	otp       *OTPService
	auth      *AuthService
}

func newTestEnv(cfg *config.Config) *testEnv {
	clk := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	logs := memory.NewLogStore(store)
	counter := memory.NewCounter(store, clk.Now)
	hasher := hashing.NewHasher(cfg)
	dir := directory.NewMemoryDirectory()
	issuer := token.NewIssuer(cfg)
	sender := &captureSender{}

	rateLimit := NewRateLimitService(cfg, store, store, logs, nil, nil, clk)
	otp := NewOTPService(cfg, store, counter, rateLimit, hasher, sender, dir, issuer, clk)
	auth := NewAuthService(cfg, rateLimit, hasher, dir, issuer, clk)

	return &testEnv{
		cfg:       cfg,
		clk:       clk,
		store:     store,
		logs:      logs,
		counter:   counter,
		hasher:    hasher,
		directory: dir,
		issuer:    issuer,
		sender:    sender,
		rateLimit: rateLimit,
		otp:       otp,
		auth:      auth,
	}
}

func (e *testEnv) addUser(identifier, password, tenantID string, active bool) *model.User {
	hashed, err := e.hasher.HashPassword(password)
	if err != nil {
		panic(err)
	}
	user := &model.User{
		UserID:       "user-" + identifier,
		TenantID:     tenantID,
		Identifier:   identifier,
		PasswordHash: hashed.Encode(),
		IsActive:     active,
	}
	e.directory.AddUser(user)
	return user
}
