package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// LoginResult reports a successful password login.
type LoginResult struct {
	Token    string
	UserID   string
	TenantID string
}

// AuthService verifies password credentials under the failure-tracking and
// backoff rules. Every rejection for an unknown user or a wrong password
// reads the same to the caller.
type AuthService struct {
	cfg       *config.Config
	rateLimit *RateLimitService
	hasher    *hashing.Hasher
	directory model.UserDirectory
	issuer    *token.Issuer
	clock     util.Clock
}

func NewAuthService(
	cfg *config.Config,
	rateLimit *RateLimitService,
	hasher *hashing.Hasher,
	directory model.UserDirectory,
	issuer *token.Issuer,
	clock util.Clock,
) *AuthService {
	if clock == nil {
		clock = util.RealClock()
	}
	return &AuthService{
		cfg:       cfg,
		rateLimit: rateLimit,
		hasher:    hasher,
		directory: directory,
		issuer:    issuer,
		clock:     clock,
	}
}

// Login validates the credential. Order matters: the block check runs
// first, then the backoff gate, and only then the expensive verification.
func (s *AuthService) Login(ctx context.Context, identifier, password, tenantID, ip, userAgent string) (*LoginResult, error) {
	identifier = util.NormalizeIdentifier(identifier)

	blocked, err := s.rateLimit.CheckBlocked(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return nil, s.rateLimit.BlockedError(blocked)
	}

	if err := s.rateLimit.CheckBackoff(ctx, identifier); err != nil {
		return nil, err
	}

	user, err := s.directory.ResolveUser(ctx, identifier, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	if user == nil {
		return nil, s.reject(ctx, identifier, model.FailureUserNotFound, ip, userAgent)
	}
	if !user.IsActive {
		return nil, s.reject(ctx, identifier, model.FailureUserNotFound, ip, userAgent)
	}

	stored, err := hashing.DecodeHashResult(user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored credential: %w", err)
	}

	match, err := s.hasher.VerifyPassword(password, stored)
	if err != nil {
		return nil, fmt.Errorf("failed to verify credential: %w", err)
	}
	if !match {
		return nil, s.reject(ctx, identifier, model.FailureInvalidCredentials, ip, userAgent)
	}

	tok, err := s.issuer.Issue(user.UserID, user.TenantID, "password")
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	util.Info("Login succeeded", zap.String("user_id", user.UserID))

	return &LoginResult{
		Token:    tok,
		UserID:   user.UserID,
		TenantID: user.TenantID,
	}, nil
}

// reject records the failure and returns the uniform credentials error. A
// hard-cap block raised by this very failure is reported as BLOCKED instead.
func (s *AuthService) reject(ctx context.Context, identifier string, reason model.FailureReason, ip, userAgent string) error {
	status, err := s.rateLimit.RecordFailure(ctx, identifier, reason, ip, userAgent)
	if err != nil {
		util.Error("Failed to record login failure", zap.Error(err))
		return newError(CodeInvalidCredentials, "invalid credentials")
	}

	if _, err := s.rateLimit.CheckSuspicious(ctx, identifier); err != nil {
		util.Error("Suspicious activity check failed", zap.Error(err))
	}

	if status.Blocked != nil {
		return s.rateLimit.BlockedError(status.Blocked)
	}
	return newError(CodeInvalidCredentials, "invalid credentials")
}
