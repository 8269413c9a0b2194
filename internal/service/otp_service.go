package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/delivery"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// IssueResult reports a successful OTP issuance.
type IssueResult struct {
	ExpiresAt time.Time
}

// VerifyResult reports a consumed OTP. Token is empty when the identifier
// resolves to no directory user; the code is still burned.
type VerifyResult struct {
	Token    string
	UserID   string
	TenantID string
}

// OTPService issues and verifies one-time passwords.
type OTPService struct {
	cfg       *config.Config
	otps      model.OTPStore
	counter   model.IssuanceCounter
	rateLimit *RateLimitService
	hasher    *hashing.Hasher
	sender    delivery.Sender
	directory model.UserDirectory
	issuer    *token.Issuer
	clock     util.Clock
}

func NewOTPService(
	cfg *config.Config,
	otps model.OTPStore,
	counter model.IssuanceCounter,
	rateLimit *RateLimitService,
	hasher *hashing.Hasher,
	sender delivery.Sender,
	directory model.UserDirectory,
	issuer *token.Issuer,
	clock util.Clock,
) *OTPService {
	if clock == nil {
		clock = util.RealClock()
	}
	return &OTPService{
		cfg:       cfg,
		otps:      otps,
		counter:   counter,
		rateLimit: rateLimit,
		hasher:    hasher,
		sender:    sender,
		directory: directory,
		issuer:    issuer,
		clock:     clock,
	}
}

// Request issues a fresh code for the identifier. Any previously unused
// code is invalidated first, so exactly one code is live per identifier.
// A delivery failure surfaces as a system error but the stored record and
// the consumed issuance slot both stand.
func (s *OTPService) Request(ctx context.Context, identifier, ip string) (*IssueResult, error) {
	identifier = util.NormalizeIdentifier(identifier)
	now := s.clock.Now()

	blocked, err := s.rateLimit.CheckBlocked(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return nil, s.rateLimit.BlockedError(blocked)
	}

	count, err := s.counter.Increment(ctx, identifier, s.cfg.Policy.OTPIssuanceWindow)
	if err != nil {
		// Counter backend down: fall back to the durable record count so the
		// cap still binds. The +1 accounts for the request in flight.
		util.Warn("Issuance counter unavailable, using durable count", zap.Error(err))
		durable, derr := s.otps.CountCreatedSince(ctx, identifier, now.Add(-s.cfg.Policy.OTPIssuanceWindow))
		if derr != nil {
			return nil, fmt.Errorf("failed to count OTP issuances: %w", derr)
		}
		count = durable + 1
	}

	if count > s.cfg.Policy.OTPIssuanceCap {
		s.rateLimit.LogRateLimited(ctx, identifier, ip)
		if _, err := s.rateLimit.CheckSuspicious(ctx, identifier); err != nil {
			util.Error("Suspicious activity check failed", zap.Error(err))
		}
		return nil, newRetryError(CodeRateLimited,
			"too many codes requested, retry later",
			s.cfg.Policy.OTPIssuanceWindow.Milliseconds())
	}

	if err := s.otps.InvalidateActive(ctx, identifier); err != nil {
		return nil, err
	}

	code, err := generateCode(s.cfg.Policy.OTPLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	rec := &model.OTPRecord{
		Identifier: identifier,
		CodeHash:   hashed.Hash,
		CodeSalt:   hashed.Salt,
		PepperVer:  hashed.PepperVersion,
		ExpiresAt:  now.Add(s.cfg.Policy.OTPExpiry),
		CreatedAt:  now,
	}
	if err := s.otps.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.rateLimit.LogOTPRequest(ctx, identifier, ip)

	if _, err := s.rateLimit.CheckSuspicious(ctx, identifier); err != nil {
		util.Error("Suspicious activity check failed", zap.Error(err))
	}

	if err := s.sender.Send(ctx, identifier, code); err != nil {
		// The record stays valid and the issuance slot stays consumed, so a
		// flapping gateway cannot be used to mint unlimited codes.
		util.Error("OTP delivery failed", zap.Error(err))
		return nil, newError(CodeSystemError, "failed to deliver code")
	}

	util.Info("OTP issued",
		zap.String("record_id", rec.RecordID),
		zap.Time("expires_at", rec.ExpiresAt))

	return &IssueResult{ExpiresAt: rec.ExpiresAt}, nil
}

// Verify consumes a code. The attempt counter is incremented atomically
// before the comparison, so concurrent guesses against one record can never
// exceed the attempt cap, and the single-use mark has exactly one winner.
func (s *OTPService) Verify(ctx context.Context, identifier, code, ip, userAgent string) (*VerifyResult, error) {
	identifier = util.NormalizeIdentifier(identifier)
	now := s.clock.Now()

	blocked, err := s.rateLimit.CheckBlocked(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return nil, s.rateLimit.BlockedError(blocked)
	}

	rec, err := s.otps.GetLatest(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, newError(CodeNotFound, "no code issued")
	}

	if rec.IsExpired(now) {
		if _, err := s.rateLimit.RecordFailure(ctx, identifier, model.FailureExpiredOTP, ip, userAgent); err != nil {
			util.Error("Failed to record expired-code failure", zap.Error(err))
		}
		return nil, newError(CodeExpiredOTP, "code has expired")
	}

	attempts, err := s.otps.IncrementAttempts(ctx, identifier, rec.RecordID)
	if err != nil {
		return nil, err
	}
	if attempts > s.cfg.Policy.OTPAttemptCap {
		if err := s.otps.InvalidateActive(ctx, identifier); err != nil {
			util.Error("Failed to invalidate over-attempted code", zap.Error(err))
		}
		if _, err := s.rateLimit.RecordFailure(ctx, identifier, model.FailureInvalidOTP, ip, userAgent); err != nil {
			util.Error("Failed to record attempt-cap failure", zap.Error(err))
		}
		return nil, newError(CodeInvalidOTP, "invalid code")
	}

	hashed := &hashing.HashResult{
		Hash:          rec.CodeHash,
		Salt:          rec.CodeSalt,
		PepperVersion: rec.PepperVer,
		Algorithm:     "argon2id-v1",
	}
	match, err := s.hasher.VerifyOTP(code, hashed)
	if err != nil {
		return nil, fmt.Errorf("failed to verify code: %w", err)
	}

	if !match {
		if attempts >= s.cfg.Policy.OTPAttemptCap {
			if err := s.otps.InvalidateActive(ctx, identifier); err != nil {
				util.Error("Failed to invalidate exhausted code", zap.Error(err))
			}
		}
		if _, err := s.rateLimit.RecordFailure(ctx, identifier, model.FailureInvalidOTP, ip, userAgent); err != nil {
			util.Error("Failed to record invalid-code failure", zap.Error(err))
		}
		if _, err := s.rateLimit.CheckSuspicious(ctx, identifier); err != nil {
			util.Error("Suspicious activity check failed", zap.Error(err))
		}
		return nil, newError(CodeInvalidOTP, "invalid code")
	}

	used, err := s.otps.MarkUsed(ctx, identifier, rec.RecordID)
	if err != nil {
		return nil, err
	}
	if !used {
		// Another verifier won the race; this caller gets a rejection.
		return nil, newError(CodeInvalidOTP, "invalid code")
	}

	result := &VerifyResult{}
	if s.directory != nil {
		user, err := s.directory.ResolveUser(ctx, identifier, "")
		if err != nil {
			util.Error("Directory lookup failed after verification", zap.Error(err))
		} else if user != nil {
			result.UserID = user.UserID
			result.TenantID = user.TenantID
			if s.issuer != nil {
				tok, err := s.issuer.Issue(user.UserID, user.TenantID, "otp")
				if err != nil {
					util.Error("Token issuance failed after verification", zap.Error(err))
				} else {
					result.Token = tok
				}
			}
		}
	}

	util.Info("OTP verified", zap.String("record_id", rec.RecordID))
	return result, nil
}

// generateCode draws a uniform numeric code of the given length.
func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
