package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

// BlockCache is the optional Redis-backed fast path for block lookups.
type BlockCache interface {
	Put(ctx context.Context, rec *model.BlockedIdentifierRecord, now time.Time) error
	Get(ctx context.Context, identifier string) (*model.BlockedIdentifierRecord, error)
	Invalidate(ctx context.Context, identifier string) error
}

// Auditor publishes audit events. Implementations must be non-blocking
// from the caller's perspective.
type Auditor interface {
	Emit(ctx context.Context, eventType model.RateLimitEventType, identifier, reason string, detail map[string]string)
}

// FailureStatus describes the state of an identifier after a recorded
// login failure.
type FailureStatus struct {
	FailureCount int
	BackoffMs    int64
	RetryAt      time.Time
	Blocked      *model.BlockedIdentifierRecord
}

// RateLimitService owns failure tracking, exponential backoff, identifier
// blocking and the suspicious-activity rule.
type RateLimitService struct {
	cfg      *config.Config
	failures model.LoginFailureStore
	blocks   model.BlockStore
	limitLog model.RateLimitLogStore
	cache    BlockCache
	auditor  Auditor
	clock    util.Clock
}

func NewRateLimitService(
	cfg *config.Config,
	failures model.LoginFailureStore,
	blocks model.BlockStore,
	limitLog model.RateLimitLogStore,
	cache BlockCache,
	auditor Auditor,
	clock util.Clock,
) *RateLimitService {
	if clock == nil {
		clock = util.RealClock()
	}
	return &RateLimitService{
		cfg:      cfg,
		failures: failures,
		blocks:   blocks,
		limitLog: limitLog,
		cache:    cache,
		auditor:  auditor,
		clock:    clock,
	}
}

// CheckBlocked returns the live block for the identifier, or nil. The cache
// is consulted first; a cache hit is trusted because its TTL mirrors the
// block expiry. Expiry is always judged against the current clock, so a
// stale is_active flag in storage never extends a lapsed block.
func (s *RateLimitService) CheckBlocked(ctx context.Context, identifier string) (*model.BlockedIdentifierRecord, error) {
	now := s.clock.Now()

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, identifier)
		if err != nil {
			util.Warn("Block cache read failed, falling back to store", zap.Error(err))
		} else if cached != nil && cached.IsActive && !cached.IsExpired(now) {
			return cached, nil
		}
	}

	rec, err := s.blocks.FindActive(ctx, identifier, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check block state: %w", err)
	}
	if rec != nil && s.cache != nil {
		if err := s.cache.Put(ctx, rec, now); err != nil {
			util.Warn("Block cache write failed", zap.Error(err))
		}
	}
	return rec, nil
}

// BlockedError converts an active block into the client-facing error.
func (s *RateLimitService) BlockedError(rec *model.BlockedIdentifierRecord) *Error {
	remaining := rec.ExpiresAt.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return newRetryError(CodeBlocked,
		"identifier is temporarily blocked",
		remaining.Milliseconds())
}

// backoffDuration returns the delay after n failures: base doubled per
// failure, capped.
func (s *RateLimitService) backoffDuration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := s.cfg.Policy.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.cfg.Policy.BackoffCap {
			return s.cfg.Policy.BackoffCap
		}
	}
	if d > s.cfg.Policy.BackoffCap {
		d = s.cfg.Policy.BackoffCap
	}
	return d
}

// CheckBackoff rejects an attempt that lands inside the backoff interval
// earned by previous failures. Returns nil when the attempt may proceed.
func (s *RateLimitService) CheckBackoff(ctx context.Context, identifier string) error {
	now := s.clock.Now()
	since := now.Add(-s.cfg.Policy.FailureWindow)

	count, err := s.failures.CountSince(ctx, identifier, since)
	if err != nil {
		return fmt.Errorf("failed to count login failures: %w", err)
	}
	if count == 0 {
		return nil
	}

	last, err := s.failures.LastFailure(ctx, identifier)
	if err != nil {
		return fmt.Errorf("failed to read last login failure: %w", err)
	}
	if last == nil {
		return nil
	}

	retryAt := last.CreatedAt.Add(s.backoffDuration(count))
	if now.Before(retryAt) {
		s.logEvent(ctx, identifier, model.EventRateLimited, "")
		return newRetryError(CodeRateLimited,
			"too many failed attempts, retry later",
			retryAt.Sub(now).Milliseconds())
	}
	return nil
}

// RecordFailure appends a durable failure event, then evaluates the hard cap
// against the stored count. The append happens before the threshold read, so
// two racing failures both observe each other and the cap cannot be skipped.
func (s *RateLimitService) RecordFailure(ctx context.Context, identifier string, reason model.FailureReason, ip, userAgent string) (*FailureStatus, error) {
	now := s.clock.Now()

	rec := &model.LoginFailureRecord{
		Identifier: identifier,
		Reason:     reason,
		IPAddress:  ip,
		UserAgent:  userAgent,
		CreatedAt:  now,
	}
	if err := s.failures.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record login failure: %w", err)
	}

	s.logEvent(ctx, identifier, model.EventLoginFailure, ip)
	if s.auditor != nil {
		s.auditor.Emit(ctx, model.EventLoginFailure, identifier, string(reason), map[string]string{
			"ip_address": ip,
		})
	}

	since := now.Add(-s.cfg.Policy.FailureWindow)
	count, err := s.failures.CountSince(ctx, identifier, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count login failures: %w", err)
	}

	status := &FailureStatus{
		FailureCount: count,
		BackoffMs:    s.backoffDuration(count).Milliseconds(),
		RetryAt:      now.Add(s.backoffDuration(count)),
	}

	if count >= s.cfg.Policy.FailureHardCap {
		block, err := s.Block(ctx, identifier, model.BlockExcessiveLoginFailures)
		if err != nil {
			return nil, err
		}
		status.Blocked = block
	}

	return status, nil
}

// Block creates or escalates a block for the identifier.
func (s *RateLimitService) Block(ctx context.Context, identifier string, reason model.BlockReason) (*model.BlockedIdentifierRecord, error) {
	now := s.clock.Now()

	rec, err := s.blocks.Upsert(ctx, identifier, reason, now, s.cfg.Policy.BlockBaseDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to block identifier: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, rec, now); err != nil {
			util.Warn("Block cache write failed", zap.Error(err))
		}
	}

	s.logEvent(ctx, identifier, model.EventBlockCreated, "")
	if s.auditor != nil {
		s.auditor.Emit(ctx, model.EventBlockCreated, identifier, string(reason), map[string]string{
			"attempts":   strconv.Itoa(rec.Attempts),
			"expires_at": rec.ExpiresAt.Format(time.RFC3339),
		})
	}

	util.Warn("Identifier blocked",
		zap.String("reason", string(reason)),
		zap.Int("attempts", rec.Attempts),
		zap.Time("expires_at", rec.ExpiresAt))

	return rec, nil
}

// Unblock lifts every active block for the identifier. Unblocking an
// identifier with no active block succeeds and changes nothing. The
// escalation counter survives, so the next violation resumes the ladder.
func (s *RateLimitService) Unblock(ctx context.Context, identifier string) (bool, error) {
	changed, err := s.blocks.Deactivate(ctx, identifier)
	if err != nil {
		return false, fmt.Errorf("failed to unblock identifier: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, identifier); err != nil {
			util.Warn("Block cache invalidation failed", zap.Error(err))
		}
	}

	if changed {
		s.logEvent(ctx, identifier, model.EventBlockLifted, "")
		if s.auditor != nil {
			s.auditor.Emit(ctx, model.EventBlockLifted, identifier, string(model.BlockAdminManual), nil)
		}
	}

	return changed, nil
}

// ListBlocked returns active blocks for admin review.
func (s *RateLimitService) ListBlocked(ctx context.Context, limit, offset int) ([]*model.BlockedIdentifierRecord, int, error) {
	return s.blocks.List(ctx, s.clock.Now(), limit, offset)
}

// CheckSuspicious applies the three-signal rule over the detection window:
// heavy OTP requesting AND repeated login failures AND a trail of
// rate-limit events. All three must hold; any one alone is normal usage.
// When the rule fires the identifier is blocked.
func (s *RateLimitService) CheckSuspicious(ctx context.Context, identifier string) (*model.BlockedIdentifierRecord, error) {
	now := s.clock.Now()
	since := now.Add(-s.cfg.Policy.SuspiciousWindow)

	// OTP requests are counted from the durable event log; the OTP records
	// themselves are deleted shortly after expiry.
	otpCount, err := s.limitLog.CountEventSince(ctx, identifier, model.EventOTPRequest, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count OTP issuances: %w", err)
	}
	if otpCount < s.cfg.Policy.SuspiciousOTPCount {
		return nil, nil
	}

	failureCount, err := s.failures.CountSince(ctx, identifier, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count login failures: %w", err)
	}
	if failureCount < s.cfg.Policy.SuspiciousFailures {
		return nil, nil
	}

	eventCount, err := s.limitLog.CountEventSince(ctx, identifier, model.EventRateLimited, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count rate limit events: %w", err)
	}
	if eventCount < s.cfg.Policy.SuspiciousLogCount {
		return nil, nil
	}

	util.Warn("Suspicious activity pattern detected",
		zap.Int("otp_count", otpCount),
		zap.Int("failure_count", failureCount),
		zap.Int("event_count", eventCount))

	return s.Block(ctx, identifier, model.BlockSuspiciousActivity)
}

// LogOTPRequest records an OTP issuance in the durable event log.
func (s *RateLimitService) LogOTPRequest(ctx context.Context, identifier, ip string) {
	s.logEvent(ctx, identifier, model.EventOTPRequest, ip)
	if s.auditor != nil {
		s.auditor.Emit(ctx, model.EventOTPRequest, identifier, "", map[string]string{
			"ip_address": ip,
		})
	}
}

// LogRateLimited records a rate-limit rejection for the suspicious rule.
func (s *RateLimitService) LogRateLimited(ctx context.Context, identifier, ip string) {
	s.logEvent(ctx, identifier, model.EventRateLimited, ip)
	if s.auditor != nil {
		s.auditor.Emit(ctx, model.EventRateLimited, identifier, "", map[string]string{
			"ip_address": ip,
		})
	}
}

// logEvent appends to the durable rate-limit log. Failures are logged and
// swallowed; the log feeds detection, not correctness of the hot path.
func (s *RateLimitService) logEvent(ctx context.Context, identifier string, eventType model.RateLimitEventType, ip string) {
	rec := &model.RateLimitLogRecord{
		Identifier: identifier,
		EventType:  eventType,
		IPAddress:  ip,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.limitLog.Append(ctx, rec); err != nil {
		util.Error("Failed to append rate limit log",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
