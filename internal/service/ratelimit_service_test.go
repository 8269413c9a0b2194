package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/model"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.FailureHardCap = 1000
	env := newTestEnv(cfg)
	ctx := context.Background()

	id := "+911234567890"

	expected := []int64{1000, 2000, 4000, 8000, 16000}
	for i, want := range expected {
		status, err := env.rateLimit.RecordFailure(ctx, id, model.FailureInvalidCredentials, "10.0.0.1", "test")
		require.NoError(t, err)
		assert.Equal(t, i+1, status.FailureCount)
		assert.Equal(t, want, status.BackoffMs)
	}

	// Far enough up the ladder the delay pins at the cap.
	for i := 0; i < 20; i++ {
		_, err := env.rateLimit.RecordFailure(ctx, id, model.FailureInvalidCredentials, "10.0.0.1", "test")
		require.NoError(t, err)
	}
	status, err := env.rateLimit.RecordFailure(ctx, id, model.FailureInvalidCredentials, "10.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, cfg.Policy.BackoffCap.Milliseconds(), status.BackoffMs)
}

func TestCheckBackoffGate(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.FailureHardCap = 1000
	env := newTestEnv(cfg)
	ctx := context.Background()

	id := "+911234567890"

	require.NoError(t, env.rateLimit.CheckBackoff(ctx, id), "no failures, no backoff")

	_, err := env.rateLimit.RecordFailure(ctx, id, model.FailureInvalidCredentials, "10.0.0.1", "test")
	require.NoError(t, err)

	err = env.rateLimit.CheckBackoff(ctx, id)
	se := requireServiceError(t, err, CodeRateLimited)
	assert.Equal(t, int64(1000), se.RetryAfterMs)

	env.clk.Advance(time.Second)
	require.NoError(t, env.rateLimit.CheckBackoff(ctx, id), "backoff elapsed")

	// Failures outside the tracking window stop counting.
	env.clk.Advance(cfg.Policy.FailureWindow)
	require.NoError(t, env.rateLimit.CheckBackoff(ctx, id))
}

func TestHardCapBlocks(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	id := "teacher@school.edu"

	var status *FailureStatus
	var err error
	for i := 0; i < env.cfg.Policy.FailureHardCap; i++ {
		status, err = env.rateLimit.RecordFailure(ctx, id, model.FailureInvalidCredentials, "10.0.0.1", "test")
		require.NoError(t, err)
	}

	require.NotNil(t, status.Blocked)
	assert.Equal(t, model.BlockExcessiveLoginFailures, status.Blocked.Reason)
	assert.Equal(t, 1, status.Blocked.Attempts)
	assert.Equal(t, env.clk.Now().Add(env.cfg.Policy.BlockBaseDuration), status.Blocked.ExpiresAt)

	blocked, err := env.rateLimit.CheckBlocked(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, blocked)
}

func TestBlockEscalation(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	id := "+917000000000"

	first, err := env.rateLimit.Block(ctx, id, model.BlockExcessiveOTPRequests)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, env.clk.Now().Add(env.cfg.Policy.BlockBaseDuration), first.ExpiresAt)

	second, err := env.rateLimit.Block(ctx, id, model.BlockExcessiveOTPRequests)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, env.clk.Now().Add(2*env.cfg.Policy.BlockBaseDuration), second.ExpiresAt)

	// The escalation counter survives a manual unblock.
	changed, err := env.rateLimit.Unblock(ctx, id)
	require.NoError(t, err)
	assert.True(t, changed)

	blocked, err := env.rateLimit.CheckBlocked(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	third, err := env.rateLimit.Block(ctx, id, model.BlockExcessiveOTPRequests)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Attempts)
	assert.Equal(t, env.clk.Now().Add(3*env.cfg.Policy.BlockBaseDuration), third.ExpiresAt)
}

func TestBlockExpiresAtReadTime(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	id := "+917100000000"

	_, err := env.rateLimit.Block(ctx, id, model.BlockAdminManual)
	require.NoError(t, err)

	env.clk.Advance(env.cfg.Policy.BlockBaseDuration + time.Second)

	blocked, err := env.rateLimit.CheckBlocked(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, blocked, "a lapsed block denies nothing even before cleanup runs")
}

func TestUnblockIdempotent(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	changed, err := env.rateLimit.Unblock(ctx, "+917200000000")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = env.rateLimit.Block(ctx, "+917200000000", model.BlockAdminManual)
	require.NoError(t, err)

	changed, err = env.rateLimit.Unblock(ctx, "+917200000000")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = env.rateLimit.Unblock(ctx, "+917200000000")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSuspiciousRuleRequiresAllSignals(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.FailureHardCap = 1000
	cfg.Policy.SuspiciousOTPCount = 3
	cfg.Policy.SuspiciousFailures = 2
	cfg.Policy.SuspiciousLogCount = 2
	env := newTestEnv(cfg)
	ctx := context.Background()

	id := "+917300000000"

	for i := 0; i < 3; i++ {
		env.rateLimit.LogOTPRequest(ctx, id, "10.0.0.1")
	}

	// Heavy OTP requesting alone is normal usage.
	blocked, err := env.rateLimit.CheckSuspicious(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	for i := 0; i < 2; i++ {
		_, err := env.rateLimit.RecordFailure(ctx, id, model.FailureInvalidOTP, "10.0.0.1", "test")
		require.NoError(t, err)
	}

	// Two signals still are not enough.
	blocked, err = env.rateLimit.CheckSuspicious(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	for i := 0; i < 2; i++ {
		env.rateLimit.LogRateLimited(ctx, id, "10.0.0.1")
	}

	blocked, err = env.rateLimit.CheckSuspicious(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, blocked)
	assert.Equal(t, model.BlockSuspiciousActivity, blocked.Reason)
}

func TestSuspiciousRuleWindowed(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.FailureHardCap = 1000
	cfg.Policy.SuspiciousOTPCount = 2
	cfg.Policy.SuspiciousFailures = 1
	cfg.Policy.SuspiciousLogCount = 1
	env := newTestEnv(cfg)
	ctx := context.Background()

	id := "+917400000000"

	env.rateLimit.LogOTPRequest(ctx, id, "10.0.0.1")
	env.rateLimit.LogOTPRequest(ctx, id, "10.0.0.1")
	_, err := env.rateLimit.RecordFailure(ctx, id, model.FailureInvalidOTP, "10.0.0.1", "test")
	require.NoError(t, err)
	env.rateLimit.LogRateLimited(ctx, id, "10.0.0.1")

	// All signals age out of the detection window together.
	env.clk.Advance(cfg.Policy.SuspiciousWindow + time.Second)

	blocked, err := env.rateLimit.CheckSuspicious(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, blocked)
}

func TestListBlocked(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	ids := []string{"+917500000001", "+917500000002", "+917500000003"}
	for _, id := range ids {
		_, err := env.rateLimit.Block(ctx, id, model.BlockAdminManual)
		require.NoError(t, err)
		env.clk.Advance(time.Second)
	}

	records, total, err := env.rateLimit.ListBlocked(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, records, 2)
	assert.Equal(t, "+917500000003", records[0].Identifier, "newest first")
}
