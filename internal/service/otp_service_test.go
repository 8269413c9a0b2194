package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/model"
)

func requireServiceError(t *testing.T, err error, code string) *Error {
	t.Helper()
	require.Error(t, err)
	se, ok := AsServiceError(err)
	require.True(t, ok, "expected a service error, got %v", err)
	require.Equal(t, code, se.Code)
	return se
}

func TestOTPRequestAndVerify(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	env.addUser("+919876543210", "ignored", "school-1", true)

	result, err := env.otp.Request(ctx, "+91 98765-43210", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, env.clk.Now().Add(3*time.Minute), result.ExpiresAt)

	code := env.sender.last()
	require.Len(t, code, 6)

	verified, err := env.otp.Verify(ctx, "+919876543210", code, "10.0.0.1", "test")
	require.NoError(t, err)
	assert.NotEmpty(t, verified.Token)
	assert.Equal(t, "user-+919876543210", verified.UserID)
	assert.Equal(t, "school-1", verified.TenantID)

	claims, err := env.issuer.Verify(verified.Token)
	require.NoError(t, err)
	assert.Equal(t, "otp", claims.Method)
}

func TestOTPVerifyUnknownUserBurnsCode(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	_, err := env.otp.Request(ctx, "nobody@example.com", "10.0.0.1")
	require.NoError(t, err)

	verified, err := env.otp.Verify(ctx, "nobody@example.com", env.sender.last(), "10.0.0.1", "test")
	require.NoError(t, err)
	assert.Empty(t, verified.Token)
	assert.Empty(t, verified.UserID)

	// The code is consumed even without a directory match.
	_, err = env.otp.Verify(ctx, "nobody@example.com", env.sender.last(), "10.0.0.1", "test")
	requireServiceError(t, err, CodeNotFound)
}

func TestOTPVerifyWithoutIssuance(t *testing.T) {
	env := newTestEnv(testConfig())

	_, err := env.otp.Verify(context.Background(), "+911111111111", "123456", "10.0.0.1", "test")
	requireServiceError(t, err, CodeNotFound)
}

func TestOTPReplayRejected(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	_, err := env.otp.Request(ctx, "student@school.edu", "10.0.0.1")
	require.NoError(t, err)
	code := env.sender.last()

	_, err = env.otp.Verify(ctx, "student@school.edu", code, "10.0.0.1", "test")
	require.NoError(t, err)

	_, err = env.otp.Verify(ctx, "student@school.edu", code, "10.0.0.1", "test")
	requireServiceError(t, err, CodeNotFound)
}

func TestOTPReissueInvalidatesPrevious(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	_, err := env.otp.Request(ctx, "+912222222222", "10.0.0.1")
	require.NoError(t, err)
	first := env.sender.last()

	_, err = env.otp.Request(ctx, "+912222222222", "10.0.0.1")
	require.NoError(t, err)
	second := env.sender.last()

	if first != second {
		_, err = env.otp.Verify(ctx, "+912222222222", first, "10.0.0.1", "test")
		requireServiceError(t, err, CodeInvalidOTP)
	}

	_, err = env.otp.Verify(ctx, "+912222222222", second, "10.0.0.1", "test")
	require.NoError(t, err)
}

func TestOTPAttemptCap(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	_, err := env.otp.Request(ctx, "+913333333333", "10.0.0.1")
	require.NoError(t, err)
	code := env.sender.last()
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	for i := 0; i < env.cfg.Policy.OTPAttemptCap; i++ {
		_, err = env.otp.Verify(ctx, "+913333333333", wrong, "10.0.0.1", "test")
		requireServiceError(t, err, CodeInvalidOTP)
	}

	// The cap exhausted the record; even the right code is dead now.
	_, err = env.otp.Verify(ctx, "+913333333333", code, "10.0.0.1", "test")
	requireServiceError(t, err, CodeNotFound)
}

func TestOTPExpiry(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	_, err := env.otp.Request(ctx, "+914444444444", "10.0.0.1")
	require.NoError(t, err)
	code := env.sender.last()

	env.clk.Advance(env.cfg.Policy.OTPExpiry + time.Second)

	_, err = env.otp.Verify(ctx, "+914444444444", code, "10.0.0.1", "test")
	requireServiceError(t, err, CodeExpiredOTP)

	count, err := env.store.CountSince(ctx, "+914444444444", env.clk.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count, "expired attempt should be recorded as a failure")
}

func TestOTPIssuanceCap(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	for i := 0; i < env.cfg.Policy.OTPIssuanceCap; i++ {
		_, err := env.otp.Request(ctx, "+915555555555", "10.0.0.1")
		require.NoError(t, err)
	}

	_, err := env.otp.Request(ctx, "+915555555555", "10.0.0.1")
	se := requireServiceError(t, err, CodeRateLimited)
	assert.Greater(t, se.RetryAfterMs, int64(0))

	// The window runs from the first issuance; once it lapses the cap resets.
	env.clk.Advance(env.cfg.Policy.OTPIssuanceWindow + time.Second)
	_, err = env.otp.Request(ctx, "+915555555555", "10.0.0.1")
	require.NoError(t, err)
}

func TestOTPRequestBlockedIdentifier(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	_, err := env.rateLimit.Block(ctx, "+916666666666", model.BlockAdminManual)
	require.NoError(t, err)

	_, err = env.otp.Request(ctx, "+916666666666", "10.0.0.1")
	se := requireServiceError(t, err, CodeBlocked)
	assert.Greater(t, se.RetryAfterMs, int64(0))

	_, err = env.otp.Verify(ctx, "+916666666666", "123456", "10.0.0.1", "test")
	requireServiceError(t, err, CodeBlocked)
}

func TestOTPDeliveryFailure(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	env.sender.err = assert.AnError

	_, err := env.otp.Request(ctx, "+917777777777", "10.0.0.1")
	requireServiceError(t, err, CodeSystemError)

	// The issuance slot stays consumed; a flapping gateway cannot be used
	// to mint unlimited codes.
	count, err := env.counter.Current(ctx, "+917777777777")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rec, err := env.store.GetLatest(ctx, "+917777777777")
	require.NoError(t, err)
	assert.NotNil(t, rec, "the stored record survives a delivery failure")
}

func TestOTPIdentifierNormalization(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	_, err := env.otp.Request(ctx, " Student@School.EDU ", "10.0.0.1")
	require.NoError(t, err)

	// A different rendering of the same identifier reaches the same record.
	_, err = env.otp.Verify(ctx, "student@school.edu", env.sender.last(), "10.0.0.1", "test")
	require.NoError(t, err)
}
