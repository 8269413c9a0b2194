package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	user := env.addUser("teacher@school.edu", "correct horse", "school-1", true)

	result, err := env.auth.Login(ctx, "Teacher@School.EDU", "correct horse", "school-1", "10.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, user.UserID, result.UserID)
	assert.Equal(t, "school-1", result.TenantID)
	assert.NotEmpty(t, result.Token)

	claims, err := env.issuer.Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, "password", claims.Method)
	assert.Equal(t, user.UserID, claims.UserID)
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	env.addUser("teacher@school.edu", "correct horse", "school-1", true)

	_, err := env.auth.Login(ctx, "teacher@school.edu", "wrong", "school-1", "10.0.0.1", "test")
	requireServiceError(t, err, CodeInvalidCredentials)

	count, err := env.store.CountSince(ctx, "teacher@school.edu", env.clk.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLoginRejectionsAreUniform(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	env.addUser("known@school.edu", "correct horse", "school-1", true)
	env.addUser("inactive@school.edu", "correct horse", "school-1", false)

	cases := []struct {
		name       string
		identifier string
		password   string
		tenantID   string
	}{
		{"unknown user", "unknown@school.edu", "whatever", "school-1"},
		{"wrong password", "known@school.edu", "wrong", "school-1"},
		{"wrong tenant", "known@school.edu", "correct horse", "school-2"},
		{"inactive user", "inactive@school.edu", "correct horse", "school-1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.auth.Login(ctx, tc.identifier, tc.password, tc.tenantID, "10.0.0.1", "test")
			requireServiceError(t, err, CodeInvalidCredentials)
			// Every rejection earns a backoff; clear it for the next case.
			env.clk.Advance(time.Hour)
		})
	}
}

func TestLoginBackoffGate(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	env.addUser("teacher@school.edu", "correct horse", "school-1", true)

	_, err := env.auth.Login(ctx, "teacher@school.edu", "wrong", "school-1", "10.0.0.1", "test")
	requireServiceError(t, err, CodeInvalidCredentials)

	// Even the right password is refused inside the backoff interval.
	_, err = env.auth.Login(ctx, "teacher@school.edu", "correct horse", "school-1", "10.0.0.1", "test")
	se := requireServiceError(t, err, CodeRateLimited)
	assert.Equal(t, int64(1000), se.RetryAfterMs)

	env.clk.Advance(time.Second)

	result, err := env.auth.Login(ctx, "teacher@school.edu", "correct horse", "school-1", "10.0.0.1", "test")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
}

func TestLoginHardCapBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.FailureHardCap = 2
	env := newTestEnv(cfg)
	ctx := context.Background()
	env.addUser("teacher@school.edu", "correct horse", "school-1", true)

	_, err := env.auth.Login(ctx, "teacher@school.edu", "wrong", "school-1", "10.0.0.1", "test")
	requireServiceError(t, err, CodeInvalidCredentials)

	env.clk.Advance(time.Second)

	// The failure that reaches the cap reports the block, not the
	// credentials error.
	_, err = env.auth.Login(ctx, "teacher@school.edu", "wrong", "school-1", "10.0.0.1", "test")
	requireServiceError(t, err, CodeBlocked)

	env.clk.Advance(time.Minute)

	_, err = env.auth.Login(ctx, "teacher@school.edu", "correct horse", "school-1", "10.0.0.1", "test")
	requireServiceError(t, err, CodeBlocked)
}
