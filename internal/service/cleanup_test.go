package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/model"
)

func TestJanitorSweep(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	janitor := NewJanitor(env.cfg, env.store, env.store, env.store, env.logs, nil, env.clk)

	start := env.clk.Now()

	require.NoError(t, env.store.Create(ctx, &model.OTPRecord{
		Identifier: "+918000000001",
		ExpiresAt:  start.Add(3 * time.Minute),
		CreatedAt:  start,
	}))
	require.NoError(t, env.store.Append(ctx, &model.LoginFailureRecord{
		Identifier: "+918000000001",
		Reason:     model.FailureInvalidCredentials,
		CreatedAt:  start,
	}))
	require.NoError(t, env.logs.Append(ctx, &model.RateLimitLogRecord{
		Identifier: "+918000000001",
		EventType:  model.EventRateLimited,
		CreatedAt:  start,
	}))
	_, err := env.rateLimit.Block(ctx, "+918000000001", model.BlockAdminManual)
	require.NoError(t, err)

	// Not old enough yet; nothing is touched.
	env.clk.Advance(time.Minute)
	janitor.Sweep(ctx)

	rec, err := env.store.GetLatest(ctx, "+918000000001")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	// Past every retention horizon.
	env.clk.Advance(8 * 24 * time.Hour)
	janitor.Sweep(ctx)

	rec, err = env.store.GetLatest(ctx, "+918000000001")
	require.NoError(t, err)
	assert.Nil(t, rec, "expired OTP records are deleted")

	failures, err := env.store.CountSince(ctx, "+918000000001", start.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, failures, "aged-out failures are purged")

	logs, err := env.logs.CountSince(ctx, "+918000000001", start.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, logs, "aged-out log entries are purged")

	blocked, err := env.store.FindActive(ctx, "+918000000001", env.clk.Now())
	require.NoError(t, err)
	assert.Nil(t, blocked, "lapsed blocks are deactivated")
}

func TestJanitorStopWithoutStart(t *testing.T) {
	env := newTestEnv(testConfig())
	janitor := NewJanitor(env.cfg, env.store, env.store, env.store, env.logs, nil, env.clk)

	done := make(chan struct{})
	go func() {
		janitor.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running loop")
	}
}
