package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/model"
)

func TestMarkUsedSingleWinner(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := &model.OTPRecord{
		Identifier: "+919999999999",
		ExpiresAt:  time.Now().Add(3 * time.Minute),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.Create(ctx, rec))

	const racers = 50
	var wg sync.WaitGroup
	wins := make(chan bool, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkUsed(ctx, rec.Identifier, rec.RecordID)
			assert.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one MarkUsed may succeed")
}

func TestIncrementAttemptsNoLostUpdates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec := &model.OTPRecord{
		Identifier: "+919999999999",
		ExpiresAt:  time.Now().Add(3 * time.Minute),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.Create(ctx, rec))

	const racers = 100
	var wg sync.WaitGroup
	seen := make(chan int, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.IncrementAttempts(ctx, rec.Identifier, rec.RecordID)
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	distinct := make(map[int]bool)
	for n := range seen {
		distinct[n] = true
	}
	assert.Len(t, distinct, racers, "every increment observes a unique count")

	latest, err := store.GetLatest(ctx, rec.Identifier)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, racers, latest.Attempts)
}

func TestIncrementAttemptsUnknownRecord(t *testing.T) {
	store := NewStore()

	_, err := store.IncrementAttempts(context.Background(), "+919999999999", "missing")
	assert.ErrorIs(t, err, model.ErrRecordNotFound)
}

func TestGetLatestSkipsUsed(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	old := &model.OTPRecord{Identifier: "a", CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Minute)}
	newer := &model.OTPRecord{Identifier: "a", CreatedAt: now, ExpiresAt: now.Add(2 * time.Minute)}
	require.NoError(t, store.Create(ctx, old))
	require.NoError(t, store.Create(ctx, newer))

	got, err := store.GetLatest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, newer.RecordID, got.RecordID)

	_, err = store.MarkUsed(ctx, "a", newer.RecordID)
	require.NoError(t, err)

	got, err = store.GetLatest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, old.RecordID, got.RecordID)

	require.NoError(t, store.InvalidateActive(ctx, "a"))

	got, err = store.GetLatest(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBlockUpsertEscalates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	base := 15 * time.Minute

	first, err := store.Upsert(ctx, "a", model.BlockExcessiveLoginFailures, now, base)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, now.Add(base), first.ExpiresAt)

	second, err := store.Upsert(ctx, "a", model.BlockSuspiciousActivity, now, base)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, model.BlockSuspiciousActivity, second.Reason)
	assert.Equal(t, now.Add(2*base), second.ExpiresAt)

	changed, err := store.Deactivate(ctx, "a")
	require.NoError(t, err)
	assert.True(t, changed)

	active, err := store.FindActive(ctx, "a", now)
	require.NoError(t, err)
	assert.Nil(t, active)

	// Escalation continues across the deactivation.
	third, err := store.Upsert(ctx, "a", model.BlockExcessiveLoginFailures, now, base)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Attempts)
}

func TestFindActiveIgnoresExpired(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := store.Upsert(ctx, "a", model.BlockAdminManual, now, 15*time.Minute)
	require.NoError(t, err)

	active, err := store.FindActive(ctx, "a", now.Add(16*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, active, "stale is_active never extends a lapsed block")

	n, err := store.DeactivateExpired(ctx, now.Add(16*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCounterWindow(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	counter := NewCounter(store, func() time.Time { return current })
	window := 5 * time.Minute

	for want := 1; want <= 3; want++ {
		n, err := counter.Increment(ctx, "a", window)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := counter.Current(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// The window runs from the first increment; once it lapses the count
	// starts over.
	current = current.Add(window + time.Second)
	n, err = counter.Increment(ctx, "a", window)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, counter.Reset(ctx, "a"))
	n, err = counter.Current(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLogStoreCountsByEvent(t *testing.T) {
	store := NewStore()
	logs := NewLogStore(store)
	ctx := context.Background()
	now := time.Now()

	for _, et := range []model.RateLimitEventType{
		model.EventOTPRequest,
		model.EventOTPRequest,
		model.EventRateLimited,
	} {
		require.NoError(t, logs.Append(ctx, &model.RateLimitLogRecord{
			Identifier: "a",
			EventType:  et,
			CreatedAt:  now,
		}))
	}

	total, err := logs.CountSince(ctx, "a", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	otps, err := logs.CountEventSince(ctx, "a", model.EventOTPRequest, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, otps)

	purged, err := logs.PurgeOlderThan(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, purged)
}

func TestListPagination(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		_, err := store.Upsert(ctx, id, model.BlockAdminManual, now.Add(time.Duration(i)*time.Second), 15*time.Minute)
		require.NoError(t, err)
	}

	page, total, err := store.List(ctx, now, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].Identifier, "newest first")

	rest, total, err := store.List(ctx, now, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, rest, 1)

	none, total, err := store.List(ctx, now, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, none)
}
