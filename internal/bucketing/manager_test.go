package bucketing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"identity-service/internal/config"
)

func testManager() *Manager {
	return NewManager(&config.Config{
		Bucketing: config.BucketingConfig{
			IdentifierBuckets: 64,
			EventBuckets:      16,
		},
	})
}

func TestBucketsStableAndInRange(t *testing.T) {
	m := testManager()

	first := m.IdentifierBucket("+919876543210")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, m.IdentifierBucket("+919876543210"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 64)

	eb := m.EventBucket("+919876543210")
	assert.GreaterOrEqual(t, eb, 0)
	assert.Less(t, eb, 16)
}

func TestBucketsSpread(t *testing.T) {
	m := testManager()

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		seen[m.IdentifierBucket(fmt.Sprintf("+9198765%05d", i))] = true
	}
	assert.Greater(t, len(seen), 32, "a thousand identifiers should land in most of 64 buckets")
}

func TestBucketConcurrentUse(t *testing.T) {
	m := testManager()
	want := m.IdentifierBucket("student@school.edu")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Equal(t, want, m.IdentifierBucket("student@school.edu"))
			}
		}()
	}
	wg.Wait()
}

func TestTimeBucket(t *testing.T) {
	m := testManager()

	ts := time.Date(2026, 3, 10, 12, 34, 56, 0, time.UTC)
	got := m.TimeBucket(ts, 300)
	assert.Equal(t, int64(0), got%300)
	assert.LessOrEqual(t, got, ts.Unix())
	assert.Greater(t, got+300, ts.Unix())
}

func TestDateBucket(t *testing.T) {
	m := testManager()

	ts := time.Date(2026, 3, 10, 23, 59, 59, 0, time.FixedZone("IST", 5*3600+1800))
	assert.Equal(t, "2026-03-10", m.DateBucket(ts))
}
