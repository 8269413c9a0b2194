package bucketing

import (
	"hash"
	"sync"
	"time"

	"identity-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager assigns identifiers and events to stable partition buckets so the
// four record tables spread evenly across Scylla partitions.
type Manager struct {
	identifierBuckets int
	eventBuckets      int
	hasherPool        sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		identifierBuckets: cfg.Bucketing.IdentifierBuckets,
		eventBuckets:      cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid per-call allocation
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// IdentifierBucket returns the consistent bucket for an identifier
// (0 to identifierBuckets-1).
func (m *Manager) IdentifierBucket(identifier string) int {
	return m.bucket(identifier, m.identifierBuckets)
}

// EventBucket returns the bucket for append-only event rows.
func (m *Manager) EventBucket(identifier string) int {
	return m.bucket(identifier, m.eventBuckets)
}

// TimeBucket aligns ts down to the start of its window of windowSeconds.
func (m *Manager) TimeBucket(ts time.Time, windowSeconds int) int64 {
	return ts.Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC date partition for event rows.
func (m *Manager) DateBucket(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

func (m *Manager) bucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(m.sum64(key) % uint64(numBuckets))
}

func (m *Manager) sum64(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
