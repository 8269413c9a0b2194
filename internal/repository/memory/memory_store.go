package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/model"
)

// Store is a mutex-guarded implementation of every record store, used for
// local development and tests. It honors the same atomicity contract the
// Scylla layer provides through LWT.
type Store struct {
	mu        sync.Mutex
	otps      map[string][]*model.OTPRecord
	failures  map[string][]*model.LoginFailureRecord
	blocks    map[string]*model.BlockedIdentifierRecord
	logs      map[string][]*model.RateLimitLogRecord
	issuance  map[string]*issuanceWindow
}

type issuanceWindow struct {
	count     int
	expiresAt time.Time
}

func NewStore() *Store {
	return &Store{
		otps:     make(map[string][]*model.OTPRecord),
		failures: make(map[string][]*model.LoginFailureRecord),
		blocks:   make(map[string]*model.BlockedIdentifierRecord),
		logs:     make(map[string][]*model.RateLimitLogRecord),
		issuance: make(map[string]*issuanceWindow),
	}
}

// -------------------- OTPStore --------------------

func (s *Store) Create(_ context.Context, rec *model.OTPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.RecordID == "" {
		rec.RecordID = uuid.New().String()
	}
	cp := *rec
	s.otps[rec.Identifier] = append(s.otps[rec.Identifier], &cp)
	return nil
}

func (s *Store) GetLatest(_ context.Context, identifier string) (*model.OTPRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.OTPRecord
	for _, rec := range s.otps[identifier] {
		if rec.IsUsed {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *Store) IncrementAttempts(_ context.Context, identifier, recordID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.otps[identifier] {
		if rec.RecordID == recordID {
			rec.Attempts++
			return rec.Attempts, nil
		}
	}
	return 0, model.ErrRecordNotFound
}

func (s *Store) MarkUsed(_ context.Context, identifier, recordID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.otps[identifier] {
		if rec.RecordID == recordID {
			if rec.IsUsed {
				return false, nil
			}
			rec.IsUsed = true
			return true, nil
		}
	}
	return false, model.ErrRecordNotFound
}

func (s *Store) InvalidateActive(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.otps[identifier] {
		rec.IsUsed = true
	}
	return nil
}

func (s *Store) CountCreatedSince(_ context.Context, identifier string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.otps[identifier] {
		if !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for identifier, recs := range s.otps {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.ExpiresAt.Before(before) {
				deleted++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(s.otps, identifier)
		} else {
			s.otps[identifier] = kept
		}
	}
	return deleted, nil
}

// -------------------- LoginFailureStore --------------------

func (s *Store) Append(_ context.Context, rec *model.LoginFailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.RecordID == "" {
		rec.RecordID = uuid.New().String()
	}
	cp := *rec
	s.failures[rec.Identifier] = append(s.failures[rec.Identifier], &cp)
	return nil
}

func (s *Store) CountSince(_ context.Context, identifier string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.failures[identifier] {
		if !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) LastFailure(_ context.Context, identifier string) (*model.LoginFailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *model.LoginFailureRecord
	for _, rec := range s.failures[identifier] {
		if last == nil || rec.CreatedAt.After(last.CreatedAt) {
			last = rec
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (s *Store) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for identifier, recs := range s.failures {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(s.failures, identifier)
		} else {
			s.failures[identifier] = kept
		}
	}
	return deleted, nil
}

// -------------------- BlockStore --------------------

func (s *Store) FindActive(_ context.Context, identifier string, now time.Time) (*model.BlockedIdentifierRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.blocks[identifier]
	if !ok || !rec.IsActive || rec.IsExpired(now) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) Upsert(_ context.Context, identifier string, reason model.BlockReason, now time.Time, duration time.Duration) (*model.BlockedIdentifierRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.blocks[identifier]
	if !ok {
		rec := &model.BlockedIdentifierRecord{
			RecordID:   uuid.New().String(),
			Identifier: identifier,
			Reason:     reason,
			Attempts:   1,
			IsActive:   true,
			CreatedAt:  now,
			ExpiresAt:  now.Add(duration),
		}
		s.blocks[identifier] = rec
		cp := *rec
		return &cp, nil
	}

	existing.Attempts++
	existing.Reason = reason
	existing.IsActive = true
	existing.CreatedAt = now
	existing.ExpiresAt = now.Add(time.Duration(existing.Attempts) * duration)
	cp := *existing
	return &cp, nil
}

func (s *Store) Deactivate(_ context.Context, identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.blocks[identifier]
	if !ok || !rec.IsActive {
		return false, nil
	}
	rec.IsActive = false
	return true, nil
}

func (s *Store) List(_ context.Context, now time.Time, limit, offset int) ([]*model.BlockedIdentifierRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*model.BlockedIdentifierRecord
	for _, rec := range s.blocks {
		if !rec.IsActive || rec.IsExpired(now) {
			continue
		}
		cp := *rec
		all = append(all, &cp)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []*model.BlockedIdentifierRecord{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *Store) DeactivateExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.blocks {
		if rec.IsActive && rec.IsExpired(now) {
			rec.IsActive = false
			count++
		}
	}
	return count, nil
}

// -------------------- RateLimitLogStore --------------------

func (s *Store) AppendLog(_ context.Context, rec *model.RateLimitLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.RecordID == "" {
		rec.RecordID = uuid.New().String()
	}
	cp := *rec
	s.logs[rec.Identifier] = append(s.logs[rec.Identifier], &cp)
	return nil
}

func (s *Store) CountLogsSince(_ context.Context, identifier string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.logs[identifier] {
		if !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) CountEventSince(_ context.Context, identifier string, eventType model.RateLimitEventType, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.logs[identifier] {
		if rec.EventType == eventType && !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) PurgeLogsOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for identifier, recs := range s.logs {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(s.logs, identifier)
		} else {
			s.logs[identifier] = kept
		}
	}
	return deleted, nil
}

// LogStore is the rate-limit-log view of the shared store. It exists because
// the failure and log contracts both name an Append method.
type LogStore struct {
	store *Store
}

func NewLogStore(store *Store) *LogStore {
	return &LogStore{store: store}
}

func (l *LogStore) Append(ctx context.Context, rec *model.RateLimitLogRecord) error {
	return l.store.AppendLog(ctx, rec)
}

func (l *LogStore) CountSince(ctx context.Context, identifier string, since time.Time) (int, error) {
	return l.store.CountLogsSince(ctx, identifier, since)
}

func (l *LogStore) CountEventSince(ctx context.Context, identifier string, eventType model.RateLimitEventType, since time.Time) (int, error) {
	return l.store.CountEventSince(ctx, identifier, eventType, since)
}

func (l *LogStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return l.store.PurgeLogsOlderThan(ctx, cutoff)
}

// -------------------- IssuanceCounter --------------------

// Counter adapts the store to the issuance-counter contract with the same
// fixed-window-from-first-hit behavior as the Redis script.
type Counter struct {
	store *Store
	now   func() time.Time
}

func NewCounter(store *Store, now func() time.Time) *Counter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Counter{store: store, now: now}
}

func (c *Counter) Increment(_ context.Context, identifier string, window time.Duration) (int, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	now := c.now()
	w, ok := c.store.issuance[identifier]
	if !ok || !now.Before(w.expiresAt) {
		w = &issuanceWindow{count: 0, expiresAt: now.Add(window)}
		c.store.issuance[identifier] = w
	}
	w.count++
	return w.count, nil
}

func (c *Counter) Current(_ context.Context, identifier string) (int, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	w, ok := c.store.issuance[identifier]
	if !ok || !c.now().Before(w.expiresAt) {
		return 0, nil
	}
	return w.count, nil
}

func (c *Counter) Reset(_ context.Context, identifier string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	delete(c.store.issuance, identifier)
	return nil
}
