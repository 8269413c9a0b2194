package scylla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

// BlockRepository keeps one row per identifier in blocked_identifiers.
// Escalation goes through LWT so two violations racing on the same
// identifier produce one block with the higher attempt count.
type BlockRepository struct {
	client *ScyllaClient
}

func NewBlockRepository(client *ScyllaClient) *BlockRepository {
	return &BlockRepository{
		client: client,
	}
}

func (r *BlockRepository) load(ctx context.Context, identifier string) (*model.BlockedIdentifierRecord, error) {
	rec := &model.BlockedIdentifierRecord{Identifier: identifier}
	var reason string

	query := r.client.Prepared.SelectBlock.WithContext(ctx).Bind(identifier)
	err := query.Scan(&rec.RecordID, &reason, &rec.Attempts, &rec.IsActive,
		&rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read block record: %w", err)
	}

	rec.Reason = model.BlockReason(reason)
	return rec, nil
}

// FindActive returns the live block for the identifier. A row whose expiry
// has passed counts as no block even before cleanup deactivates it.
func (r *BlockRepository) FindActive(ctx context.Context, identifier string, now time.Time) (*model.BlockedIdentifierRecord, error) {
	rec, err := r.load(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.IsActive || rec.IsExpired(now) {
		return nil, nil
	}
	return rec, nil
}

// Upsert creates the block row or escalates it. The attempt count survives
// expiry and manual unblock, so repeat offenders keep climbing the ladder.
func (r *BlockRepository) Upsert(ctx context.Context, identifier string, reason model.BlockReason, now time.Time, duration time.Duration) (*model.BlockedIdentifierRecord, error) {
	for {
		existing, err := r.load(ctx, identifier)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			rec := &model.BlockedIdentifierRecord{
				RecordID:   uuid.New().String(),
				Identifier: identifier,
				Reason:     reason,
				Attempts:   1,
				IsActive:   true,
				CreatedAt:  now,
				ExpiresAt:  now.Add(duration),
			}
			applied, err := r.client.Session.Query(`
                INSERT INTO blocked_identifiers (
                    identifier, record_id, reason, attempts, is_active, created_at, expires_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
				rec.Identifier, rec.RecordID, string(rec.Reason), rec.Attempts,
				rec.IsActive, rec.CreatedAt, rec.ExpiresAt).
				WithContext(ctx).MapScanCAS(map[string]interface{}{})
			if err != nil {
				return nil, fmt.Errorf("failed to create block record: %w", err)
			}
			if applied {
				util.Info("Identifier blocked",
					zap.String("reason", string(rec.Reason)),
					zap.Int("attempts", rec.Attempts),
					zap.Time("expires_at", rec.ExpiresAt))
				return rec, nil
			}
			// Someone inserted first, loop and escalate instead
			continue
		}

		next := existing.Attempts + 1
		expiresAt := now.Add(time.Duration(next) * duration)
		var prev int
		applied, err := r.client.Session.Query(`
            UPDATE blocked_identifiers
            SET reason = ?, attempts = ?, is_active = true, created_at = ?, expires_at = ?
            WHERE identifier = ?
            IF attempts = ?`,
			string(reason), next, now, expiresAt, identifier, existing.Attempts).
			WithContext(ctx).ScanCAS(&prev)
		if err != nil {
			return nil, fmt.Errorf("failed to escalate block record: %w", err)
		}
		if applied {
			rec := &model.BlockedIdentifierRecord{
				RecordID:   existing.RecordID,
				Identifier: identifier,
				Reason:     reason,
				Attempts:   next,
				IsActive:   true,
				CreatedAt:  now,
				ExpiresAt:  expiresAt,
			}
			util.Info("Identifier block escalated",
				zap.String("reason", string(reason)),
				zap.Int("attempts", next),
				zap.Time("expires_at", expiresAt))
			return rec, nil
		}
	}
}

// Deactivate lifts the block. Returns false when no active block existed,
// which callers treat as success.
func (r *BlockRepository) Deactivate(ctx context.Context, identifier string) (bool, error) {
	var prev bool
	applied, err := r.client.Session.Query(`
        UPDATE blocked_identifiers SET is_active = false
        WHERE identifier = ?
        IF is_active = true`, identifier).
		WithContext(ctx).ScanCAS(&prev)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate block: %w", err)
	}
	return applied, nil
}

// List returns active, unexpired blocks ordered newest-first with the total
// count before pagination.
func (r *BlockRepository) List(ctx context.Context, now time.Time, limit, offset int) ([]*model.BlockedIdentifierRecord, int, error) {
	iter := r.client.Session.Query(`
        SELECT identifier, record_id, reason, attempts, is_active, created_at, expires_at
        FROM blocked_identifiers WHERE is_active = true ALLOW FILTERING`).
		WithContext(ctx).Iter()

	var all []*model.BlockedIdentifierRecord
	rec := model.BlockedIdentifierRecord{}
	var reason string
	for iter.Scan(&rec.Identifier, &rec.RecordID, &reason, &rec.Attempts,
		&rec.IsActive, &rec.CreatedAt, &rec.ExpiresAt) {
		if rec.IsExpired(now) {
			continue
		}
		cp := rec
		cp.Reason = model.BlockReason(reason)
		all = append(all, &cp)
	}

	if err := iter.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to list block records: %w", err)
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

// DeactivateExpired flips is_active on lapsed rows so admin listings and
// storage stay tidy. Read paths never depend on this running.
func (r *BlockRepository) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	iter := r.client.Session.Query(`
        SELECT identifier, expires_at FROM blocked_identifiers
        WHERE is_active = true ALLOW FILTERING`).
		WithContext(ctx).Iter()

	var identifier string
	var expiresAt time.Time
	var expired []string

	for iter.Scan(&identifier, &expiresAt) {
		if !now.Before(expiresAt) {
			expired = append(expired, identifier)
		}
	}

	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan block records: %w", err)
	}

	count := 0
	for _, id := range expired {
		if err := r.client.Session.Query(`
            UPDATE blocked_identifiers SET is_active = false WHERE identifier = ?`, id).
			WithContext(ctx).Exec(); err != nil {
			util.Error("Failed to deactivate expired block", zap.Error(err))
			continue
		}
		count++
	}

	if count > 0 {
		util.Info("Expired blocks deactivated", zap.Int("count", count))
	}
	return count, nil
}
