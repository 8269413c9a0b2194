package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

// OTPRepository persists OTP records in the otp_records table. Attempt
// counting and single-use marking go through LWT so concurrent verifiers
// never lose an update.
type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{
		client: client,
	}
}

func (r *OTPRepository) Create(ctx context.Context, rec *model.OTPRecord) error {
	if rec.RecordID == "" {
		rec.RecordID = uuid.New().String()
	}

	query := r.client.Prepared.InsertOTP.WithContext(ctx).Bind(
		rec.Identifier, rec.RecordID, rec.CodeHash, rec.CodeSalt, rec.PepperVer,
		rec.Attempts, rec.IsUsed, rec.ExpiresAt, rec.CreatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP record",
			zap.String("record_id", rec.RecordID),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP record: %w", err)
	}

	util.Debug("OTP record created",
		zap.String("record_id", rec.RecordID),
		zap.Time("expires_at", rec.ExpiresAt))

	return nil
}

// GetLatest returns the newest unused record for the identifier, or nil.
// Expiry stays the caller's judgment.
func (r *OTPRepository) GetLatest(ctx context.Context, identifier string) (*model.OTPRecord, error) {
	iter := r.client.Prepared.SelectOTPs.WithContext(ctx).Bind(identifier).Iter()

	var best *model.OTPRecord
	rec := model.OTPRecord{Identifier: identifier}
	for iter.Scan(&rec.RecordID, &rec.CodeHash, &rec.CodeSalt, &rec.PepperVer,
		&rec.Attempts, &rec.IsUsed, &rec.ExpiresAt, &rec.CreatedAt) {
		if rec.IsUsed {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			cp := rec
			best = &cp
		}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to load OTP records: %w", err)
	}
	return best, nil
}

// IncrementAttempts bumps the attempt counter through a compare-and-set loop
// and returns the new count.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, identifier, recordID string) (int, error) {
	for {
		var current int
		err := r.client.Session.Query(`
            SELECT attempts FROM otp_records
            WHERE identifier = ? AND record_id = ?`, identifier, recordID).
			WithContext(ctx).Scan(&current)
		if err != nil {
			if err == gocql.ErrNotFound {
				return 0, fmt.Errorf("OTP record not found: %s", recordID)
			}
			return 0, fmt.Errorf("failed to read OTP attempts: %w", err)
		}

		next := current + 1
		applied, err := r.client.Session.Query(`
            UPDATE otp_records SET attempts = ?
            WHERE identifier = ? AND record_id = ?
            IF attempts = ?`, next, identifier, recordID, current).
			WithContext(ctx).ScanCAS(&current)
		if err != nil {
			return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
		}
		if applied {
			return next, nil
		}
		// Lost the race, retry against the fresh count
	}
}

// MarkUsed flips is_used exactly once. The LWT guarantees a single winner
// among concurrent verifiers of the same code.
func (r *OTPRepository) MarkUsed(ctx context.Context, identifier, recordID string) (bool, error) {
	var prev bool
	applied, err := r.client.Session.Query(`
        UPDATE otp_records SET is_used = true
        WHERE identifier = ? AND record_id = ?
        IF is_used = false`, identifier, recordID).
		WithContext(ctx).ScanCAS(&prev)
	if err != nil {
		return false, fmt.Errorf("failed to mark OTP used: %w", err)
	}
	return applied, nil
}

// InvalidateActive marks every unused record for the identifier as used.
// Called before issuing a replacement code.
func (r *OTPRepository) InvalidateActive(ctx context.Context, identifier string) error {
	iter := r.client.Prepared.SelectOTPs.WithContext(ctx).Bind(identifier).Iter()

	rec := model.OTPRecord{}
	batch := r.client.Batch(gocql.UnloggedBatch)
	count := 0
	for iter.Scan(&rec.RecordID, &rec.CodeHash, &rec.CodeSalt, &rec.PepperVer,
		&rec.Attempts, &rec.IsUsed, &rec.ExpiresAt, &rec.CreatedAt) {
		if rec.IsUsed {
			continue
		}
		batch.Query(`UPDATE otp_records SET is_used = true WHERE identifier = ? AND record_id = ?`,
			identifier, rec.RecordID)
		count++
	}

	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to scan OTP records: %w", err)
	}

	if count == 0 {
		return nil
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to invalidate OTP records",
			zap.Int("count", count),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate OTP records: %w", err)
	}

	util.Debug("Invalidated active OTP records", zap.Int("count", count))
	return nil
}

func (r *OTPRepository) CountCreatedSince(ctx context.Context, identifier string, since time.Time) (int, error) {
	iter := r.client.Prepared.SelectOTPs.WithContext(ctx).Bind(identifier).Iter()

	rec := model.OTPRecord{}
	count := 0
	for iter.Scan(&rec.RecordID, &rec.CodeHash, &rec.CodeSalt, &rec.PepperVer,
		&rec.Attempts, &rec.IsUsed, &rec.ExpiresAt, &rec.CreatedAt) {
		if !rec.CreatedAt.Before(since) {
			count++
		}
	}

	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to count OTP records: %w", err)
	}
	return count, nil
}

// DeleteExpired removes records whose expiry predates before, batched the
// same way other table sweeps are.
func (r *OTPRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	iter := r.client.Session.Query(`
        SELECT identifier, record_id FROM otp_records
        WHERE expires_at < ? ALLOW FILTERING`, before).
		WithContext(ctx).Iter()

	var identifier, recordID string
	deletedCount := 0

	batch := r.client.Batch(gocql.UnloggedBatch)
	batchSize := 0

	for iter.Scan(&identifier, &recordID) {
		batch.Query(`DELETE FROM otp_records WHERE identifier = ? AND record_id = ?`,
			identifier, recordID)
		batchSize++

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute batch delete for expired OTP records", zap.Error(err))
				iter.Close()
				return deletedCount, fmt.Errorf("failed to delete expired OTP records: %w", err)
			}
			deletedCount += batchSize
			batch = r.client.Batch(gocql.UnloggedBatch)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to execute final batch delete for expired OTP records", zap.Error(err))
			iter.Close()
			return deletedCount, fmt.Errorf("failed to delete expired OTP records: %w", err)
		}
		deletedCount += batchSize
	}

	if err := iter.Close(); err != nil {
		return deletedCount, fmt.Errorf("failed to cleanup expired OTP records: %w", err)
	}

	if deletedCount > 0 {
		util.Info("Expired OTP records deleted", zap.Int("deleted_count", deletedCount))
	}
	return deletedCount, nil
}
