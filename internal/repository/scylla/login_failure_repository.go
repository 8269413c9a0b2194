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

// LoginFailureRepository appends failure events to the login_failures table,
// clustered newest-first so the backoff read is a LIMIT 1 on the partition.
type LoginFailureRepository struct {
	client *ScyllaClient
}

func NewLoginFailureRepository(client *ScyllaClient) *LoginFailureRepository {
	return &LoginFailureRepository{
		client: client,
	}
}

// Append writes the failure with LocalQuorum so a following CountSince sees it.
func (r *LoginFailureRepository) Append(ctx context.Context, rec *model.LoginFailureRecord) error {
	if rec.RecordID == "" {
		rec.RecordID = uuid.New().String()
	}

	query := r.client.Prepared.InsertFailure.WithContext(ctx).Bind(
		rec.Identifier, rec.CreatedAt, rec.RecordID, string(rec.Reason),
		rec.IPAddress, rec.UserAgent)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to append login failure",
			zap.String("record_id", rec.RecordID),
			zap.Error(err))
		return fmt.Errorf("failed to append login failure: %w", err)
	}

	return nil
}

func (r *LoginFailureRepository) CountSince(ctx context.Context, identifier string, since time.Time) (int, error) {
	var count int
	query := r.client.Prepared.CountFailures.WithContext(ctx).Bind(identifier, since)
	if err := r.client.ScanWithRetry(query, &count); err != nil {
		return 0, fmt.Errorf("failed to count login failures: %w", err)
	}
	return count, nil
}

// LastFailure returns the most recent failure for the identifier, or nil.
func (r *LoginFailureRepository) LastFailure(ctx context.Context, identifier string) (*model.LoginFailureRecord, error) {
	rec := &model.LoginFailureRecord{Identifier: identifier}
	var reason string

	query := r.client.Prepared.SelectLastFail.WithContext(ctx).Bind(identifier)
	err := query.Scan(&rec.RecordID, &reason, &rec.IPAddress, &rec.UserAgent, &rec.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read last login failure: %w", err)
	}

	rec.Reason = model.FailureReason(reason)
	return rec, nil
}

// PurgeOlderThan deletes failure rows past the retention cutoff.
func (r *LoginFailureRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	iter := r.client.Session.Query(`
        SELECT identifier, created_at, record_id FROM login_failures
        WHERE created_at < ? ALLOW FILTERING`, cutoff).
		WithContext(ctx).Iter()

	var identifier, recordID string
	var createdAt time.Time
	deletedCount := 0

	batch := r.client.Batch(gocql.UnloggedBatch)
	batchSize := 0

	for iter.Scan(&identifier, &createdAt, &recordID) {
		batch.Query(`DELETE FROM login_failures WHERE identifier = ? AND created_at = ? AND record_id = ?`,
			identifier, createdAt, recordID)
		batchSize++

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute batch delete for login failures", zap.Error(err))
				iter.Close()
				return deletedCount, fmt.Errorf("failed to purge login failures: %w", err)
			}
			deletedCount += batchSize
			batch = r.client.Batch(gocql.UnloggedBatch)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to execute final batch delete for login failures", zap.Error(err))
			iter.Close()
			return deletedCount, fmt.Errorf("failed to purge login failures: %w", err)
		}
		deletedCount += batchSize
	}

	if err := iter.Close(); err != nil {
		return deletedCount, fmt.Errorf("failed to purge login failures: %w", err)
	}

	if deletedCount > 0 {
		util.Info("Login failures purged", zap.Int("deleted_count", deletedCount))
	}
	return deletedCount, nil
}
