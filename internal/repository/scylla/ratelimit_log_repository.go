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

// RateLimitLogRepository appends rate-limiting decisions to rate_limit_log.
type RateLimitLogRepository struct {
	client *ScyllaClient
}

func NewRateLimitLogRepository(client *ScyllaClient) *RateLimitLogRepository {
	return &RateLimitLogRepository{
		client: client,
	}
}

func (r *RateLimitLogRepository) Append(ctx context.Context, rec *model.RateLimitLogRecord) error {
	if rec.RecordID == "" {
		rec.RecordID = uuid.New().String()
	}

	query := r.client.Prepared.InsertLog.WithContext(ctx).Bind(
		rec.Identifier, rec.CreatedAt, rec.RecordID, string(rec.EventType), rec.IPAddress)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to append rate limit log",
			zap.String("event_type", string(rec.EventType)),
			zap.Error(err))
		return fmt.Errorf("failed to append rate limit log: %w", err)
	}

	return nil
}

func (r *RateLimitLogRepository) CountSince(ctx context.Context, identifier string, since time.Time) (int, error) {
	var count int
	query := r.client.Prepared.CountLogs.WithContext(ctx).Bind(identifier, since)
	if err := r.client.ScanWithRetry(query, &count); err != nil {
		return 0, fmt.Errorf("failed to count rate limit logs: %w", err)
	}
	return count, nil
}

func (r *RateLimitLogRepository) CountEventSince(ctx context.Context, identifier string, eventType model.RateLimitEventType, since time.Time) (int, error) {
	var count int
	query := r.client.Prepared.CountEventLogs.WithContext(ctx).Bind(identifier, since, string(eventType))
	if err := r.client.ScanWithRetry(query, &count); err != nil {
		return 0, fmt.Errorf("failed to count rate limit events: %w", err)
	}
	return count, nil
}

// PurgeOlderThan deletes log rows past the retention cutoff.
func (r *RateLimitLogRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	iter := r.client.Session.Query(`
        SELECT identifier, created_at, record_id FROM rate_limit_log
        WHERE created_at < ? ALLOW FILTERING`, cutoff).
		WithContext(ctx).Iter()

	var identifier, recordID string
	var createdAt time.Time
	deletedCount := 0

	batch := r.client.Batch(gocql.UnloggedBatch)
	batchSize := 0

	for iter.Scan(&identifier, &createdAt, &recordID) {
		batch.Query(`DELETE FROM rate_limit_log WHERE identifier = ? AND created_at = ? AND record_id = ?`,
			identifier, createdAt, recordID)
		batchSize++

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute batch delete for rate limit logs", zap.Error(err))
				iter.Close()
				return deletedCount, fmt.Errorf("failed to purge rate limit logs: %w", err)
			}
			deletedCount += batchSize
			batch = r.client.Batch(gocql.UnloggedBatch)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to execute final batch delete for rate limit logs", zap.Error(err))
			iter.Close()
			return deletedCount, fmt.Errorf("failed to purge rate limit logs: %w", err)
		}
		deletedCount += batchSize
	}

	if err := iter.Close(); err != nil {
		return deletedCount, fmt.Errorf("failed to purge rate limit logs: %w", err)
	}

	if deletedCount > 0 {
		util.Info("Rate limit logs purged", zap.Int("deleted_count", deletedCount))
	}
	return deletedCount, nil
}
