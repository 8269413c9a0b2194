package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

const (
	flushInterval = 5 * time.Second
	flushSize     = 200

	clickhouseInsert = `INSERT INTO identity_audit_events (event_id, event_type, identifier_bucket, reason, detail, event_date, created_at)`
	esIndexName      = "identity-audit-events"
)

// Event is one audit record. The identifier travels envelope-encrypted so
// downstream consumers never see raw emails or phone numbers.
type Event struct {
	EventID          string                    `json:"event_id"`
	EventType        model.RateLimitEventType  `json:"event_type"`
	Identifier       *encryption.EncryptedData `json:"identifier"`
	IdentifierBucket int                       `json:"identifier_bucket"`
	Reason           string                    `json:"reason,omitempty"`
	Detail           map[string]string         `json:"detail,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
}

// Emitter fans audit events out to Kafka, ClickHouse and Elasticsearch.
// Every sink is best-effort and off the request hot path; a sink failure
// is logged and never surfaces to the caller.
type Emitter struct {
	cfg        *config.Config
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	encryptor  *encryption.Manager
	buckets    *bucketing.Manager

	mu      sync.Mutex
	pending [][]interface{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewEmitter(
	cfg *config.Config,
	producer *client.KafkaProducer,
	clickhouse *client.ClickHouseClient,
	es *client.ESClient,
	encryptor *encryption.Manager,
	buckets *bucketing.Manager,
) *Emitter {
	e := &Emitter{
		cfg:        cfg,
		producer:   producer,
		clickhouse: clickhouse,
		es:         es,
		encryptor:  encryptor,
		buckets:    buckets,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	go e.flushLoop()
	return e
}

// Emit publishes one audit event. Safe to call from request handlers; the
// slow sinks are buffered or asynchronous.
func (e *Emitter) Emit(ctx context.Context, eventType model.RateLimitEventType, identifier, reason string, detail map[string]string) {
	now := time.Now().UTC()

	encrypted, err := e.encryptor.EncryptIdentifier(ctx, identifier)
	if err != nil {
		util.Error("Failed to encrypt identifier for audit event", zap.Error(err))
		return
	}

	event := &Event{
		EventID:          uuid.New().String(),
		EventType:        eventType,
		Identifier:       encrypted,
		IdentifierBucket: e.buckets.IdentifierBucket(identifier),
		Reason:           reason,
		Detail:           detail,
		CreatedAt:        now,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal audit event", zap.Error(err))
		return
	}

	if e.producer != nil {
		// Bucket as key keeps all events of one identifier on one partition
		key := []byte(strconv.Itoa(event.IdentifierBucket))
		publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.producer.ProduceMessage(publishCtx, e.cfg.Kafka.AuditTopic, key, payload, map[string]string{
			"event_type": string(eventType),
		}); err != nil {
			util.Error("Failed to publish audit event", zap.Error(err))
		}
		cancel()
	}

	if e.clickhouse != nil {
		e.enqueueRow(event)
	}

	if e.es != nil {
		go e.index(event)
	}
}

func (e *Emitter) enqueueRow(event *Event) {
	detail, _ := json.Marshal(event.Detail)

	e.mu.Lock()
	e.pending = append(e.pending, []interface{}{
		event.EventID,
		string(event.EventType),
		uint32(event.IdentifierBucket),
		event.Reason,
		string(detail),
		e.buckets.DateBucket(event.CreatedAt),
		event.CreatedAt,
	})
	size := len(e.pending)
	e.mu.Unlock()

	if size >= flushSize {
		e.flush()
	}
}

func (e *Emitter) flushLoop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-e.stopCh:
			e.flush()
			return
		}
	}
}

func (e *Emitter) flush() {
	e.mu.Lock()
	rows := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(rows) == 0 || e.clickhouse == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.clickhouse.BatchInsert(ctx, clickhouseInsert, rows); err != nil {
		util.Error("Failed to flush audit events to ClickHouse",
			zap.Int("row_count", len(rows)),
			zap.Error(err))
		return
	}

	util.Debug("Audit events flushed to ClickHouse", zap.Int("row_count", len(rows)))
}

func (e *Emitter) index(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := e.es.IndexDocument(ctx, esIndexName, event.EventID, event)
	if err != nil {
		util.Error("Failed to index audit event", zap.Error(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		util.Error("Elasticsearch rejected audit event",
			zap.String("status", res.Status()))
	}
}

// Close flushes buffered rows and stops the background loop.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
	})
}
