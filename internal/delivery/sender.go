package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/util"
)

// Sender hands a generated code to the delivery channel. Implementations
// must return within the configured delivery timeout; a failure here maps
// to a system error for the caller, never a silent drop.
type Sender interface {
	Send(ctx context.Context, identifier, code string) error
}

// Message is the wire format published for the SMS/email gateway.
type Message struct {
	MessageID  string    `json:"message_id"`
	Identifier string    `json:"identifier"`
	Code       string    `json:"code"`
	Channel    string    `json:"channel"`
	CreatedAt  time.Time `json:"created_at"`
}

// KafkaSender publishes delivery messages to the delivery topic, where the
// actual SMS/email gateway consumes them.
type KafkaSender struct {
	cfg      *config.Config
	producer *client.KafkaProducer
	buckets  *bucketing.Manager
}

func NewKafkaSender(cfg *config.Config, producer *client.KafkaProducer, buckets *bucketing.Manager) *KafkaSender {
	return &KafkaSender{
		cfg:      cfg,
		producer: producer,
		buckets:  buckets,
	}
}

func (s *KafkaSender) Send(ctx context.Context, identifier, code string) error {
	channel := "sms"
	if util.IsEmailIdentifier(identifier) {
		channel = "email"
	}

	msg := Message{
		MessageID:  uuid.New().String(),
		Identifier: identifier,
		Code:       code,
		Channel:    channel,
		CreatedAt:  time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Policy.DeliveryTimeout)
	defer cancel()

	key := []byte(strconv.Itoa(s.buckets.EventBucket(identifier)))
	if err := s.producer.ProduceMessage(ctx, s.cfg.Kafka.DeliveryTopic, key, payload, map[string]string{
		"channel": channel,
	}); err != nil {
		return fmt.Errorf("failed to dispatch OTP delivery: %w", err)
	}

	util.Debug("OTP delivery dispatched",
		zap.String("message_id", msg.MessageID),
		zap.String("channel", channel))

	return nil
}

// LogSender writes the code to the application log instead of a gateway.
// Development only.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Send(_ context.Context, identifier, code string) error {
	util.Info("OTP delivery (log sender)",
		zap.String("identifier", identifier),
		zap.String("code", code))
	return nil
}
