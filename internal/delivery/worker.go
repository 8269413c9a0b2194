package delivery

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

// Worker consumes the delivery topic and logs each message. It stands in
// for the real SMS/email gateway in development environments where Kafka
// runs but no downstream gateway does.
type Worker struct {
	consumer *client.KafkaConsumer
}

func NewWorker(consumer *client.KafkaConsumer) *Worker {
	return &Worker{consumer: consumer}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	util.Info("Delivery worker started")

	for {
		msg, err := w.consumer.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				util.Info("Delivery worker stopped")
				return
			}
			util.Error("Delivery worker failed to read message", zap.Error(err))
			continue
		}

		var m Message
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			util.Error("Delivery worker received malformed message", zap.Error(err))
			continue
		}

		util.Info("Delivering OTP",
			zap.String("message_id", m.MessageID),
			zap.String("channel", m.Channel),
			zap.String("identifier", m.Identifier))
	}
}
