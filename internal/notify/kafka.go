package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes alerts keyed by doctor ID so one doctor's alerts stay on a
// single partition in order.
type Kafka struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafka builds a synchronous writer that flushes each alert right away.
// timeout caps a single publish; zero leaves it to the caller's context.
func NewKafka(cfg config.NotifyKafkaConfig, timeout time.Duration) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchSize:              1,
			BatchTimeout:           5 * time.Millisecond,
			WriteTimeout:           timeout,
			AllowAutoTopicCreation: true,
		},
		timeout: timeout,
	}
}

func (k *Kafka) Notify(ctx context.Context, alert model.Alert) error {
	payload, err := encodeAlert(alert)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(alert.DoctorID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "alert_type", Value: []byte(alert.Type)},
			{Key: "priority", Value: []byte(alert.Priority)},
		},
	}
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish alert %s: %w", alert.ID, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
