package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"vitalwatch/internal/config"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/model"
	"vitalwatch/internal/normalize"
)

const sourceKafka = "kafka"

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Reading, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go consume(ctx, reader, cfg, parser, out, logger)
}

// backoff doubles the wait after each consecutive read error up to max.
type backoff struct {
	min, max time.Duration
	next     time.Duration
}

func (b *backoff) wait(ctx context.Context) bool {
	if b.next <= 0 {
		b.next = b.min
	}
	t := time.NewTimer(b.next)
	defer t.Stop()
	b.next = min(2*b.next, b.max)
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *backoff) reset() {
	b.next = 0
}

func consume(ctx context.Context, reader messageReader, cfg *config.Manager, parser *Parser, out chan<- model.Reading, logger *slog.Logger) {
	defer reader.Close()
	sink := NewSink(sourceKafka, out, logger)
	retry := backoff{min: 200 * time.Millisecond, max: 5 * time.Second}
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !retry.wait(ctx) {
				return
			}
			continue
		}
		retry.reset()
		fields, err := parser.ParseLine(string(m.Value))
		if err != nil || fields == nil {
			metrics.RecordReadingRejected(sourceKafka)
			continue
		}
		if fields.PatientID == "" && len(m.Key) > 0 {
			fields.PatientID = string(m.Key)
		}
		reading, err := normalize.Normalize(*fields, cfg.Get(), time.Now().UTC())
		if err != nil {
			metrics.RecordReadingRejected(sourceKafka)
			if logger != nil {
				logger.Warn("kafka normalize error", "offset", m.Offset, "err", err)
			}
			continue
		}
		sink.Deliver(ctx, reading)
	}
}
