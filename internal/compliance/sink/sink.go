// Package sink delivers compliance alerts outside the process.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"rxledger/internal/compliance/models"
	"rxledger/internal/platform/kafka"
)

// Producer is the part of the Kafka producer the sink uses.
type Producer interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes each alert as a JSON record keyed by tenant, so a tenant's
// alerts stay ordered within a partition.
type Kafka struct {
	producer Producer
	topic    string
}

func NewKafka(producer Producer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

func (k *Kafka) Publish(ctx context.Context, alerts ...models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		value, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode alert %s: %w", a.Key(), err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: k.topic,
			Key:   []byte(a.TenantID.String()),
			Value: value,
			Headers: map[string]string{
				"kind":     string(a.Kind),
				"severity": string(a.Severity),
			},
		})
	}
	return k.producer.Publish(ctx, msgs...)
}

// Log writes alerts to the logger. Used when no broker is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Publish(ctx context.Context, alerts ...models.Alert) error {
	for _, a := range alerts {
		level := slog.LevelInfo
		if a.Severity.AtLeast(models.SeverityHigh) {
			level = slog.LevelWarn
		}
		l.logger.Log(ctx, level, "compliance alert",
			"tenant_id", a.TenantID,
			"kind", a.Kind,
			"severity", a.Severity,
			"entity", a.Entity.String(),
			"message", a.Message,
		)
	}
	return nil
}
