// Package publish hands new alerts to downstream presentation layers.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"waterguard/internal/config"
	"waterguard/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, cycleID string, at time.Time, alerts []model.Alert) error
	Close() error
}

// Envelope is the message body written for every alert.
type Envelope struct {
	CycleID string      `json:"cycle_id"`
	At      time.Time   `json:"at"`
	Alert   model.Alert `json:"alert"`
}

func New(cfg config.PublishConfig, logger *slog.Logger) Publisher {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("alert publishing disabled")
		}
		return Noop{}
	}
	if logger != nil {
		logger.Info("alert publishing enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafka(w, logger)
}

type Noop struct{}

func (Noop) Publish(context.Context, string, time.Time, []model.Alert) error { return nil }
func (Noop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Kafka struct {
	w      messageWriter
	logger *slog.Logger
}

func NewKafka(w messageWriter, logger *slog.Logger) *Kafka {
	return &Kafka{w: w, logger: logger}
}

// Publish writes one message per alert, keyed by entity so that a
// partition sees every alert of an entity in order.
func (k *Kafka) Publish(ctx context.Context, cycleID string, at time.Time, alerts []model.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		body, err := json.Marshal(Envelope{CycleID: cycleID, At: at, Alert: a})
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(string(a.EntityType) + ":" + a.EntityID),
			Value: body,
			Time:  at,
		})
	}
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		if k.logger != nil {
			k.logger.Warn("alert publish failed", "cycle_id", cycleID, "alerts", len(msgs), "err", err)
		}
		return err
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
