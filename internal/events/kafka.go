package events

import (
	"context"
	"encoding/json"
	"time"

	"papertrade/internal/model"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes trades as JSON keyed by account id, so one account's
// trades stay ordered within a partition.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 200 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaSink(w messageWriter, timeout time.Duration) *KafkaSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaSink{w: w, timeout: timeout}
}

func (s *KafkaSink) TradeExecuted(ctx context.Context, tx model.Transaction) error {
	payload, err := json.Marshal(NewTradeEvent(tx))
	if err != nil {
		return errors.Wrap(err, "marshal trade event")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tx.AccountID),
		Value: payload,
		Time:  tx.CreatedAt,
	})
	return errors.Wrapf(err, "publish trade %s", tx.ID)
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}
