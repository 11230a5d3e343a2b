package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"biolog/config"
	"biolog/internal/messaging/producer"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes copies as JSON to a topic, e.g. the central security platform.
type KafkaSink struct {
	name   string
	writer messageWriter
}

// NewKafkaSink creates a synchronous writer so each delivery is acknowledged
// by the brokers before Deliver returns.
func NewKafkaSink(name string, cfg config.KafkaSinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka destination %q requires brokers and topic", name)
	}
	acks := cfg.RequiredAcks
	if acks == "" {
		acks = "all"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: producer.ParseRequiredAcks(acks),
		BatchTimeout: 10 * time.Millisecond,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("kafka sink writer error", zap.String("destination", name), zap.String("detail", fmt.Sprintf(msg, args...)))
		}),
	}
	return newKafkaSink(name, w), nil
}

func newKafkaSink(name string, w messageWriter) *KafkaSink {
	return &KafkaSink{name: name, writer: w}
}

// Name implements Sink
func (s *KafkaSink) Name() string { return s.name }

// Deliver implements Sink
func (s *KafkaSink) Deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode delivery %s: %w", d.RecordID, err))
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(d.RecordID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "source_system", Value: []byte(d.SourceSystem)},
			{Key: "tier", Value: []byte(d.Tier)},
		},
	})
	if err != nil {
		var tooLarge kafka.MessageTooLargeError
		if errors.As(err, &tooLarge) {
			return Permanent(err)
		}
		return fmt.Errorf("kafka destination %s: %w", s.name, err)
	}
	return nil
}

// Close implements Sink
func (s *KafkaSink) Close() error { return s.writer.Close() }

var _ Sink = (*KafkaSink)(nil)
