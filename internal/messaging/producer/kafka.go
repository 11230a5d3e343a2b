package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"biolog/config"
	"biolog/internal/models"
)

// messageWriter is the subset of *kafka.Writer the producer needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements the Producer interface
type KafkaProducer struct {
	writer messageWriter
	logger *zap.Logger
	topic  string
}

// ParseRequiredAcks maps the configuration spelling to a kafka-go setting,
// defaulting to waiting for the leader.
func ParseRequiredAcks(s string) kafka.RequiredAcks {
	switch s {
	case "none":
		return kafka.RequireNone
	case "all":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}

// NewKafkaProducer creates a new KafkaProducer
func NewKafkaProducer(cfg config.KafkaProducerConfig, logger *zap.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka producer configuration incomplete: both brokers and topic are required")
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 100 * time.Millisecond
	}

	batchBytes := cfg.BatchBytes
	if batchBytes == 0 {
		batchBytes = 5 * 1024 * 1024
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 5 * time.Second
	}

	// Records are keyed by source system so one source stays on one partition
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},

		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		BatchBytes:   int64(batchBytes),

		RequiredAcks: ParseRequiredAcks(cfg.RequiredAcks),
		Async:        cfg.Async,

		WriteTimeout: writeTimeout,
		ReadTimeout:  readTimeout,

		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("kafka writer error", zap.String("detail", fmt.Sprintf(msg, args...)))
		}),
	}

	logger.Info("Kafka producer created", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))

	return newKafkaProducer(w, cfg.Topic, logger), nil
}

func newKafkaProducer(w messageWriter, topic string, logger *zap.Logger) *KafkaProducer {
	return &KafkaProducer{writer: w, logger: logger, topic: topic}
}

func encode(msg *models.RecordMessage) (kafka.Message, error) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to serialize record message (RequestID: %s): %w", msg.RequestID, err)
	}
	return kafka.Message{
		Key:   []byte(msg.SourceSystem),
		Value: msgBytes,
		Headers: []kafka.Header{
			{Key: "request_id", Value: []byte(msg.RequestID)},
		},
	}, nil
}

// Publish sends a message
func (p *KafkaProducer) Publish(ctx context.Context, msg *models.RecordMessage) error {
	kafkaMsg, err := encode(msg)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		p.logger.Warn("Failed to send Kafka message", zap.String("request_id", msg.RequestID), zap.Error(err))
		return fmt.Errorf("failed to write to Kafka: %w", err)
	}
	return nil
}

// PublishBatch sends record messages in batch
func (p *KafkaProducer) PublishBatch(ctx context.Context, msgs []*models.RecordMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	kafkaMsgs := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		m, err := encode(msg)
		if err != nil {
			return err
		}
		kafkaMsgs[i] = m
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsgs...); err != nil {
		p.logger.Warn("Failed to send Kafka messages in batch", zap.Int("count", len(msgs)), zap.Error(err))
		return fmt.Errorf("failed to batch write to Kafka: %w", err)
	}

	p.logger.Debug("Kafka batch queued", zap.Int("count", len(msgs)), zap.String("topic", p.topic))
	return nil
}

// Close closes the producer
func (p *KafkaProducer) Close() error {
	p.logger.Info("Closing Kafka producer (and flushing buffer)...")
	return p.writer.Close()
}

var _ Producer = (*KafkaProducer)(nil) // Compile-time interface check
