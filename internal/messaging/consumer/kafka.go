package consumer

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

// messageReader is the subset of *kafka.Reader the consumer needs
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer implements the Consumer interface to consume record messages from Kafka
type KafkaConsumer struct {
	reader messageReader
	logger *zap.Logger
}

// NewKafkaConsumer creates a new KafkaConsumer instance
func NewKafkaConsumer(cfg config.KafkaConsumerConfig, logger *zap.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("incomplete kafka configuration: brokers, topic, group_id are all required")
	}

	sessionTimeout, err := time.ParseDuration(cfg.SessionTimeout)
	if err != nil {
		logger.Warn("Invalid session_timeout, using default 30s", zap.String("value", cfg.SessionTimeout))
		sessionTimeout = 30 * time.Second
	}

	heartbeatInterval, err := time.ParseDuration(cfg.HeartbeatInterval)
	if err != nil {
		logger.Warn("Invalid heartbeat_interval, using default 3s", zap.String("value", cfg.HeartbeatInterval))
		heartbeatInterval = 3 * time.Second
	}

	readerConfig := kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		Topic:             cfg.Topic,
		MinBytes:          10e3,            // 10KB
		MaxBytes:          10e6,            // 10MB
		MaxWait:           1 * time.Second, // Max wait time for message fetch
		SessionTimeout:    sessionTimeout,
		HeartbeatInterval: heartbeatInterval,
		StartOffset:       kafka.FirstOffset,
	}

	switch cfg.AutoOffsetReset {
	case "latest":
		readerConfig.StartOffset = kafka.LastOffset
	case "earliest", "":
		readerConfig.StartOffset = kafka.FirstOffset
	default:
		logger.Warn("Unknown auto_offset_reset, using earliest", zap.String("value", cfg.AutoOffsetReset))
	}

	// Commits are synchronous so an acked record is never redelivered
	if !cfg.EnableAutoCommit {
		readerConfig.CommitInterval = 0
	} else {
		readerConfig.CommitInterval = time.Second
	}

	r := kafka.NewReader(readerConfig)

	logger.Info("Kafka consumer created",
		zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic), zap.String("group_id", cfg.GroupID))

	return newKafkaConsumer(r, logger), nil
}

func newKafkaConsumer(r messageReader, logger *zap.Logger) *KafkaConsumer {
	return &KafkaConsumer{reader: r, logger: logger}
}

// Consume implements the Consumer interface by reading messages from Kafka
func (k *KafkaConsumer) Consume(ctx context.Context) (msg *models.RecordMessage, ack func(success bool), err error) {
	kafkaMsg, err := k.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}

	var recMsg models.RecordMessage
	if err := json.Unmarshal(kafkaMsg.Value, &recMsg); err != nil {
		k.logger.Error("Failed to deserialize message, discarding",
			zap.Int64("offset", kafkaMsg.Offset), zap.Int("partition", kafkaMsg.Partition), zap.Error(err))
		_ = k.reader.CommitMessages(ctx, kafkaMsg) // Commit offset to avoid blocking
		return nil, nil, fmt.Errorf("message deserialization failed: %w", err)
	}

	ackCallback := func(success bool) {
		if success {
			if err := k.reader.CommitMessages(context.Background(), kafkaMsg); err != nil {
				k.logger.Error("Failed to commit offset", zap.Int64("offset", kafkaMsg.Offset), zap.Error(err))
			}
			return
		}
		k.logger.Warn("NACK received, offset will not be committed",
			zap.Int64("offset", kafkaMsg.Offset), zap.String("request_id", recMsg.RequestID))
	}

	return &recMsg, ackCallback, nil
}

// Close implements the Consumer interface by closing the Kafka reader
func (k *KafkaConsumer) Close() error {
	k.logger.Info("Closing Kafka consumer...")
	return k.reader.Close()
}

// Ensure KafkaConsumer implements the Consumer interface
var _ Consumer = (*KafkaConsumer)(nil)
