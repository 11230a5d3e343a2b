package consumer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"biolog/internal/models"
)

// MockConsumer serves a fixed set of record messages, for local runs and tests.
type MockConsumer struct {
	logger   *zap.Logger
	messages chan *models.RecordMessage
}

// PredefinedMessages returns a small fixed sample covering several source systems.
func PredefinedMessages() []*models.RecordMessage {
	now := time.Now().UTC()
	ts := func(ago time.Duration) string { return now.Add(-ago).Format(time.RFC3339Nano) }
	return []*models.RecordMessage{
		{
			RequestID:         "a1b1c1d1-e1f1-1111-2222-1234567890ab",
			SourceSystem:      "ELN",
			RawPayload:        "event=Download user=jdoe experiment=EXP-1042 mode=bulk",
			Timestamp:         ts(time.Minute),
			ReceivedTimestamp: ts(time.Minute),
			Channel:           "mock",
		},
		{
			RequestID:         "a2b2c2d2-e2f2-3333-4444-abcdef123456",
			SourceSystem:      "CTMS",
			RawPayload:        "event=SubjectView user=crc01 subject=SUBJ-77 ssn=123-45-6789 access denied",
			Timestamp:         ts(30 * time.Second),
			ReceivedTimestamp: ts(30 * time.Second),
			Channel:           "mock",
		},
		{
			RequestID:         "a3b3c3d3-e3f3-5555-6666-fedcba654321",
			SourceSystem:      "MES",
			RawPayload:        "event=Heartbeat line=L3 batch=B-2201 status=debug",
			Timestamp:         ts(0),
			ReceivedTimestamp: ts(0),
			Channel:           "mock",
		},
	}
}

// NewMockConsumer creates a MockConsumer loaded with msgs, or with
// PredefinedMessages when none are given.
func NewMockConsumer(logger *zap.Logger, msgs ...*models.RecordMessage) *MockConsumer {
	if len(msgs) == 0 {
		msgs = PredefinedMessages()
	}
	mc := &MockConsumer{
		logger:   logger,
		messages: make(chan *models.RecordMessage, len(msgs)+5),
	}
	for _, msg := range msgs {
		mc.messages <- msg
	}
	logger.Info("[MockConsumer] Predefined messages loaded", zap.Int("count", len(msgs)))
	return mc
}

// Consume reads predefined messages from the channel.
func (m *MockConsumer) Consume(ctx context.Context) (msg *models.RecordMessage, ack func(success bool), err error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case msg, ok := <-m.messages:
		if !ok || msg == nil {
			return nil, nil, errors.New("message channel closed")
		}
		m.logger.Debug("[MockConsumer] Consumed message", zap.String("request_id", msg.RequestID))

		ackCallback := func(success bool) {
			if success {
				m.logger.Debug("[MockConsumer] ACK received", zap.String("request_id", msg.RequestID))
				return
			}
			// Re-queue (mock)
			select {
			case m.messages <- msg:
				m.logger.Debug("[MockConsumer] NACK received, message re-queued", zap.String("request_id", msg.RequestID))
			default:
				m.logger.Warn("[MockConsumer] Failed to re-queue message (channel full?)", zap.String("request_id", msg.RequestID))
			}
		}
		return msg, ackCallback, nil
	}
}

// Close closes the message channel.
func (m *MockConsumer) Close() error {
	m.logger.Info("[MockConsumer] Closing...")
	close(m.messages)
	return nil
}

var _ Consumer = (*MockConsumer)(nil)
