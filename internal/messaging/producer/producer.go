package producer

import (
	"context"

	"biolog/internal/models"
)

// Producer defines the interface for message queue producer
type Producer interface {
	// Publish sends a single record message to the configured topic
	Publish(ctx context.Context, msg *models.RecordMessage) error

	// PublishBatch sends record messages in batch to the configured topic
	PublishBatch(ctx context.Context, msgs []*models.RecordMessage) error

	// Close closes the producer connection
	Close() error
}
